// Package features computes the feature vector for one transaction.
//
// The extractor is a pure function of the transaction, a pre-update
// snapshot of its entities' states, and the static encoding cache. It
// performs no I/O and no mutation. Field order, names, and fallback
// values are frozen to the definitions the deployed classifier was
// trained with; changing any of them silently skews serving against
// training, so treat this file as a contract, not an implementation
// detail.
package features

import (
	"math"
	"time"

	"github.com/ctrlaltdelite/fraudwatch/internal/encoding"
	"github.com/ctrlaltdelite/fraudwatch/internal/state"
	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

// Fallback values, frozen at training time.
const (
	// NoHistorySeconds stands in for "time since last transaction" when
	// an entity has never been seen: 30 days.
	NoHistorySeconds = 30 * 86400

	// RatioSentinel replaces a ratio whose quotient is not finite.
	RatioSentinel = 999

	// NoCoordsDistanceKM is reported when either coordinate pair is
	// missing or out of valid latitude/longitude range.
	NoCoordsDistanceKM = 0
)

// names is the frozen feature order. The velocity and deviation features
// keep the Romanian column names they had in the training data.
var names = []string{
	"VITEZA_900_CARD",
	"VITEZA_3600_CARD",
	"VITEZA_86400_CARD",
	"TIMP_DE_LA_ULTIMA_TRX_SEC_CARD",
	"ABATERE_SUMA_FACTOR",
	"NR_CARDURI_PE_CONT",
	"NR_CARDURI_PE_MERCHANT",
	"time_since_last_user_trans",
	"user_trans_count",
	"user_avg_amt_so_far",
	"user_max_amt_so_far",
	"amt_vs_user_avg_ratio",
	"is_over_user_max_amt",
	"user_avg_amt_last_5_trans",
	"amt_vs_user_category_avg",
	"user_merchant_trans_count",
	"is_new_merchant_for_user",
	"is_new_state",
	"merchant_avg_amt_so_far",
	"amt_vs_merchant_avg_ratio",
	"is_amt_round_number",
	"distance_km",
	"hour_of_day",
	"day_of_week",
	"amt",
	"merchant_encoded",
	"city_encoded",
	"state_encoded",
	"acct_num_encoded",
	"ssn_encoded",
}

var nameIndex = func() map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}()

// Names returns the frozen feature order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Vector is one transaction's feature values in frozen order.
type Vector struct {
	values []float64
}

// Values returns the raw values in frozen order.
func (v Vector) Values() []float64 { return v.values }

// Len returns the number of features.
func (v Vector) Len() int { return len(v.values) }

// Get returns a feature by name; ok is false for unknown names.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := nameIndex[name]
	if !ok || i >= len(v.values) {
		return 0, false
	}
	return v.values[i], true
}

// Extract computes the feature vector for tx against the given
// pre-update entity snapshot and encoding cache.
func Extract(tx *transaction.Transaction, snap *state.Snapshot, enc *encoding.Cache) Vector {
	card := snap.Card
	user := snap.User
	merchant := snap.Merchant
	amt := tx.Amount
	now := tx.UnixTime

	v := make([]float64, 0, len(names))
	put := func(x float64) { v = append(v, x) }

	// Card velocity over pruned windows. Windows hold only strictly
	// earlier timestamps, so the transaction never counts itself.
	put(float64(state.CountWithin(card.Window15Min, now, state.Window15Min)))
	put(float64(state.CountWithin(card.Window1Hour, now, state.Window1Hour)))
	put(float64(state.CountWithin(card.Window24Hour, now, state.Window24Hour)))

	if card.LastTransactionTime > 0 {
		put(float64(now - card.LastTransactionTime))
	} else {
		put(NoHistorySeconds)
	}
	put(ratio(amt, card.AvgAmount()))

	put(float64(snap.Account.UniqueCards))
	put(float64(merchant.UniqueCards))

	// User history.
	if user.LastTransactionTime > 0 {
		put(float64(now - user.LastTransactionTime))
	} else {
		put(NoHistorySeconds)
	}
	put(float64(user.TransactionCount))
	put(user.AvgAmount())
	put(user.MaxAmount)
	put(ratio(amt, user.AvgAmount()))
	put(indicator(amt > user.MaxAmount))
	put(lastFiveAvg(user.LastAmounts, amt))

	if catAvg, ok := user.CategoryAvg(tx.Category); ok {
		put(ratio(amt, catAvg))
	} else {
		put(1.0)
	}

	visits := user.MerchantVisits[tx.Merchant]
	put(float64(visits))
	put(indicator(visits == 0))
	put(indicator(user.LastState == "" || tx.State != user.LastState))

	// Merchant history.
	if merchant.TransactionCount > 0 {
		put(merchant.AvgAmount())
		put(ratio(amt, merchant.AvgAmount()))
	} else {
		put(amt)
		put(1.0)
	}

	put(indicator(amt > 0 && math.Mod(amt, 1.0) == 0))
	put(distanceKM(tx))

	t := time.Unix(now, 0).UTC()
	put(float64(t.Hour()))
	// Training used Monday=0 ... Sunday=6.
	put(float64((int(t.Weekday()) + 6) % 7))

	put(amt)

	// Target encodings; unseen values resolve to the global fraud mean.
	put(enc.Encode("merchant", tx.Merchant))
	put(enc.Encode("city", tx.City))
	put(enc.Encode("state", tx.State))
	put(enc.Encode("acct_num", tx.AcctNum))
	put(enc.Encode("ssn", tx.SSN))

	return Vector{values: v}
}

// ratio divides amt by a running average. No history reads as 1.0 (the
// transaction is its own baseline); a non-finite quotient reads as the
// sentinel. Both fallbacks are training-time definitions.
func ratio(amt, avg float64) float64 {
	if avg <= 0 {
		return 1.0
	}
	r := amt / avg
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return RatioSentinel
	}
	return r
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// lastFiveAvg averages the capped recent-amounts list, falling back to
// the current amount when the user has no history.
func lastFiveAvg(amounts []float64, amt float64) float64 {
	if len(amounts) == 0 {
		return amt
	}
	sum := 0.0
	for _, a := range amounts {
		sum += a
	}
	return sum / float64(len(amounts))
}

// distanceKM is the great-circle distance between the cardholder and
// counterparty coordinates. Missing or out-of-range inputs return the
// fallback, never an error.
func distanceKM(tx *transaction.Transaction) float64 {
	if !tx.HasCoords() {
		return NoCoordsDistanceKM
	}
	lat1, lon1 := *tx.Lat, *tx.Long
	lat2, lon2 := *tx.MerchLat, *tx.MerchLong
	if !validCoord(lat1, lon1) || !validCoord(lat2, lon2) {
		return NoCoordsDistanceKM
	}
	return haversine(lat1, lon1, lat2, lon2)
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

const earthRadiusKM = 6371

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
