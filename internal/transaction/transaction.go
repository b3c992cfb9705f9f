// Package transaction defines the inbound transaction event model.
//
// Events arrive as JSON payloads on the feed connection and are never
// mutated after parsing. Optional fields use pointers so that "absent"
// is distinguishable from zero.
package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingID is returned when an event has no transaction number.
var ErrMissingID = errors.New("transaction: missing trans_num")

// Transaction is one feed event. Field names mirror the feed payload.
type Transaction struct {
	TransNum  string   `json:"trans_num"`
	CCNum     string   `json:"cc_num"`
	SSN       string   `json:"ssn"`
	AcctNum   string   `json:"acct_num"`
	Merchant  string   `json:"merchant"`
	Amount    float64  `json:"amt"`
	Category  string   `json:"category"`
	City      string   `json:"city"`
	State     string   `json:"state"`
	Lat       *float64 `json:"lat,omitempty"`
	Long      *float64 `json:"long,omitempty"`
	MerchLat  *float64 `json:"merch_lat,omitempty"`
	MerchLong *float64 `json:"merch_long,omitempty"`
	UnixTime  int64    `json:"unix_time"`
}

// Parse decodes a single feed payload. Numeric identifiers are accepted
// as either JSON strings or numbers, because the upstream feed is not
// consistent about it.
func Parse(data []byte) (*Transaction, error) {
	var raw struct {
		TransNum  json.RawMessage `json:"trans_num"`
		CCNum     json.RawMessage `json:"cc_num"`
		SSN       json.RawMessage `json:"ssn"`
		AcctNum   json.RawMessage `json:"acct_num"`
		Merchant  string          `json:"merchant"`
		Amount    float64         `json:"amt"`
		Category  string          `json:"category"`
		City      string          `json:"city"`
		State     string          `json:"state"`
		Lat       *float64        `json:"lat"`
		Long      *float64        `json:"long"`
		MerchLat  *float64        `json:"merch_lat"`
		MerchLong *float64        `json:"merch_long"`
		UnixTime  int64           `json:"unix_time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("transaction: decode event: %w", err)
	}

	tx := &Transaction{
		TransNum:  flexString(raw.TransNum),
		CCNum:     flexString(raw.CCNum),
		SSN:       flexString(raw.SSN),
		AcctNum:   flexString(raw.AcctNum),
		Merchant:  raw.Merchant,
		Amount:    raw.Amount,
		Category:  raw.Category,
		City:      raw.City,
		State:     raw.State,
		Lat:       raw.Lat,
		Long:      raw.Long,
		MerchLat:  raw.MerchLat,
		MerchLong: raw.MerchLong,
		UnixTime:  raw.UnixTime,
	}
	if tx.TransNum == "" {
		return nil, ErrMissingID
	}
	return tx, nil
}

// HasCoords reports whether both coordinate pairs are present.
func (t *Transaction) HasCoords() bool {
	return t.Lat != nil && t.Long != nil && t.MerchLat != nil && t.MerchLong != nil
}

// flexString renders a raw JSON scalar as a string, stripping quotes.
func flexString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
		return s[1 : len(s)-1]
	}
	return s
}
