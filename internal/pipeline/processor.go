// Package pipeline wires one transaction through the decision path:
// snapshot, feature extraction, scoring, notification, audit, and finally
// the state update. The ordering is the whole point — features are always
// computed against state that excludes the transaction itself, and the
// state update happens last so a crash mid-transaction never leaves a
// transaction's own effects visible to its own features.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ctrlaltdelite/fraudwatch/internal/audit"
	"github.com/ctrlaltdelite/fraudwatch/internal/encoding"
	"github.com/ctrlaltdelite/fraudwatch/internal/features"
	"github.com/ctrlaltdelite/fraudwatch/internal/idgen"
	"github.com/ctrlaltdelite/fraudwatch/internal/logging"
	"github.com/ctrlaltdelite/fraudwatch/internal/metrics"
	"github.com/ctrlaltdelite/fraudwatch/internal/model"
	"github.com/ctrlaltdelite/fraudwatch/internal/notify"
	"github.com/ctrlaltdelite/fraudwatch/internal/realtime"
	"github.com/ctrlaltdelite/fraudwatch/internal/state"
	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

// Result is the outcome of processing one transaction.
type Result struct {
	TransNum string
	Decision model.Decision
	Score    float64
	Vector   features.Vector
	Elapsed  time.Duration
}

// Processor runs the per-transaction decision path.
type Processor struct {
	store     state.Store
	enc       *encoding.Cache
	scorer    model.Scorer
	threshold float64
	notifier  *notify.Notifier
	auditor   audit.Store
	hub       *realtime.Hub
	logger    *slog.Logger

	processed  atomic.Int64
	fraudulent atomic.Int64
	started    time.Time
}

// Options assembles a Processor. Notifier and Hub may be nil; Auditor
// must not be.
type Options struct {
	Store     state.Store
	Encodings *encoding.Cache
	Scorer    model.Scorer
	Threshold float64
	Notifier  *notify.Notifier
	Auditor   audit.Store
	Hub       *realtime.Hub
	Logger    *slog.Logger
}

// New creates a Processor.
func New(opts Options) *Processor {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = model.DefaultThreshold
	}
	if opts.Scorer == nil {
		opts.Scorer = model.NullScorer{}
	}
	return &Processor{
		store:     opts.Store,
		enc:       opts.Encodings,
		scorer:    opts.Scorer,
		threshold: opts.Threshold,
		notifier:  opts.Notifier,
		auditor:   opts.Auditor,
		hub:       opts.Hub,
		logger:    opts.Logger,
		started:   time.Now(),
	}
}

// Process runs one transaction through the full decision path.
//
// A snapshot failure aborts processing: without a consistent pre-update
// read there is nothing sound to score. Scoring failures do not abort —
// the transaction falls back to legitimate and still updates state, so
// the aggregates stay complete for later transactions. State update
// failures are logged per entity and never undo the decision already
// made and delivered.
func (p *Processor) Process(ctx context.Context, tx *transaction.Transaction) (*Result, error) {
	start := time.Now()
	metrics.WorkersInFlight.Inc()
	defer metrics.WorkersInFlight.Dec()

	ctx = logging.WithTransNum(ctx, tx.TransNum)
	log := logging.L(ctx)

	refs := state.Refs{
		CCNum:    tx.CCNum,
		SSN:      tx.SSN,
		Merchant: tx.Merchant,
		AcctNum:  tx.AcctNum,
	}

	snap, err := p.store.Snapshot(ctx, refs)
	if err != nil {
		return nil, err
	}

	vec := features.Extract(tx, snap, p.enc)

	score, err := p.scorer.Score(vec)
	if err != nil {
		// Degraded decision: a broken scorer must not stall the feed.
		metrics.ScoreFailuresTotal.Inc()
		log.Warn("scoring failed, defaulting to legitimate", "error", err)
		score = 0
	}
	decision := model.Classify(score, p.threshold)

	p.processed.Add(1)
	if decision == model.DecisionFraudulent {
		p.fraudulent.Add(1)
	}
	metrics.TransactionsTotal.WithLabelValues(string(decision)).Inc()

	p.notifier.Enqueue(notify.Flag{
		TransNum:  tx.TransNum,
		FlagValue: decision.FlagValue(),
	})

	if p.hub != nil {
		p.hub.BroadcastDecision(map[string]interface{}{
			"trans_num": tx.TransNum,
			"decision":  string(decision),
			"score":     score,
			"amount":    tx.Amount,
			"merchant":  tx.Merchant,
			"category":  tx.Category,
		})
	}

	p.recordAudit(ctx, tx, decision, score, vec)
	p.updateState(ctx, tx, refs)

	elapsed := time.Since(start)
	metrics.ProcessDuration.Observe(elapsed.Seconds())

	log.Debug("transaction processed",
		"decision", decision, "score", score, "elapsed", elapsed)

	return &Result{
		TransNum: tx.TransNum,
		Decision: decision,
		Score:    score,
		Vector:   vec,
		Elapsed:  elapsed,
	}, nil
}

func (p *Processor) recordAudit(ctx context.Context, tx *transaction.Transaction, decision model.Decision, score float64, vec features.Vector) {
	featureMap := make(map[string]float64, vec.Len())
	for i, name := range features.Names() {
		featureMap[name] = vec.Values()[i]
	}

	rec := &audit.Record{
		ID:        idgen.WithPrefix("aud_"),
		TransNum:  tx.TransNum,
		Decision:  string(decision),
		Score:     score,
		Amount:    tx.Amount,
		Merchant:  tx.Merchant,
		Category:  tx.Category,
		EventTime: tx.UnixTime,
		Features:  featureMap,
		CreatedAt: time.Now(),
	}
	if err := p.auditor.Insert(ctx, rec); err != nil {
		metrics.AuditWriteErrorsTotal.Inc()
		logging.L(ctx).Warn("audit insert failed", "error", err)
	}
}

// updateState applies the transaction's effects to each entity it
// touches. Failures are independent: a failed card update does not stop
// the merchant update.
func (p *Processor) updateState(ctx context.Context, tx *transaction.Transaction, refs state.Refs) {
	log := logging.L(ctx)

	if err := p.store.ApplyCard(ctx, refs.CCNum, state.CardDelta{
		UnixTime: tx.UnixTime,
		Amount:   tx.Amount,
	}); err != nil {
		metrics.StateUpdateErrorsTotal.WithLabelValues(string(state.KindCard)).Inc()
		log.Error("card state update failed", "error", err)
	}

	if err := p.store.ApplyUser(ctx, refs.SSN, state.UserDelta{
		UnixTime: tx.UnixTime,
		Amount:   tx.Amount,
		Category: tx.Category,
		Merchant: tx.Merchant,
		State:    tx.State,
	}); err != nil {
		metrics.StateUpdateErrorsTotal.WithLabelValues(string(state.KindUser)).Inc()
		log.Error("user state update failed", "error", err)
	}

	if err := p.store.ApplyMerchant(ctx, refs.Merchant, state.MerchantDelta{
		Amount: tx.Amount,
		CCNum:  tx.CCNum,
	}); err != nil {
		metrics.StateUpdateErrorsTotal.WithLabelValues(string(state.KindMerchant)).Inc()
		log.Error("merchant state update failed", "error", err)
	}

	if err := p.store.ApplyAccount(ctx, refs.AcctNum, state.AccountDelta{
		CCNum: tx.CCNum,
	}); err != nil {
		metrics.StateUpdateErrorsTotal.WithLabelValues(string(state.KindAccount)).Inc()
		log.Error("account state update failed", "error", err)
	}
}

// Stats returns processing counters for the stats endpoint.
func (p *Processor) Stats() map[string]interface{} {
	processed := p.processed.Load()
	fraud := p.fraudulent.Load()
	return map[string]interface{}{
		"processed":  processed,
		"fraudulent": fraud,
		"legitimate": processed - fraud,
		"uptime":     time.Since(p.started).String(),
	}
}
