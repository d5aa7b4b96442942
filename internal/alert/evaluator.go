package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

// Reasons recorded on a decision.
const (
	ReasonFired    = "fired"
	ReasonCooldown = "cooldown"
	ReasonNotWorse = "not_worse"
	// Only with a watchlist installed.
	ReasonNotWatched     = "not_watched"
	ReasonAboveThreshold = "above_threshold"
)

// Decision is the outcome of evaluating one band transition.
type Decision struct {
	ID        string      `json:"id"`
	ContactID string      `json:"contact_id"`
	FromBand  warmth.Band `json:"from_band"`
	ToBand    warmth.Band `json:"to_band"`
	Score     float64     `json:"score"`
	Fire      bool        `json:"fire"`
	Reason    string      `json:"reason"`
	DecidedAt time.Time   `json:"decided_at"`
}

// DecisionSink persists decision records.
type DecisionSink interface {
	AppendDecision(ctx context.Context, d Decision) error
}

// Notifier delivers fired alerts to a user-facing channel.
type Notifier interface {
	Notify(ctx context.Context, d Decision) error
}

// DedupStore grants at most one alert per key per ttl window.
// Acquire returns true when the caller may fire.
type DedupStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Evaluator decides whether a band transition should raise an alert.
type Evaluator struct {
	dedup     DedupStore
	watchlist Watchlist
	sink      DecisionSink
	notifier  Notifier
	cooldown  time.Duration
	clock     warmth.Clock
	logger    *zap.Logger
}

// NewEvaluator creates an evaluator. sink and notifier may be nil.
func NewEvaluator(dedup DedupStore, sink DecisionSink, notifier Notifier, cooldown time.Duration, clock warmth.Clock, logger *zap.Logger) *Evaluator {
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Evaluator{
		dedup:    dedup,
		sink:     sink,
		notifier: notifier,
		cooldown: cooldown,
		clock:    clock,
		logger:   logger,
	}
}

// SetWatchlist limits alerts to watched contacts whose score is below their
// watch threshold. A nil watchlist alerts on every contact.
func (e *Evaluator) SetWatchlist(w Watchlist) {
	e.watchlist = w
}

// DefaultCooldown is the minimum interval between alerts for the same
// contact and target band.
const DefaultCooldown = 7 * 24 * time.Hour

// DedupKey identifies an alert for deduplication.
func DedupKey(contactID string, band warmth.Band) string {
	return "warmth:alert:" + contactID + ":" + string(band)
}

// Evaluate fires only on a crossing into a strictly colder band that has not
// alerted for the same contact and band within the cooldown.
func (e *Evaluator) Evaluate(ctx context.Context, t warmth.Transition) (Decision, error) {
	d := Decision{
		ID:        uuid.New().String(),
		ContactID: t.ContactID,
		FromBand:  t.From,
		ToBand:    t.To,
		Score:     t.Score,
		DecidedAt: e.clock.Now(),
	}
	if !t.To.ColderThan(t.From) {
		d.Reason = ReasonNotWorse
		return d, nil
	}
	if e.watchlist != nil {
		w, err := e.watchlist.GetWatch(ctx, t.ContactID)
		if errors.Is(err, ErrNotWatched) {
			d.Reason = ReasonNotWatched
			return d, nil
		}
		if err != nil {
			return d, fmt.Errorf("alert watch %s: %w", t.ContactID, err)
		}
		if t.Score >= w.EffectiveThreshold() {
			d.Reason = ReasonAboveThreshold
			return d, nil
		}
	}

	ok, err := e.dedup.Acquire(ctx, DedupKey(t.ContactID, t.To), e.cooldown)
	if err != nil {
		return d, fmt.Errorf("alert dedup %s: %w", t.ContactID, err)
	}
	if ok {
		d.Fire = true
		d.Reason = ReasonFired
	} else {
		d.Reason = ReasonCooldown
	}

	if e.sink != nil {
		if err := e.sink.AppendDecision(ctx, d); err != nil {
			e.logger.Warn("append alert decision failed",
				zap.String("contact", d.ContactID), zap.Error(err))
		}
	}

	if d.Fire {
		e.logger.Info("warmth alert fired",
			zap.String("contact", d.ContactID),
			zap.String("from", string(d.FromBand)),
			zap.String("to", string(d.ToBand)),
			zap.Float64("score", d.Score))
		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, d); err != nil {
				e.logger.Warn("alert delivery failed",
					zap.String("contact", d.ContactID), zap.Error(err))
			}
		}
	} else {
		e.logger.Debug("warmth alert suppressed by cooldown",
			zap.String("contact", d.ContactID),
			zap.String("band", string(d.ToBand)))
	}
	return d, nil
}

// Publish implements warmth.TransitionSink.
func (e *Evaluator) Publish(ctx context.Context, t warmth.Transition) error {
	_, err := e.Evaluate(ctx, t)
	return err
}
