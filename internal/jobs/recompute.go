package jobs

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

// RecomputeReport summarizes one recompute pass.
// Checked always equals Recomputed + Unchanged + Errors.
type RecomputeReport struct {
	Checked     int           `json:"checked"`
	Recomputed  int           `json:"recomputed"`
	Decayed     int           `json:"decayed"`
	Unchanged   int           `json:"unchanged"`
	Errors      int           `json:"errors"`
	Conflicts   int           `json:"conflicts"`
	Transitions int           `json:"transitions"`
	Duration    time.Duration `json:"duration_ns"`
}

type recomputeCounters struct {
	checked, recomputed, decayed, unchanged atomic.Int64
	errors, conflicts, transitions          atomic.Int64
}

func (c *recomputeCounters) report(d time.Duration) RecomputeReport {
	return RecomputeReport{
		Checked:     int(c.checked.Load()),
		Recomputed:  int(c.recomputed.Load()),
		Decayed:     int(c.decayed.Load()),
		Unchanged:   int(c.unchanged.Load()),
		Errors:      int(c.errors.Load()),
		Conflicts:   int(c.conflicts.Load()),
		Transitions: int(c.transitions.Load()),
		Duration:    d,
	}
}

// Recomputer refreshes every cached score and band to one instant and
// reports band transitions.
type Recomputer struct {
	repo   warmth.Repository
	decay  *warmth.Decay
	bander *warmth.Bander
	sink   warmth.TransitionSink
	clock  warmth.Clock
	opts   Options
	logger *zap.Logger
}

// NewRecomputer creates a recompute job.
func NewRecomputer(repo warmth.Repository, decay *warmth.Decay, bander *warmth.Bander, sink warmth.TransitionSink, clock warmth.Clock, opts Options, logger *zap.Logger) *Recomputer {
	if sink == nil {
		sink = warmth.DiscardSink{}
	}
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	return &Recomputer{
		repo:   repo,
		decay:  decay,
		bander: bander,
		sink:   sink,
		clock:  clock,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

type rowOutcome int

const (
	outcomeUnchanged rowOutcome = iota
	outcomeSaved
	outcomeConflict
)

// Run executes one pass. On cancellation the partial report is returned
// with the context error.
func (r *Recomputer) Run(ctx context.Context) (RecomputeReport, error) {
	started := time.Now()
	now := r.clock.Now()
	var c recomputeCounters

	r.logger.Info("warmth recompute started", zap.Time("at", now))
	err := walk(ctx, r.repo, r.opts, func(rowCtx context.Context, st warmth.State) {
		c.checked.Add(1)
		if err := r.recomputeRow(rowCtx, st, now, &c); err != nil {
			c.errors.Add(1)
			r.logger.Warn("warmth recompute row failed",
				zap.String("contact", st.ContactID), zap.Error(err))
		}
	})

	rep := c.report(time.Since(started))
	fields := []zap.Field{
		zap.Int("checked", rep.Checked),
		zap.Int("recomputed", rep.Recomputed),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("errors", rep.Errors),
		zap.Int("transitions", rep.Transitions),
		zap.Duration("duration", rep.Duration),
	}
	if err != nil {
		r.logger.Warn("warmth recompute stopped early", append(fields, zap.Error(err))...)
		return rep, err
	}
	r.logger.Info("warmth recompute finished", fields...)
	return rep, nil
}

// recomputeRow saves st's score at now, retrying once on a version conflict
// against a fresh read.
func (r *Recomputer) recomputeRow(ctx context.Context, st warmth.State, now time.Time, c *recomputeCounters) error {
	outcome, next, err := r.apply(ctx, st, now)
	if outcome == outcomeConflict {
		fresh, gerr := r.repo.GetWarmthState(ctx, st.ContactID)
		if gerr != nil {
			return gerr
		}
		st = fresh
		outcome, next, err = r.apply(ctx, st, now)
		if outcome == outcomeConflict {
			c.conflicts.Add(1)
			return err
		}
	}
	if err != nil {
		return err
	}

	switch outcome {
	case outcomeUnchanged:
		c.unchanged.Add(1)
		return nil
	case outcomeSaved:
		c.recomputed.Add(1)
		if next.CurrentScore < st.CurrentScore {
			c.decayed.Add(1)
		}
	}

	if next.Band != st.Band {
		c.transitions.Add(1)
		t := warmth.Transition{
			ContactID: st.ContactID,
			From:      st.Band,
			To:        next.Band,
			Score:     next.CurrentScore,
			At:        now,
		}
		if err := r.sink.Publish(ctx, t); err != nil {
			r.logger.Warn("publish transition failed", zap.String("contact", st.ContactID), zap.Error(err))
		}
	}
	return nil
}

func (r *Recomputer) apply(ctx context.Context, st warmth.State, now time.Time) (rowOutcome, warmth.State, error) {
	if err := st.Validate(); err != nil {
		return outcomeUnchanged, st, err
	}
	score := r.decay.StateScoreAt(st, now)
	band := r.bander.Classify(score, &st.Band)
	if math.Abs(score-st.CurrentScore) <= r.opts.Epsilon && band == st.Band {
		return outcomeUnchanged, st, nil
	}

	next := st
	next.CurrentScore = score
	next.Band = band
	next.UpdatedAt = now
	if err := next.CheckInvariants(); err != nil {
		r.logger.Error("warmth invariant violated", zap.String("contact", st.ContactID), zap.Error(err))
		return outcomeUnchanged, st, err
	}

	err := r.repo.SaveWarmthState(ctx, next, st.Version)
	if errors.Is(err, warmth.ErrVersionConflict) {
		return outcomeConflict, st, err
	}
	if err != nil {
		return outcomeUnchanged, st, err
	}
	next.Version = st.Version + 1
	return outcomeSaved, next, nil
}
