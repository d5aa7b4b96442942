package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

// SnapshotReport summarizes one snapshot pass.
type SnapshotReport struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration_ns"`
}

// SnapshotRecorder appends one history row per contact. It never writes
// warmth state.
type SnapshotRecorder struct {
	repo   warmth.Repository
	decay  *warmth.Decay
	bander *warmth.Bander
	clock  warmth.Clock
	opts   Options
	logger *zap.Logger
}

// NewSnapshotRecorder creates a snapshot job.
func NewSnapshotRecorder(repo warmth.Repository, decay *warmth.Decay, bander *warmth.Bander, clock warmth.Clock, opts Options, logger *zap.Logger) *SnapshotRecorder {
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	return &SnapshotRecorder{
		repo:   repo,
		decay:  decay,
		bander: bander,
		clock:  clock,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Run records every contact's score at the run instant.
func (s *SnapshotRecorder) Run(ctx context.Context) (SnapshotReport, error) {
	started := time.Now()
	now := s.clock.Now()
	var total, success, failed atomic.Int64

	err := walk(ctx, s.repo, s.opts, func(rowCtx context.Context, st warmth.State) {
		total.Add(1)
		if err := st.Validate(); err != nil {
			failed.Add(1)
			s.logger.Warn("snapshot skipped invalid state", zap.String("contact", st.ContactID), zap.Error(err))
			return
		}
		score := s.decay.StateScoreAt(st, now)
		snap := warmth.Snapshot{
			ID:         uuid.New().String(),
			ContactID:  st.ContactID,
			Score:      score,
			Band:       s.bander.Classify(score, &st.Band),
			RecordedAt: now,
		}
		if err := s.repo.AppendSnapshot(rowCtx, snap); err != nil {
			failed.Add(1)
			s.logger.Warn("snapshot append failed", zap.String("contact", st.ContactID), zap.Error(err))
			return
		}
		success.Add(1)
	})

	rep := SnapshotReport{
		Total:    int(total.Load()),
		Success:  int(success.Load()),
		Errors:   int(failed.Load()),
		Duration: time.Since(started),
	}
	if err != nil {
		s.logger.Warn("warmth snapshot stopped early", zap.Int("total", rep.Total), zap.Error(err))
		return rep, err
	}
	s.logger.Info("warmth snapshot finished",
		zap.Int("total", rep.Total),
		zap.Int("success", rep.Success),
		zap.Int("errors", rep.Errors),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}
