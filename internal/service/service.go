package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

// ErrConflict is returned when a save keeps losing to concurrent writers.
var ErrConflict = errors.New("warmth state changed concurrently")

const (
	summaryPageSize     = 500
	defaultHistoryLimit = 30
	maxHistoryLimit     = 365
)

// Store is the persistence the service needs beyond warmth.Repository.
type Store interface {
	warmth.Repository
	alert.Watchlist
	CreateWarmthState(ctx context.Context, s warmth.State) error
	// SaveWarmthStateWithModeChange saves s and appends r atomically.
	SaveWarmthStateWithModeChange(ctx context.Context, s warmth.State, expectedVersion int64, r warmth.ModeChange) error
	PutWatch(ctx context.Context, w alert.Watch) error
	DeleteWatch(ctx context.Context, contactID string) error
	ListSnapshots(ctx context.Context, contactID string, limit int) ([]warmth.Snapshot, error)
	ListModeChanges(ctx context.Context, contactID string, limit int) ([]warmth.ModeChange, error)
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	Clock          warmth.Clock
	Sink           warmth.TransitionSink
	CacheFreshness time.Duration
}

// Service is the mutation and query API over warmth states.
type Service struct {
	store   Store
	anchors *warmth.AnchorManager
	bander  *warmth.Bander
	cache   *ScoreCache
	sink    warmth.TransitionSink
	clock   warmth.Clock
	logger  *zap.Logger
}

// InteractionResult is the state of a contact right after an interaction.
type InteractionResult struct {
	ContactID string      `json:"contact_id"`
	Score     float64     `json:"score"`
	Band      warmth.Band `json:"band"`
	Amplitude float64     `json:"amplitude"`
}

// SwitchResult describes a mode switch. ScoreBefore always equals ScoreAfter.
type SwitchResult struct {
	ContactID   string      `json:"contact_id"`
	ModeBefore  warmth.Mode `json:"mode_before"`
	ModeAfter   warmth.Mode `json:"mode_after"`
	ScoreBefore float64     `json:"score_before"`
	ScoreAfter  float64     `json:"score_after"`
	BandAfter   warmth.Band `json:"band_after"`
	Changed     bool        `json:"changed"`
}

// ModeView is a contact's warmth evaluated at the time of the request.
type ModeView struct {
	ContactID         string      `json:"contact_id"`
	CurrentMode       warmth.Mode `json:"current_mode"`
	CurrentScore      float64     `json:"current_score"`
	CurrentBand       warmth.Band `json:"current_band"`
	LastInteractionAt *time.Time  `json:"last_interaction_at,omitempty"`
}

// Summary aggregates every contact's warmth at one instant.
type Summary struct {
	Total          int                 `json:"total"`
	ByBand         map[warmth.Band]int `json:"by_band"`
	AverageScore   float64             `json:"average_score"`
	NeedsAttention int                 `json:"needs_attention"`
	Skipped        int                 `json:"skipped"`
	At             time.Time           `json:"at"`
}

// New creates a Service.
func New(store Store, anchors *warmth.AnchorManager, bander *warmth.Bander, opts Options, logger *zap.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = warmth.SystemClock{}
	}
	if opts.Sink == nil {
		opts.Sink = warmth.DiscardSink{}
	}
	if opts.CacheFreshness < 0 {
		opts.CacheFreshness = 0
	}
	return &Service{
		store:   store,
		anchors: anchors,
		bander:  bander,
		cache:   NewScoreCache(store, opts.Clock, opts.CacheFreshness),
		sink:    opts.Sink,
		clock:   opts.Clock,
		logger:  logger,
	}
}

// Cache exposes the read cache.
func (s *Service) Cache() *ScoreCache { return s.cache }

// CreateState creates the lifecycle-default state for a new contact.
func (s *Service) CreateState(ctx context.Context, contactID string) (warmth.State, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return warmth.State{}, err
	}
	st := warmth.NewState(contactID, s.clock.Now())
	if err := s.store.CreateWarmthState(ctx, st); err != nil {
		return warmth.State{}, err
	}
	s.logger.Info("warmth state created", zap.String("contact", contactID))
	return st, nil
}

// ApplyInteraction boosts a contact by amplitude delta. A zero at means now.
func (s *Service) ApplyInteraction(ctx context.Context, contactID string, delta float64, at time.Time) (InteractionResult, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return InteractionResult{}, err
	}
	if delta < 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return InteractionResult{}, fmt.Errorf("%w: %v", warmth.ErrInvalidAmplitude, delta)
	}

	_, next, err := s.mutate(ctx, contactID, func(st warmth.State, now time.Time) (warmth.State, bool, error) {
		if at.IsZero() {
			at = now
		}
		next, err := s.anchors.ApplyInteraction(st, delta, at)
		return next, true, err
	})
	if err != nil {
		return InteractionResult{}, err
	}
	return InteractionResult{
		ContactID: contactID,
		Score:     next.CurrentScore,
		Band:      next.Band,
		Amplitude: next.Amplitude,
	}, nil
}

// RecordInteraction applies the amplitude delta configured for kind.
func (s *Service) RecordInteraction(ctx context.Context, contactID, kind string, at time.Time) (InteractionResult, error) {
	return s.ApplyInteraction(ctx, contactID, warmth.WeightForKind(kind), at)
}

// SwitchMode changes a contact's decay mode without changing its score.
// Switching to the current mode writes nothing.
func (s *Service) SwitchMode(ctx context.Context, contactID string, mode warmth.Mode) (SwitchResult, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return SwitchResult{}, err
	}
	if !mode.Valid() {
		return SwitchResult{}, fmt.Errorf("%w: %q", warmth.ErrUnknownMode, mode)
	}

	var rec *warmth.ModeChange
	var scoreBefore float64
	apply := func(st warmth.State, now time.Time) (warmth.State, bool, error) {
		scoreBefore = s.anchors.Decay().StateScoreAt(st, now)
		next, r, err := s.anchors.SwitchMode(st, mode, now)
		rec = r
		return next, r != nil, err
	}
	save := func(ctx context.Context, next warmth.State, expectedVersion int64) error {
		return s.store.SaveWarmthStateWithModeChange(ctx, next, expectedVersion, *rec)
	}
	before, next, err := s.mutateWith(ctx, contactID, apply, save)
	if err != nil {
		return SwitchResult{}, err
	}

	res := SwitchResult{
		ContactID:   contactID,
		ModeBefore:  before.Mode,
		ModeAfter:   next.Mode,
		ScoreBefore: scoreBefore,
		ScoreAfter:  scoreBefore,
		BandAfter:   next.Band,
	}
	if rec == nil {
		res.BandAfter = s.bander.Classify(scoreBefore, &before.Band)
		return res, nil
	}

	res.Changed = true
	res.ScoreAfter = rec.ScoreAfter
	if rec.ScoreAfter != rec.ScoreBefore {
		s.logger.Error("mode switch changed score",
			zap.String("contact", contactID),
			zap.Float64("before", rec.ScoreBefore),
			zap.Float64("after", rec.ScoreAfter))
	}
	s.logger.Info("warmth mode switched",
		zap.String("contact", contactID),
		zap.String("from", string(rec.FromMode)),
		zap.String("to", string(rec.ToMode)),
		zap.Float64("score", rec.ScoreBefore))
	return res, nil
}

// GetWarmthMode returns the contact's mode with score and band computed now.
func (s *Service) GetWarmthMode(ctx context.Context, contactID string) (ModeView, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return ModeView{}, err
	}
	st, err := s.cache.Get(ctx, contactID)
	if err != nil {
		return ModeView{}, err
	}
	if err := st.Validate(); err != nil {
		return ModeView{}, err
	}
	score := s.anchors.Decay().StateScoreAt(st, s.clock.Now())
	return ModeView{
		ContactID:         contactID,
		CurrentMode:       st.Mode,
		CurrentScore:      score,
		CurrentBand:       s.bander.Classify(score, &st.Band),
		LastInteractionAt: st.LastInteractionAt,
	}, nil
}

// Modes lists the decay table.
func (s *Service) Modes() []warmth.ModeInfo {
	return s.anchors.Decay().Info()
}

// History returns a contact's snapshots, newest first.
func (s *Service) History(ctx context.Context, contactID string, limit int) ([]warmth.Snapshot, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return nil, err
	}
	if _, err := s.cache.Get(ctx, contactID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, contactID, clampLimit(limit))
}

// ModeChanges returns a contact's mode switch audit trail, newest first.
func (s *Service) ModeChanges(ctx context.Context, contactID string, limit int) ([]warmth.ModeChange, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return nil, err
	}
	return s.store.ListModeChanges(ctx, contactID, clampLimit(limit))
}

// Watch opts a contact into warmth alerts. A zero threshold selects
// alert.DefaultWatchThreshold at evaluation time.
func (s *Service) Watch(ctx context.Context, contactID string, status alert.WatchStatus, threshold float64) (alert.Watch, error) {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return alert.Watch{}, err
	}
	if _, err := s.cache.Get(ctx, contactID); err != nil {
		return alert.Watch{}, err
	}
	w := alert.Watch{ContactID: contactID, Status: status, Threshold: threshold, UpdatedAt: s.clock.Now()}
	if err := w.Validate(); err != nil {
		return alert.Watch{}, err
	}
	if err := s.store.PutWatch(ctx, w); err != nil {
		return alert.Watch{}, err
	}
	s.logger.Info("contact watched",
		zap.String("contact", contactID),
		zap.String("status", string(status)),
		zap.Float64("threshold", w.EffectiveThreshold()),
	)
	return w, nil
}

// Unwatch removes a contact's watch.
func (s *Service) Unwatch(ctx context.Context, contactID string) error {
	if err := warmth.ValidateContactID(contactID); err != nil {
		return err
	}
	return s.store.DeleteWatch(ctx, contactID)
}

// Summary walks every state and aggregates scores evaluated now.
// Rows that fail validation are skipped and counted.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	now := s.clock.Now()
	sum := Summary{ByBand: make(map[warmth.Band]int, len(warmth.Bands)), At: now}
	for _, b := range warmth.Bands {
		sum.ByBand[b] = 0
	}

	var total float64
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		page, next, err := s.store.ListWarmthStatesPage(ctx, cursor, summaryPageSize)
		if err != nil {
			return sum, fmt.Errorf("summarize warmth: %w", err)
		}
		for _, st := range page {
			if err := st.Validate(); err != nil {
				sum.Skipped++
				s.logger.Warn("skipping invalid warmth state", zap.String("contact", st.ContactID), zap.Error(err))
				continue
			}
			score := s.anchors.Decay().StateScoreAt(st, now)
			band := s.bander.Classify(score, &st.Band)
			sum.Total++
			sum.ByBand[band]++
			total += score
			if band == warmth.BandCooling || band == warmth.BandCold {
				sum.NeedsAttention++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if sum.Total > 0 {
		sum.AverageScore = total / float64(sum.Total)
	}
	return sum, nil
}

type mutation func(st warmth.State, now time.Time) (next warmth.State, changed bool, err error)

type saveFunc func(ctx context.Context, next warmth.State, expectedVersion int64) error

func (s *Service) mutate(ctx context.Context, contactID string, fn mutation) (warmth.State, warmth.State, error) {
	return s.mutateWith(ctx, contactID, fn, s.store.SaveWarmthState)
}

// mutateWith reads the stored state, applies fn and saves conditionally on
// the version read. A lost race is retried once against a fresh read.
func (s *Service) mutateWith(ctx context.Context, contactID string, fn mutation, save saveFunc) (warmth.State, warmth.State, error) {
	defer s.cache.Invalidate(contactID)

	for attempt := 0; attempt < 2; attempt++ {
		st, err := s.store.GetWarmthState(ctx, contactID)
		if err != nil {
			return warmth.State{}, warmth.State{}, err
		}
		now := s.clock.Now()
		next, changed, err := fn(st, now)
		if err != nil {
			return st, st, err
		}
		if !changed {
			return st, st, nil
		}

		next.Band = s.bander.Classify(next.CurrentScore, &st.Band)
		next.UpdatedAt = now
		if err := next.CheckInvariants(); err != nil {
			s.logger.Error("warmth invariant violated", zap.String("contact", contactID), zap.Error(err))
			return st, st, err
		}

		err = save(ctx, next, st.Version)
		if errors.Is(err, warmth.ErrVersionConflict) {
			s.logger.Debug("warmth save conflict, retrying",
				zap.String("contact", contactID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return st, st, err
		}
		next.Version = st.Version + 1

		if next.Band != st.Band {
			t := warmth.Transition{ContactID: contactID, From: st.Band, To: next.Band, Score: next.CurrentScore, At: now}
			if err := s.sink.Publish(ctx, t); err != nil {
				s.logger.Warn("publish transition failed", zap.String("contact", contactID), zap.Error(err))
			}
		}
		return st, next, nil
	}
	return warmth.State{}, warmth.State{}, fmt.Errorf("save %s: %w", contactID, ErrConflict)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
