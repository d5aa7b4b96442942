package warmth

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ContributionConfig shapes the boost an interaction adds to the score:
// Cap * (1 - exp(-delta/Scale)). Monotonic in delta and saturating at Cap.
type ContributionConfig struct {
	Cap   float64
	Scale float64
}

// DefaultContributionConfig returns the default boost curve.
func DefaultContributionConfig() ContributionConfig {
	return ContributionConfig{Cap: 100, Scale: 20}
}

// KindWeight maps interaction kinds to their amplitude delta.
var KindWeight = map[string]float64{
	"email":   5,
	"sms":     4,
	"dm":      4,
	"call":    7,
	"meeting": 9,
	"note":    3,
	"other":   5,
}

// WeightForKind returns the amplitude delta for kind, falling back to "other".
func WeightForKind(kind string) float64 {
	if w, ok := KindWeight[kind]; ok {
		return w
	}
	return KindWeight["other"]
}

// AnchorManager applies interactions and mode switches to a state,
// re-anchoring so future decay starts from the true current value.
type AnchorManager struct {
	decay   *Decay
	contrib ContributionConfig
}

// NewAnchorManager creates an anchor manager over decay.
func NewAnchorManager(decay *Decay, contrib ContributionConfig) *AnchorManager {
	if contrib.Cap <= 0 || contrib.Cap > MaxScore {
		contrib.Cap = DefaultContributionConfig().Cap
	}
	if contrib.Scale <= 0 {
		contrib.Scale = DefaultContributionConfig().Scale
	}
	return &AnchorManager{decay: decay, contrib: contrib}
}

// Decay exposes the underlying decay model.
func (m *AnchorManager) Decay() *Decay { return m.decay }

// Contribution maps an amplitude delta to an immediate score boost.
func (m *AnchorManager) Contribution(delta float64) float64 {
	if delta <= 0 {
		return 0
	}
	return m.contrib.Cap * -math.Expm1(-delta/m.contrib.Scale)
}

// ApplyInteraction adds delta to the amplitude and re-anchors at the decayed
// score plus the interaction's contribution. An at before the current anchor
// is applied at the anchor instant; the anchor never moves backwards.
func (m *AnchorManager) ApplyInteraction(s State, delta float64, at time.Time) (State, error) {
	if delta < 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return s, fmt.Errorf("%w: %v", ErrInvalidAmplitude, delta)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	if at.Before(s.AnchorAt) {
		at = s.AnchorAt
	}

	next := s
	next.Amplitude = s.Amplitude + delta
	next.AnchorScore = math.Min(MaxScore, m.decay.StateScoreAt(s, at)+m.Contribution(delta))
	next.AnchorAt = at
	next.CurrentScore = next.AnchorScore
	interaction := at
	next.LastInteractionAt = &interaction
	return next, nil
}

// SwitchMode re-anchors s at the score valid at instant at and swaps the
// decay rate. The returned record is nil when the mode does not change.
func (m *AnchorManager) SwitchMode(s State, newMode Mode, at time.Time) (State, *ModeChange, error) {
	if !newMode.Valid() {
		return s, nil, fmt.Errorf("%w: %q", ErrUnknownMode, newMode)
	}
	if err := s.Validate(); err != nil {
		return s, nil, err
	}
	if newMode == s.Mode {
		return s, nil, nil
	}

	scoreNow := m.decay.StateScoreAt(s, at)
	next := s
	next.AnchorScore = scoreNow
	if at.After(s.AnchorAt) {
		next.AnchorAt = at
	}
	next.Mode = newMode
	next.CurrentScore = scoreNow

	rec := &ModeChange{
		ID:          uuid.New().String(),
		ContactID:   s.ContactID,
		FromMode:    s.Mode,
		ToMode:      newMode,
		ScoreBefore: scoreNow,
		ScoreAfter:  m.decay.StateScoreAt(next, at),
		ChangedAt:   at,
	}
	return next, rec, nil
}
