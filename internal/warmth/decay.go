package warmth

import (
	"fmt"
	"math"
	"time"
)

const (
	MinScore = 0.0
	MaxScore = 100.0
)

const day = 24 * time.Hour

// DecayConfig holds the decay time constant for each mode.
type DecayConfig struct {
	Tau           map[Mode]time.Duration
	ReachoutScore float64 // score at which a contact is due for a touch (default 30)
}

// DefaultDecayConfig returns the production time constants.
// They are the reciprocals of the per-day decay rates
// slow 0.040132, medium 0.085998, fast 0.171996 and test 55.26.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Tau: map[Mode]time.Duration{
			ModeSlow:   tauFromLambda(0.040132),
			ModeMedium: tauFromLambda(0.085998),
			ModeFast:   tauFromLambda(0.171996),
			ModeTest:   tauFromLambda(55.26),
		},
		ReachoutScore: 30,
	}
}

func tauFromLambda(perDay float64) time.Duration {
	return time.Duration(float64(day) / perDay)
}

// Decay evaluates anchored exponential decay. It holds no mutable state.
type Decay struct {
	tau      map[Mode]time.Duration
	reachout float64
}

// NewDecay validates cfg and returns a Decay. Every mode must have a positive τ.
func NewDecay(cfg DecayConfig) (*Decay, error) {
	tau := make(map[Mode]time.Duration, len(Modes))
	for _, m := range Modes {
		t, ok := cfg.Tau[m]
		if !ok || t <= 0 {
			return nil, fmt.Errorf("decay: mode %s needs a positive time constant", m)
		}
		tau[m] = t
	}
	for m := range cfg.Tau {
		if !m.Valid() {
			return nil, fmt.Errorf("decay: %w: %q", ErrUnknownMode, m)
		}
	}
	reachout := cfg.ReachoutScore
	if reachout <= 0 || reachout >= MaxScore {
		reachout = 30
	}
	return &Decay{tau: tau, reachout: reachout}, nil
}

// Tau returns the time constant for m.
func (d *Decay) Tau(m Mode) (time.Duration, bool) {
	t, ok := d.tau[m]
	return t, ok
}

// ScoreAt returns anchorScore decayed from anchorAt to now under mode,
// clamped to [0, 100]. A now before anchorAt is treated as anchorAt.
// The mode must be valid; callers validate states at the boundary.
func (d *Decay) ScoreAt(anchorScore float64, anchorAt time.Time, mode Mode, now time.Time) float64 {
	tau, ok := d.tau[mode]
	if !ok {
		panic(fmt.Sprintf("warmth: unknown mode %q", mode))
	}
	score := Clamp(anchorScore)
	if score == 0 || !now.After(anchorAt) {
		return score
	}
	elapsed := now.Sub(anchorAt)
	return Clamp(score * math.Exp(-elapsed.Seconds()/tau.Seconds()))
}

// StateScoreAt is ScoreAt applied to a state's anchor.
func (d *Decay) StateScoreAt(s State, now time.Time) float64 {
	return d.ScoreAt(s.AnchorScore, s.AnchorAt, s.Mode, now)
}

// ModeInfo describes a mode for listings.
type ModeInfo struct {
	Mode           Mode    `json:"mode"`
	Lambda         float64 `json:"lambda"` // per day
	TauDays        float64 `json:"tau_days"`
	HalfLifeDays   float64 `json:"half_life_days"`
	DaysToReachout float64 `json:"days_to_reachout"`
}

// Info returns the derived constants for every mode.
func (d *Decay) Info() []ModeInfo {
	out := make([]ModeInfo, 0, len(Modes))
	for _, m := range Modes {
		tauDays := float64(d.tau[m]) / float64(day)
		out = append(out, ModeInfo{
			Mode:           m,
			Lambda:         1 / tauDays,
			TauDays:        tauDays,
			HalfLifeDays:   tauDays * math.Ln2,
			DaysToReachout: tauDays * math.Log(MaxScore/d.reachout),
		})
	}
	return out
}

// Clamp bounds v to [MinScore, MaxScore]. NaN maps to MinScore.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	}
	return v
}
