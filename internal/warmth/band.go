package warmth

import (
	"fmt"
	"math"
)

// Thresholds are the lower bounds of the hot, warm and cooling bands.
// Anything below Cooling is cold.
type Thresholds struct {
	Hot     float64 `json:"hot"`
	Warm    float64 `json:"warm"`
	Cooling float64 `json:"cooling"`
}

// DefaultThresholds returns the stock cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{Hot: 70, Warm: 40, Cooling: 15}
}

// Validate requires 0 < Cooling < Warm < Hot <= 100.
func (t Thresholds) Validate() error {
	if !(t.Cooling > MinScore && t.Cooling < t.Warm && t.Warm < t.Hot && t.Hot <= MaxScore) {
		return fmt.Errorf("band thresholds must satisfy 0 < cooling < warm < hot <= 100, got %+v", t)
	}
	return nil
}

// Bander classifies scores into bands, optionally with hysteresis.
type Bander struct {
	t      Thresholds
	margin float64
}

// NewBander validates the thresholds. A margin of zero disables hysteresis.
func NewBander(t Thresholds, margin float64) (*Bander, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if margin < 0 || math.IsNaN(margin) {
		return nil, fmt.Errorf("hysteresis margin must be >= 0, got %v", margin)
	}
	return &Bander{t: t, margin: margin}, nil
}

// Thresholds returns the configured cut points.
func (b *Bander) Thresholds() Thresholds { return b.t }

// Classify maps score to a band. With hysteresis enabled and a known
// previous band, a score within the margin of that band's range keeps it.
func (b *Bander) Classify(score float64, previous *Band) Band {
	if math.IsNaN(score) {
		return BandCold
	}
	if b.margin > 0 && previous != nil && previous.Valid() {
		lo, hi := b.bounds(*previous)
		if score >= lo-b.margin && score < hi+b.margin {
			return *previous
		}
	}
	return b.lookup(score)
}

func (b *Bander) lookup(score float64) Band {
	switch {
	case score >= b.t.Hot:
		return BandHot
	case score >= b.t.Warm:
		return BandWarm
	case score >= b.t.Cooling:
		return BandCooling
	}
	return BandCold
}

// bounds returns the half-open score range [lo, hi) of band.
func (b *Bander) bounds(band Band) (float64, float64) {
	switch band {
	case BandHot:
		return b.t.Hot, math.Inf(1)
	case BandWarm:
		return b.t.Warm, b.t.Hot
	case BandCooling:
		return b.t.Cooling, b.t.Warm
	}
	return math.Inf(-1), b.t.Cooling
}
