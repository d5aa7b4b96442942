package warmth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode selects the decay time constant applied to a contact's score.
type Mode string

const (
	ModeSlow   Mode = "slow"
	ModeMedium Mode = "medium"
	ModeFast   Mode = "fast"
	ModeTest   Mode = "test"
)

// DefaultMode is assigned to every newly created state.
const DefaultMode = ModeMedium

// Modes lists every mode in display order.
var Modes = []Mode{ModeSlow, ModeMedium, ModeFast, ModeTest}

// Valid reports whether m is one of the fixed modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeSlow, ModeMedium, ModeFast, ModeTest:
		return true
	}
	return false
}

// ParseMode converts user input into a Mode, rejecting unknown values.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Band is the discrete classification of a score.
type Band string

const (
	BandHot     Band = "hot"
	BandWarm    Band = "warm"
	BandCooling Band = "cooling"
	BandCold    Band = "cold"
)

// Bands lists every band from warmest to coldest.
var Bands = []Band{BandHot, BandWarm, BandCooling, BandCold}

// Rank orders bands from cold (0) to hot (3). Unknown bands rank -1.
func (b Band) Rank() int {
	switch b {
	case BandCold:
		return 0
	case BandCooling:
		return 1
	case BandWarm:
		return 2
	case BandHot:
		return 3
	}
	return -1
}

// Valid reports whether b is one of the four bands.
func (b Band) Valid() bool { return b.Rank() >= 0 }

// ColderThan reports whether b is strictly colder than other.
func (b Band) ColderThan(other Band) bool {
	return b.Valid() && other.Valid() && b.Rank() < other.Rank()
}

// ParseBand converts stored text into a Band.
func ParseBand(s string) (Band, error) {
	b := Band(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("unknown band %q", s)
	}
	return b, nil
}

// State is the per-contact warmth record.
type State struct {
	ContactID         string     `json:"contact_id"`
	Amplitude         float64    `json:"amplitude"`
	AnchorScore       float64    `json:"anchor_score"`
	AnchorAt          time.Time  `json:"anchor_at"`
	Mode              Mode       `json:"mode"`
	CurrentScore      float64    `json:"current_score"`
	Band              Band       `json:"band"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	Version           int64      `json:"version"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewState returns the lifecycle defaults for a freshly created contact.
func NewState(contactID string, at time.Time) State {
	return State{
		ContactID: contactID,
		AnchorAt:  at,
		Mode:      DefaultMode,
		Band:      BandCold,
		Version:   1,
		UpdatedAt: at,
	}
}

// Validate checks the fields the engine relies on before computing with them.
func (s State) Validate() error {
	if err := ValidateContactID(s.ContactID); err != nil {
		return err
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("contact %s: %w: %q", s.ContactID, ErrUnknownMode, s.Mode)
	}
	if s.Band != "" && !s.Band.Valid() {
		return fmt.Errorf("contact %s: unknown band %q", s.ContactID, s.Band)
	}
	if s.AnchorScore < MinScore || s.AnchorScore > MaxScore {
		return fmt.Errorf("contact %s: %w: anchor score %v", s.ContactID, ErrScoreOutOfRange, s.AnchorScore)
	}
	if s.Amplitude < 0 {
		return fmt.Errorf("contact %s: negative amplitude %v", s.ContactID, s.Amplitude)
	}
	return nil
}

// CheckInvariants reports a state whose cached values escaped [0,100].
func (s State) CheckInvariants() error {
	for name, v := range map[string]float64{"anchor": s.AnchorScore, "current": s.CurrentScore} {
		if math.IsNaN(v) || v < MinScore || v > MaxScore {
			return fmt.Errorf("contact %s: %w: %s score %v", s.ContactID, ErrScoreOutOfRange, name, v)
		}
	}
	return nil
}

// Snapshot is one append-only history row.
type Snapshot struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	Score      float64   `json:"score"`
	Band       Band      `json:"band"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ModeChange is the audit row written on every effective mode switch.
type ModeChange struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	FromMode    Mode      `json:"from_mode"`
	ToMode      Mode      `json:"to_mode"`
	ScoreBefore float64   `json:"score_before"`
	ScoreAfter  float64   `json:"score_after"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Transition reports a band change observed for one contact.
type Transition struct {
	ContactID string    `json:"contact_id"`
	From      Band      `json:"from"`
	To        Band      `json:"to"`
	Score     float64   `json:"score"`
	At        time.Time `json:"at"`
}

var (
	ErrInvalidAmplitude = errors.New("invalid amplitude delta")
	ErrUnknownMode      = errors.New("unknown warmth mode")
	ErrInvalidContactID = errors.New("invalid contact id")
	ErrScoreOutOfRange  = errors.New("score out of range")
	ErrNotFound         = errors.New("warmth state not found")
	ErrAlreadyExists    = errors.New("warmth state already exists")
	ErrVersionConflict  = errors.New("warmth state version conflict")
)

const maxContactIDLen = 128

// ValidateContactID rejects empty, oversized or whitespace-bearing ids.
func ValidateContactID(id string) error {
	if id == "" || len(id) > maxContactIDLen || strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidContactID, id)
	}
	return nil
}

// Clock supplies the current instant. Production code uses SystemClock;
// tests inject a fixed or manually advanced clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
