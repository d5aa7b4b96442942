package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
)

// WatchStatus is how closely a user follows a contact.
type WatchStatus string

const (
	WatchNormal    WatchStatus = "watch"
	WatchImportant WatchStatus = "important"
	WatchVIP       WatchStatus = "vip"
)

// DefaultWatchThreshold applies to watches stored without a threshold.
const DefaultWatchThreshold = 30.0

var (
	// ErrNotWatched is returned for contacts without a watch.
	ErrNotWatched = errors.New("contact is not watched")
	// ErrInvalidWatch wraps bad watch statuses and thresholds.
	ErrInvalidWatch = errors.New("invalid watch")
)

// ParseWatchStatus converts user input into a WatchStatus. Empty means watch.
func ParseWatchStatus(s string) (WatchStatus, error) {
	switch st := WatchStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return WatchNormal, nil
	case WatchNormal, WatchImportant, WatchVIP:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidWatch, s)
}

// Watch opts a contact into alerts. Only scores below Threshold alert.
type Watch struct {
	ContactID string      `json:"contact_id"`
	Status    WatchStatus `json:"status"`
	Threshold float64     `json:"threshold"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Validate checks the contact id, status and threshold.
func (w Watch) Validate() error {
	if err := warmth.ValidateContactID(w.ContactID); err != nil {
		return err
	}
	if _, err := ParseWatchStatus(string(w.Status)); err != nil || w.Status == "" {
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalidWatch, w.ContactID, w.Status)
	}
	if w.Threshold < 0 || w.Threshold > warmth.MaxScore {
		return fmt.Errorf("%w: %s: threshold %v outside [0, 100]", ErrInvalidWatch, w.ContactID, w.Threshold)
	}
	return nil
}

// EffectiveThreshold returns Threshold, or the default when unset.
func (w Watch) EffectiveThreshold() float64 {
	if w.Threshold <= 0 {
		return DefaultWatchThreshold
	}
	return w.Threshold
}

// Watchlist looks up a contact's watch. A missing watch yields ErrNotWatched.
type Watchlist interface {
	GetWatch(ctx context.Context, contactID string) (Watch, error)
}
