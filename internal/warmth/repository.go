package warmth

import (
	"context"
	"errors"
)

// Repository is the storage contract the engine reads and writes through.
// ListWarmthStatesPage orders rows by contact id; an empty next cursor means
// the last page. SaveWarmthState succeeds only when the stored version equals
// expectedVersion and stores expectedVersion+1.
type Repository interface {
	GetWarmthState(ctx context.Context, contactID string) (State, error)
	ListWarmthStatesPage(ctx context.Context, cursor string, pageSize int) ([]State, string, error)
	SaveWarmthState(ctx context.Context, s State, expectedVersion int64) error
	AppendSnapshot(ctx context.Context, s Snapshot) error
	AppendModeChangeRecord(ctx context.Context, r ModeChange) error
}

// TransitionSink receives band transitions.
type TransitionSink interface {
	Publish(ctx context.Context, t Transition) error
}

// MultiSink fans a transition out to every sink, joining their errors.
type MultiSink []TransitionSink

func (m MultiSink) Publish(ctx context.Context, t Transition) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink drops every transition.
type DiscardSink struct{}

func (DiscardSink) Publish(context.Context, Transition) error { return nil }
