// Package notify delivers fired alert decisions to people.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"go.uber.org/zap"
)

// Message renders the text sent for a fired decision.
func Message(d alert.Decision) string {
	return fmt.Sprintf("%s is getting cold: %s -> %s (score %.1f)", d.ContactID, d.FromBand, d.ToBand, d.Score)
}

// Log writes decisions to the application log.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, d alert.Decision) error {
	l.logger.Info(Message(d),
		zap.String("contact", d.ContactID),
		zap.String("from", string(d.FromBand)),
		zap.String("to", string(d.ToBand)),
		zap.Float64("score", d.Score))
	return nil
}

// Multi delivers to every channel and joins their errors. One failing
// channel does not stop the others.
type Multi []alert.Notifier

func (m Multi) Notify(ctx context.Context, d alert.Decision) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
