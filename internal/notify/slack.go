package notify

import (
	"context"
	"fmt"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts alerts to one channel with a bot token.
type Slack struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlack creates a Slack notifier. Extra client options (an alternate API
// URL, for one) pass through to slack.New.
func NewSlack(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

func (s *Slack) Notify(ctx context.Context, d alert.Decision) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(Message(d), false),
	)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channelID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	s.logger.Debug("slack alert sent", zap.String("contact", d.ContactID), zap.String("ts", ts))
	return nil
}
