package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/nidhogg/warmth-engine/internal/alert"
	"go.uber.org/zap"
)

// Discord posts alerts to one channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

func NewDiscord(botToken, channelID string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger}, nil
}

func (d *Discord) Notify(ctx context.Context, dec alert.Decision) error {
	content := fmt.Sprintf("**[warmth]** %s", Message(dec))
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
