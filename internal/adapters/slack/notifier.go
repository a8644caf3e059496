package slack

import (
	"context"
	"fmt"

	"github.com/alekspetrov/recap/internal/completion"
)

// Config holds Slack adapter configuration
type Config struct {
	BotToken      string `yaml:"bot_token"`
	Channel       string `yaml:"channel"`
	SigningSecret string `yaml:"signing_secret"`
	BaseURL       string `yaml:"base_url,omitempty"`
}

// DefaultConfig returns default Slack configuration
func DefaultConfig() *Config {
	return &Config{
		Channel: "#recap-approvals",
	}
}

// Notifier posts workflow messages to the approval channel.
type Notifier struct {
	client  *Client
	channel string
}

// NewNotifier creates a new Slack notifier
func NewNotifier(config *Config) *Notifier {
	return NewNotifierWithClient(NewClient(config.BotToken, WithBaseURL(config.BaseURL)), config.Channel)
}

// NewNotifierWithClient creates a notifier that posts through client.
func NewNotifierWithClient(client *Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

// PostMessage implements completion.Notifier.
func (n *Notifier) PostMessage(ctx context.Context, msg completion.Message) (*completion.PostedMessage, error) {
	resp, err := n.client.PostMessage(ctx, &Message{
		Channel:  n.channel,
		Text:     msg.Text,
		Blocks:   ConvertBlocks(msg.Blocks),
		ThreadTS: msg.ThreadTS,
	})
	if err != nil {
		return nil, err
	}
	channel := resp.Channel
	if channel == "" {
		channel = n.channel
	}
	return &completion.PostedMessage{Channel: channel, Timestamp: resp.TS}, nil
}

// UpdateMessage implements completion.MessageUpdater.
func (n *Notifier) UpdateMessage(ctx context.Context, posted completion.PostedMessage, msg completion.Message) error {
	if posted.Timestamp == "" {
		return fmt.Errorf("message has no timestamp")
	}
	channel := posted.Channel
	if channel == "" {
		channel = n.channel
	}
	return n.client.UpdateMessage(ctx, channel, posted.Timestamp, &Message{
		Text:   msg.Text,
		Blocks: ConvertBlocks(msg.Blocks),
	})
}
