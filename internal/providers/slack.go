package providers

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/opsloop/opsloop/internal/models"
)

// SlackSink delivers Messages to a Slack channel via the Web API, a
// second NotificationSink alongside the Telegram bridge.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink creates a sink posting to channel using a bot token.
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, m *models.Message) error {
	text := renderForSlack(m)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return models.NewTransportError(fmt.Sprintf("slack: post message: %v", err))
	}
	return nil
}

func renderForSlack(m *models.Message) string {
	switch c := m.Content.(type) {
	case models.Question:
		return fmt.Sprintf(":question: %s", c.Text)
	case models.Authorization:
		return fmt.Sprintf(":lock: Authorize *%s*?", c.Action)
	case models.Notification:
		return fmt.Sprintf("[%s] %s", c.Priority, c.Text)
	case models.Navigate:
		return fmt.Sprintf(":compass: %s", c.URL)
	default:
		return ""
	}
}

// SlackReplySource polls a channel's recent history for new messages and
// treats each as a reply to the oldest pending prompt, mirroring
// TelegramReplySource's polling shape.
type SlackReplySource struct {
	client   *slack.Client
	channel  string
	lastSeen string // Slack message timestamp ("ts"), used as the paging cursor
}

// NewSlackReplySource creates a reply source polling channel.
func NewSlackReplySource(token, channel string) *SlackReplySource {
	return &SlackReplySource{client: slack.New(token), channel: channel}
}

func (s *SlackReplySource) Name() string { return "slack" }

func (s *SlackReplySource) Poll(ctx context.Context) ([]ProviderReply, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: s.channel,
		Oldest:    s.lastSeen,
		Inclusive: false,
	}
	history, err := s.client.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("slack: conversations.history: %w", err)
	}

	var replies []ProviderReply
	// Slack returns messages newest-first; replay oldest-first so FIFO
	// registry matching sees them in the order they were posted.
	for i := len(history.Messages) - 1; i >= 0; i-- {
		msg := history.Messages[i]
		if msg.Text == "" || msg.BotID != "" {
			continue
		}
		replies = append(replies, ProviderReply{ReplyToID: msg.Timestamp, Answer: msg.Text})
		s.lastSeen = msg.Timestamp
	}
	return replies, nil
}
