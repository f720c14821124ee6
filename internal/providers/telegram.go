package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opsloop/opsloop/internal/models"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSink delivers Messages to a Telegram chat via the Bot API's
// sendMessage call. No Telegram SDK exists anywhere in the retrieved pack,
// and the surface this bridge needs is two REST calls (sendMessage here,
// getUpdates in TelegramReplySource), so a thin net/http client is the
// idiomatic choice here over vendoring a heavyweight client for two
// endpoints.
type TelegramSink struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramSink creates a sink posting to chatID using botToken
// (typically sourced from AILOOP_TELEGRAM_BOT_TOKEN).
func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{botToken: botToken, chatID: chatID, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send renders m as plain text and posts it via sendMessage.
func (s *TelegramSink) Send(ctx context.Context, m *models.Message) error {
	text := renderForTelegram(m)
	body, err := json.Marshal(map[string]any{
		"chat_id": s.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.NewTransportError(fmt.Sprintf("telegram: send: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return models.NewTransportError(fmt.Sprintf("telegram: sendMessage returned %d: %s", resp.StatusCode, string(b)))
	}
	return nil
}

func renderForTelegram(m *models.Message) string {
	switch c := m.Content.(type) {
	case models.Question:
		if len(c.Choices) > 0 {
			return fmt.Sprintf("%s\n%v", c.Text, c.Choices)
		}
		return c.Text
	case models.Authorization:
		return fmt.Sprintf("Authorize: %s?", c.Action)
	case models.Notification:
		return c.Text
	case models.Navigate:
		return fmt.Sprintf("Navigate: %s", c.URL)
	default:
		return ""
	}
}

// telegramUpdate is the subset of the Bot API's getUpdates response used
// by TelegramReplySource.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
	} `json:"message"`
}

type telegramGetUpdatesResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// TelegramReplySource polls getUpdates for new text messages sent to the
// bot (updates are not filtered by chat) and treats each as a reply to the
// oldest pending prompt (the Bot
// API's long-poll getUpdates call is the only inbound primitive that
// doesn't require standing up a public webhook receiver).
type TelegramReplySource struct {
	botToken string
	client   *http.Client
	offset   int64
}

// NewTelegramReplySource creates a reply source polling with botToken.
func NewTelegramReplySource(botToken string) *TelegramReplySource {
	return &TelegramReplySource{botToken: botToken, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *TelegramReplySource) Name() string { return "telegram" }

// Poll fetches updates since the last seen offset and returns one
// ProviderReply per text message, with ResponseType left nil so the
// registry infers it via InferResponseType.
func (s *TelegramReplySource) Poll(ctx context.Context) ([]ProviderReply, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=0", telegramAPIBase, s.botToken, s.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build getUpdates request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("telegram: getUpdates returned %d: %s", resp.StatusCode, string(b))
	}

	var parsed telegramGetUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates response: %w", err)
	}

	var replies []ProviderReply
	for _, u := range parsed.Result {
		if u.UpdateID >= s.offset {
			s.offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		replies = append(replies, ProviderReply{
			ReplyToID: strconv.FormatInt(u.Message.MessageID, 10),
			Answer:    u.Message.Text,
		})
	}
	return replies, nil
}
