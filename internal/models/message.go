// Package models contains the wire and storage types shared across the hub:
// messages, channels, workflow definitions/executions, output chunks and
// configuration.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SenderType classifies who produced a Message.
type SenderType string

const (
	SenderAgent SenderType = "AGENT"
	SenderHuman SenderType = "HUMAN"
)

// NotificationPriority ranks a Notification for display/routing purposes.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// ResponseType classifies a human reply to a Question or Authorization.
type ResponseType string

const (
	ResponseText                 ResponseType = "text"
	ResponseAuthorizationApprove ResponseType = "authorization_approved"
	ResponseAuthorizationDeny    ResponseType = "authorization_denied"
	ResponseTimeout              ResponseType = "timeout"
	ResponseCancelled            ResponseType = "cancelled"
)

// ContentType is the wire discriminator carried in the "type" field of a
// serialized Message. It is the authoritative tag for variant dispatch.
type ContentType string

const (
	ContentQuestion      ContentType = "question"
	ContentAuthorization ContentType = "authorization"
	ContentNotification  ContentType = "notification"
	ContentResponse      ContentType = "response"
	ContentNavigate      ContentType = "navigate"
)

// MessageContent is the tagged-union payload of a Message. Every concrete
// type below implements it; ContentType() is the wire discriminator.
type MessageContent interface {
	ContentType() ContentType
}

// Question is an agent prompt expecting a human answer.
type Question struct {
	Text           string   `json:"text"`
	TimeoutSeconds uint32   `json:"timeout_seconds"`
	Choices        []string `json:"choices,omitempty"`
}

func (Question) ContentType() ContentType { return ContentQuestion }

// Authorization is an agent request for permission to perform an action.
type Authorization struct {
	Action         string          `json:"action"`
	Context        json.RawMessage `json:"context,omitempty"`
	TimeoutSeconds uint32          `json:"timeout_seconds"`
}

func (Authorization) ContentType() ContentType { return ContentAuthorization }

// Notification is a fire-and-forget message with no expected reply.
type Notification struct {
	Text     string               `json:"text"`
	Priority NotificationPriority `json:"priority"`
}

func (Notification) ContentType() ContentType { return ContentNotification }

// Response is a human reply to a Question or Authorization. It always
// carries a correlation id identifying the prompt it answers (enforced by
// NewResponseMessage, not by this struct alone).
type Response struct {
	Answer       *string      `json:"answer,omitempty"`
	ResponseType ResponseType `json:"response_type"`
}

func (Response) ContentType() ContentType { return ContentResponse }

// Navigate suggests the operator open a URL.
type Navigate struct {
	URL string `json:"url"`
}

func (Navigate) ContentType() ContentType { return ContentNavigate }

// Message is the core unit of the channel/message hub. It is identified by
// a globally unique id and belongs to exactly one Channel's history.
//
// Invariant: CorrelationID is set if and only if Content is a Response.
// NewMessage enforces the "unset" side; NewResponseMessage enforces the
// "set" side. There is no exported constructor that can violate it.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	Channel       string          `json:"channel"`
	SenderType    SenderType      `json:"sender_type"`
	Content       MessageContent  `json:"-"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh id, the current timestamp, and
// no correlation id.
func NewMessage(channel string, sender SenderType, content MessageContent) *Message {
	return &Message{
		ID:         uuid.New(),
		Channel:    channel,
		SenderType: sender,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

// NewResponseMessage creates a human Response message linked to promptID.
func NewResponseMessage(channel string, content Response, promptID uuid.UUID) *Message {
	return &Message{
		ID:            uuid.New(),
		Channel:       channel,
		SenderType:    SenderHuman,
		Content:       content,
		Timestamp:     time.Now().UTC(),
		CorrelationID: &promptID,
	}
}

// messageWire is the on-the-wire shape of Message, used to splice the
// tagged-union Content field in and out of the flat JSON object.
type messageWire struct {
	ID            uuid.UUID       `json:"id"`
	Channel       string          `json:"channel"`
	SenderType    SenderType      `json:"sender_type"`
	Type          ContentType     `json:"type"`
	Content       json.RawMessage `json:"content"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// MarshalJSON flattens Content's fields alongside a "type" discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Content == nil {
		return nil, fmt.Errorf("models: message %s has no content", m.ID)
	}
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageWire{
		ID:            m.ID,
		Channel:       m.Channel,
		SenderType:    m.SenderType,
		Type:          m.Content.ContentType(),
		Content:       raw,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
	})
}

// UnmarshalJSON dispatches on the "type" discriminator to reconstruct the
// concrete MessageContent variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := DecodeContent(wire.Type, wire.Content)
	if err != nil {
		return err
	}
	m.ID = wire.ID
	m.Channel = wire.Channel
	m.SenderType = wire.SenderType
	m.Content = content
	m.Timestamp = wire.Timestamp
	m.CorrelationID = wire.CorrelationID
	m.Metadata = wire.Metadata
	return nil
}

// DecodeContent reconstructs the concrete MessageContent variant named by
// the wire discriminator t.
func DecodeContent(t ContentType, raw json.RawMessage) (MessageContent, error) {
	switch t {
	case ContentQuestion:
		var q Question
		return q, json.Unmarshal(raw, &q)
	case ContentAuthorization:
		var a Authorization
		return a, json.Unmarshal(raw, &a)
	case ContentNotification:
		var n Notification
		return n, json.Unmarshal(raw, &n)
	case ContentResponse:
		var r Response
		return r, json.Unmarshal(raw, &r)
	case ContentNavigate:
		var n Navigate
		return n, json.Unmarshal(raw, &n)
	default:
		return nil, fmt.Errorf("models: unknown message content type %q", t)
	}
}

// ExpectsReply reports whether this message type suspends the sender
// pending a human reply (registered in the PendingPromptRegistry).
func (m Message) ExpectsReply() bool {
	switch m.Content.(type) {
	case Question, Authorization, Navigate:
		return true
	default:
		return false
	}
}
