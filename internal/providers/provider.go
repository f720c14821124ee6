// Package providers implements the pluggable NotificationSink/ReplySource
// boundary, the PendingPromptRegistry, and the two concrete bridges wired
// for this hub: Telegram and Slack.
package providers

import (
	"context"

	"github.com/opsloop/opsloop/internal/models"
)

// NotificationSink delivers outbound Messages to an external medium (a
// chat bot, a webhook). Send errors are logged by the caller and never
// abort a broadcast.
type NotificationSink interface {
	Name() string
	Send(ctx context.Context, m *models.Message) error
}

// ProviderReply is a single inbound reply observed by a ReplySource,
// normalized enough to feed PendingPromptRegistry.SubmitReply.
type ProviderReply struct {
	// ReplyToID optionally identifies the prompt this reply answers, in the
	// external medium's own id space (e.g. a Telegram callback_query id).
	ReplyToID string
	Answer    string
	// ResponseType is set when the source can classify the reply itself
	// (e.g. an inline "Approve"/"Deny" button). Left nil to have the
	// registry infer it from Answer via InferResponseType.
	ResponseType *models.ResponseType
}

// ReplySource produces operator replies from an external medium. Poll is
// called on a schedule by the owning bridge; sources that support
// push-delivery (webhooks) buffer replies internally and return them here.
type ReplySource interface {
	Name() string
	Poll(ctx context.Context) ([]ProviderReply, error)
}
