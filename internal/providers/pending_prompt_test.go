package providers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/internal/models"
)

func TestDefaultPromptTimeoutConstant(t *testing.T) {
	assert.Equal(t, 300, DefaultPromptTimeoutSecs)
}

func TestRegisterReturnsTimeoutDuration(t *testing.T) {
	r := NewPendingPromptRegistry()
	_, _, timeout := r.Register(uuid.New(), "", PromptQuestion, 0)
	assert.Equal(t, DefaultPromptTimeoutSecs*time.Second, timeout)
}

func TestSubmitReplyOldestFirst(t *testing.T) {
	r := NewPendingPromptRegistry()
	promptID := uuid.New()
	ch, _, timeout := r.Register(promptID, "", PromptQuestion, 0)

	answer := "answer"
	matched := r.SubmitReply("", &answer, models.ResponseText)
	require.True(t, matched)

	resp, err := r.RecvWithTimeout(ch, promptID, timeout)
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, "answer", *resp.Answer)
	assert.Equal(t, 0, r.Len())
}

func TestSubmitReplyByReplyToID(t *testing.T) {
	r := NewPendingPromptRegistry()
	promptID := uuid.New()
	replyToID := "12345"
	ch, _, timeout := r.Register(promptID, replyToID, PromptQuestion, 0)

	answer := "reply"
	matched := r.SubmitReply(replyToID, &answer, models.ResponseText)
	require.True(t, matched)

	resp, err := r.RecvWithTimeout(ch, promptID, timeout)
	require.NoError(t, err)
	assert.Equal(t, "reply", *resp.Answer)
}

func TestRecvTimeout(t *testing.T) {
	r := NewPendingPromptRegistry()
	promptID := uuid.New()
	ch, _, _ := r.Register(promptID, "", PromptQuestion, 10*time.Millisecond)

	_, err := r.RecvWithTimeout(ch, promptID, 10*time.Millisecond)
	var timeoutErr *RecvTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 0, r.Len(), "registry length returns to zero after timeout")
}

func TestSubmitReplyNoPendingPrompts(t *testing.T) {
	r := NewPendingPromptRegistry()
	answer := "x"
	matched := r.SubmitReply("", &answer, models.ResponseText)
	assert.False(t, matched)
}

func TestInferResponseType(t *testing.T) {
	cases := []struct {
		promptType PromptType
		answer     string
		want       models.ResponseType
	}{
		{PromptAuthorization, "yes", models.ResponseAuthorizationApprove},
		{PromptAuthorization, "Y", models.ResponseAuthorizationApprove},
		{PromptAuthorization, "no", models.ResponseAuthorizationDeny},
		{PromptAuthorization, "banana", models.ResponseAuthorizationDeny},
		{PromptNavigation, "ok", models.ResponseAuthorizationApprove},
		{PromptNavigation, "nope?", models.ResponseAuthorizationDeny},
		{PromptQuestion, "anything", models.ResponseText},
	}
	for _, c := range cases {
		got := InferResponseType(c.promptType, c.answer)
		assert.Equal(t, c.want, got, "promptType=%v answer=%q", c.promptType, c.answer)
	}
}

func TestSubmitReplyAutoInfersFromPromptType(t *testing.T) {
	r := NewPendingPromptRegistry()
	promptID := uuid.New()
	ch, _, timeout := r.Register(promptID, "", PromptAuthorization, 0)

	matched := r.SubmitReplyAuto("", "approve")
	require.True(t, matched)

	resp, err := r.RecvWithTimeout(ch, promptID, timeout)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseAuthorizationApprove, resp.ResponseType)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, "approve", *resp.Answer)
	assert.Equal(t, 0, r.Len())
}

func TestSubmitReplyDeliversExactlyOnce(t *testing.T) {
	r := NewPendingPromptRegistry()
	promptID := uuid.New()
	ch, _, timeout := r.Register(promptID, "", PromptQuestion, 0)

	first := "first"
	require.True(t, r.SubmitReply("", &first, models.ResponseText))
	second := "second"
	assert.False(t, r.SubmitReply("", &second, models.ResponseText))

	resp, err := r.RecvWithTimeout(ch, promptID, timeout)
	require.NoError(t, err)
	assert.Equal(t, "first", *resp.Answer)

	_, ok := <-ch
	assert.False(t, ok, "slot delivers exactly one response")
}
