package providers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/models"
)

// PromptType classifies what kind of prompt is suspended in the registry.
type PromptType string

const (
	PromptQuestion      PromptType = "question"
	PromptAuthorization PromptType = "authorization"
	PromptNavigation    PromptType = "navigation"
)

// DefaultPromptTimeoutSecs is the fallback timeout applied when a prompt
// does not specify its own.
const DefaultPromptTimeoutSecs = 300

// RecvTimeoutError is returned by RecvWithTimeout when no reply arrives
// before the deadline.
type RecvTimeoutError struct{ PromptID uuid.UUID }

func (e *RecvTimeoutError) Error() string {
	return fmt.Sprintf("providers: timed out waiting for reply to prompt %s", e.PromptID)
}

// PendingPromptCompleter is an opaque handle returned alongside the
// delivery receiver from Register. Its only purpose is existence: holding
// onto it (rather than discarding it) documents, at the call site, that
// the registration is still considered live. The registry itself tracks
// the slot independently of whether the caller retains this handle.
type PendingPromptCompleter struct {
	promptID uuid.UUID
}

// entry is one suspended prompt held by the registry.
type entry struct {
	promptID   uuid.UUID
	replyToID  string
	promptType PromptType
	ch         chan models.Response
	registered time.Time
	timeout    time.Duration
}

// PendingPromptRegistry suspends agent prompts until a matching human
// reply arrives or the prompt times out.
//
// Data: an ordered insertion list (FIFO matching) plus two indices (by
// prompt id, by external reply-to id). All three are kept in lockstep
// under a single mutex — the registry is small and short-lived per entry,
// so a single lock does not become a contention point.
type PendingPromptRegistry struct {
	mu          sync.Mutex
	order       []*entry
	byPromptID  map[uuid.UUID]*entry
	byReplyToID map[string]*entry
}

// NewPendingPromptRegistry creates an empty registry.
func NewPendingPromptRegistry() *PendingPromptRegistry {
	return &PendingPromptRegistry{
		byPromptID:  make(map[uuid.UUID]*entry),
		byReplyToID: make(map[string]*entry),
	}
}

// Register suspends promptID pending a reply. replyToID is an optional
// external-bridge identifier used for direct matching; pass "" when the
// bridge has none. A zero timeout falls back to DefaultPromptTimeoutSecs.
//
// Returns a receive-only channel that will carry exactly one Response
// (delivered by SubmitReply) or be closed unfulfilled (on Expire), a
// keep-alive completer handle, and the effective timeout.
func (r *PendingPromptRegistry) Register(promptID uuid.UUID, replyToID string, promptType PromptType, timeout time.Duration) (<-chan models.Response, *PendingPromptCompleter, time.Duration) {
	if timeout <= 0 {
		timeout = DefaultPromptTimeoutSecs * time.Second
	}
	e := &entry{
		promptID:   promptID,
		replyToID:  replyToID,
		promptType: promptType,
		ch:         make(chan models.Response, 1),
		registered: time.Now(),
		timeout:    timeout,
	}

	r.mu.Lock()
	r.order = append(r.order, e)
	r.byPromptID[promptID] = e
	if replyToID != "" {
		r.byReplyToID[replyToID] = e
	}
	r.mu.Unlock()

	return e.ch, &PendingPromptCompleter{promptID: promptID}, timeout
}

// SubmitReply matches a reply to a registered prompt and delivers it.
//
// Matching rule:
//  1. If replyToID is non-empty and matches a registered entry, choose it.
//  2. Otherwise choose the oldest registered entry (FIFO).
//  3. If none exists, return false.
func (r *PendingPromptRegistry) SubmitReply(replyToID string, answer *string, responseType models.ResponseType) bool {
	r.mu.Lock()
	target := r.selectLocked(replyToID)
	if target == nil {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(target)
	r.mu.Unlock()

	target.ch <- models.Response{Answer: answer, ResponseType: responseType}
	close(target.ch)
	return true
}

// SubmitReplyAuto matches like SubmitReply but classifies the answer via
// InferResponseType against the matched prompt's own type. Used by
// bridges that cannot classify replies themselves.
func (r *PendingPromptRegistry) SubmitReplyAuto(replyToID, answer string) bool {
	r.mu.Lock()
	target := r.selectLocked(replyToID)
	if target == nil {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(target)
	r.mu.Unlock()

	a := answer
	target.ch <- models.Response{Answer: &a, ResponseType: InferResponseType(target.promptType, answer)}
	close(target.ch)
	return true
}

func (r *PendingPromptRegistry) selectLocked(replyToID string) *entry {
	if replyToID != "" {
		if e, ok := r.byReplyToID[replyToID]; ok {
			return e
		}
	}
	if len(r.order) == 0 {
		return nil
	}
	return r.order[0]
}

// removeLocked drops e from all three indices. Caller must hold r.mu.
func (r *PendingPromptRegistry) removeLocked(e *entry) {
	delete(r.byPromptID, e.promptID)
	if e.replyToID != "" {
		delete(r.byReplyToID, e.replyToID)
	}
	for i, o := range r.order {
		if o == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Expire drops promptID from the registry without delivering a reply,
// called once RecvWithTimeout's deadline has passed. A no-op if the
// prompt already matched a reply (and was removed) or was already expired.
func (r *PendingPromptRegistry) Expire(promptID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byPromptID[promptID]; ok {
		r.removeLocked(e)
		close(e.ch)
	}
}

// RecvWithTimeout blocks on ch up to timeout. On timeout it expires
// promptID from the registry (so it never grows without bound) and
// returns a *RecvTimeoutError.
//
// Cancelling the caller's wait (e.g. the surrounding context) must not
// call Expire itself — cancellation of the awaiting task does NOT cancel
// the prompt registration; only this deadline or a delivered reply may
// remove the slot, otherwise a racing reply would be silently dropped.
func (r *PendingPromptRegistry) RecvWithTimeout(ch <-chan models.Response, promptID uuid.UUID, timeout time.Duration) (models.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return models.Response{}, &RecvTimeoutError{PromptID: promptID}
		}
		return resp, nil
	case <-timer.C:
		r.Expire(promptID)
		return models.Response{}, &RecvTimeoutError{PromptID: promptID}
	}
}

// Len reports the number of currently suspended prompts.
func (r *PendingPromptRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

var affirmativeWords = map[string]bool{
	"yes": true, "y": true, "ok": true, "approve": true, "approved": true, "✓": true,
}

var negativeWords = map[string]bool{
	"no": true, "n": true, "deny": true, "denied": true, "✗": true,
}

// InferResponseType classifies a free-text bridge reply into a
// models.ResponseType when the bridge itself cannot.
//
// Affirmative words on an Authorization or Navigation prompt approve it;
// negative words on either deny it; any other reply to
// Authorization/Navigation (ambiguous) is also treated as a denial —
// ambiguity must not be mistaken for consent. Question prompts always
// resolve to plain text.
func InferResponseType(promptType PromptType, answer string) models.ResponseType {
	norm := strings.ToLower(strings.TrimSpace(answer))

	isGated := promptType == PromptAuthorization || promptType == PromptNavigation
	if !isGated {
		return models.ResponseText
	}
	if affirmativeWords[norm] {
		return models.ResponseAuthorizationApprove
	}
	// Negative words and anything ambiguous both deny (explicit rule).
	return models.ResponseAuthorizationDeny
}
