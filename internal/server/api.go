package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/models"
	"github.com/opsloop/opsloop/internal/providers"
)

// postMessageRequest is the inbound shape of POST /api/v1/messages. The
// content object carries its own "type" discriminator.
type postMessageRequest struct {
	Channel    string            `json:"channel"`
	SenderType models.SenderType `json:"sender_type"`
	Content    json.RawMessage   `json:"content"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
}

type postResponseRequest struct {
	Answer       *string             `json:"answer,omitempty"`
	ResponseType models.ResponseType `json:"response_type"`
}

// handlePostMessage appends the message to its channel, broadcasts it, and
// — when the content expects a reply — registers a pending prompt keyed by
// the message id. The call returns immediately; the reply (or timeout)
// arrives out of band.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message body: %v", err)
		return
	}
	if !models.ValidChannelName(req.Channel) {
		writeError(w, http.StatusBadRequest, "invalid channel name %q", req.Channel)
		return
	}

	var discriminator struct {
		Type models.ContentType `json:"type"`
	}
	if err := json.Unmarshal(req.Content, &discriminator); err != nil {
		writeError(w, http.StatusBadRequest, "malformed content: %v", err)
		return
	}
	content, err := models.DecodeContent(discriminator.Type, req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed content: %v", err)
		return
	}
	if discriminator.Type == models.ContentResponse {
		writeError(w, http.StatusBadRequest, "responses must be posted to /api/v1/messages/{id}/response")
		return
	}

	msg := models.NewMessage(req.Channel, req.SenderType, content)
	msg.Metadata = req.Metadata

	if msg.ExpectsReply() {
		s.registerPrompt(msg)
	}

	if err := s.hub.BroadcastMessage(r.Context(), *msg); err != nil {
		writeError(w, http.StatusBadRequest, "broadcast: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        msg.ID.String(),
		"channel":   msg.Channel,
		"timestamp": msg.Timestamp,
	})
}

// registerPrompt enters msg in the pending-prompt registry, keyed by its
// own id so a later /response POST matches directly, and schedules the
// registration's expiry so the registry never grows without bound.
func (s *Server) registerPrompt(msg *models.Message) {
	var promptType providers.PromptType
	var timeoutSecs uint32
	switch c := msg.Content.(type) {
	case models.Question:
		promptType, timeoutSecs = providers.PromptQuestion, c.TimeoutSeconds
	case models.Authorization:
		promptType, timeoutSecs = providers.PromptAuthorization, c.TimeoutSeconds
	case models.Navigate:
		promptType = providers.PromptNavigation
	default:
		return
	}

	_, _, timeout := s.registry.Register(msg.ID, msg.ID.String(), promptType, time.Duration(timeoutSecs)*time.Second)
	if s.metrics != nil {
		s.metrics.PendingPrompts.Set(float64(s.registry.Len()))
	}

	id := msg.ID
	time.AfterFunc(timeout, func() {
		s.registry.Expire(id)
		if s.metrics != nil {
			s.metrics.PendingPrompts.Set(float64(s.registry.Len()))
		}
	})
}

// handlePostResponse submits a human reply to the pending-prompt registry
// with the URL's message id as the reply-to id, then appends and
// broadcasts the Response message correlated with that id. The registry
// delivers the reply to that prompt while it is still pending; otherwise
// it goes to the oldest pending prompt, and "matched" is false only when
// no prompt is pending at all.
func (s *Server) handlePostResponse(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	promptID, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed message id %q", idStr)
		return
	}

	prompt, ok := s.hub.Queue().Lookup(idStr)
	if !ok {
		writeError(w, http.StatusNotFound, "message %s not found", idStr)
		return
	}

	var req postResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed response body: %v", err)
		return
	}
	if req.ResponseType == "" {
		req.ResponseType = models.ResponseText
	}

	matched := s.registry.SubmitReply(idStr, req.Answer, req.ResponseType)
	if s.metrics != nil {
		s.metrics.PendingPrompts.Set(float64(s.registry.Len()))
	}

	msg := models.NewResponseMessage(prompt.Channel, models.Response{
		Answer:       req.Answer,
		ResponseType: req.ResponseType,
	}, promptID)
	if err := s.hub.BroadcastMessage(r.Context(), *msg); err != nil {
		writeError(w, http.StatusInternalServerError, "broadcast: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      msg.ID.String(),
		"matched": matched,
	})
}

// handleGetChannelMessages returns up to limit of the channel's most
// recent messages in chronological order, newest last.
func (s *Server) handleGetChannelMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !models.ValidChannelName(name) {
		writeError(w, http.StatusBadRequest, "invalid channel name %q", name)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = n
	}

	msgs := s.hub.Queue().Channel(name).Snapshot(limit)
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type startExecutionRequest struct {
	Initiator string `json:"initiator"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: %v", err)
		return
	}

	execID, err := s.orch.Start(r.Context(), name, req.Initiator)
	if err != nil {
		writeError(w, statusForError(err), "start %s: %v", name, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID.String()})
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	execID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed execution id")
		return
	}
	exec, err := s.orch.Status(execID)
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	execID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed execution id")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	res, err := s.orch.Logs(execID, q.Get("state"), limit, offset, false)
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": res.Chunks})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"definitions": s.orch.ListDefinitions()})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	executionID := uuid.Nil
	if raw := r.URL.Query().Get("execution_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed execution_id")
			return
		}
		executionID = id
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.orch.ListApprovals(executionID)})
}

type approvalDecisionRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, false)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, approved bool) {
	approvalID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed approval id")
		return
	}
	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: %v", err)
		return
	}

	if approved {
		err = s.orch.Approve(r.Context(), approvalID, req.Operator)
	} else {
		err = s.orch.Deny(r.Context(), approvalID, req.Operator)
	}
	if err != nil {
		writeError(w, statusForError(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": approved})
}

// statusForError maps categorized hub errors onto HTTP status codes.
func statusForError(err error) int {
	var hubErr *models.HubError
	if !errors.As(err, &hubErr) {
		return http.StatusInternalServerError
	}
	switch hubErr.Kind {
	case models.ErrKindValidation, models.ErrKindConfiguration:
		return http.StatusBadRequest
	case models.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case models.ErrKindCancellation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
