package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/models"
)

// ErrApprovalConflict is returned by Resolve when the request already
// carries a different terminal status than the one being applied.
type ErrApprovalConflict struct {
	ID      uuid.UUID
	Current models.ApprovalStatus
	Wanted  models.ApprovalStatus
}

func (e *ErrApprovalConflict) Error() string {
	return fmt.Sprintf("workflow: approval %s already resolved as %s, cannot resolve as %s", e.ID, e.Current, e.Wanted)
}

// ErrApprovalNotFound is returned when an approval id is unknown.
type ErrApprovalNotFound struct{ ID uuid.UUID }

func (e *ErrApprovalNotFound) Error() string {
	return fmt.Sprintf("workflow: approval %s not found", e.ID)
}

// ApprovalManager coordinates human sign-off gates on workflow states: it
// creates ApprovalRequests and resolves them exactly once from either a
// human decision or a timeout. Waiting for a resolution is not its job —
// the engine blocks on its own approval-decision update handler and only
// calls back here to record the outcome durably.
type ApprovalManager struct {
	persist *Persistence
}

// NewApprovalManager creates a manager backed by persist for durable
// approval records.
func NewApprovalManager(persist *Persistence) *ApprovalManager {
	return &ApprovalManager{persist: persist}
}

// Create records a new pending approval request and returns it.
func (m *ApprovalManager) Create(executionID uuid.UUID, stateName, description string, timeoutSeconds int, timeoutBehavior models.TimeoutBehavior, context string) (models.ApprovalRequest, error) {
	req := models.ApprovalRequest{
		ID:              uuid.New(),
		ExecutionID:     executionID,
		StateName:       stateName,
		Description:     description,
		Status:          models.ApprovalPending,
		RequestedAt:     time.Now(),
		TimeoutSeconds:  timeoutSeconds,
		TimeoutBehavior: timeoutBehavior,
		Context:         context,
	}
	if err := m.persist.SaveApproval(req); err != nil {
		return models.ApprovalRequest{}, err
	}
	return req, nil
}

// Resolve transitions id to status on behalf of responder. Resolving an
// already-resolved request with the SAME status is idempotent and
// succeeds silently; resolving it with a DIFFERENT status returns
// *ErrApprovalConflict.
func (m *ApprovalManager) Resolve(id uuid.UUID, status models.ApprovalStatus, responder string) error {
	req, ok := m.persist.GetApproval(id)
	if !ok {
		return &ErrApprovalNotFound{ID: id}
	}
	if req.Status != models.ApprovalPending {
		if req.Status == status {
			return nil
		}
		return &ErrApprovalConflict{ID: id, Current: req.Status, Wanted: status}
	}

	now := time.Now()
	req.Status = status
	req.RespondedAt = &now
	req.Responder = responder
	return m.persist.SaveApproval(req)
}

// Get looks up an approval request by id.
func (m *ApprovalManager) Get(id uuid.UUID) (models.ApprovalRequest, bool) {
	return m.persist.GetApproval(id)
}

// ListPending returns pending approval requests, optionally scoped to one
// execution (pass uuid.Nil for all executions).
func (m *ApprovalManager) ListPending(executionID uuid.UUID) []models.ApprovalRequest {
	all := m.persist.ListApprovals(executionID)
	out := make([]models.ApprovalRequest, 0, len(all))
	for _, a := range all {
		if a.Status == models.ApprovalPending {
			out = append(out, a)
		}
	}
	return out
}
