package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/models"
)

// StateActivities bundles the activities ExecutionWorkflow delegates to:
// running a state's command and persisting engine-observed state. All disk
// and process I/O lives here, never in ExecutionWorkflow itself, so the
// workflow function stays deterministic.
type StateActivities struct {
	executor *BashExecutor
	persist  *Persistence
	approval *ApprovalManager
	metrics  *metrics.Metrics
}

// NewStateActivities creates the activity set backing one worker process.
// m may be nil to skip instrumentation.
func NewStateActivities(executor *BashExecutor, persist *Persistence, approval *ApprovalManager, m *metrics.Metrics) *StateActivities {
	return &StateActivities{executor: executor, persist: persist, approval: approval, metrics: m}
}

// RunStateCommandInput is the input to RunStateCommand.
type RunStateCommandInput struct {
	ExecutionID    uuid.UUID `json:"execution_id"`
	StateName      string    `json:"state_name"`
	Command        string    `json:"command"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// RunStateCommandOutput is the result of RunStateCommand.
type RunStateCommandOutput struct {
	Outcome  ExecutionOutcome `json:"outcome"`
	ExitCode *int             `json:"exit_code,omitempty"`
}

// RunStateCommand executes one state's shell command to completion,
// streaming captured output through the worker's OutputStreamManager.
func (a *StateActivities) RunStateCommand(ctx context.Context, input RunStateCommandInput) (RunStateCommandOutput, error) {
	timeout := time.Duration(input.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	res, err := a.executor.Run(ctx, input.ExecutionID.String(), input.StateName, input.Command, timeout)
	if err != nil {
		return RunStateCommandOutput{}, fmt.Errorf("workflow: run state command: %w", err)
	}
	if a.metrics != nil {
		workflowName := ""
		if exec, ok := a.persist.GetExecution(input.ExecutionID); ok {
			workflowName = exec.WorkflowName
		}
		a.metrics.StateAttempts.WithLabelValues(workflowName, string(res.Outcome)).Inc()
	}
	return RunStateCommandOutput{Outcome: res.Outcome, ExitCode: res.ExitCode}, nil
}

// PersistExecution upserts an execution's current snapshot. Persistence
// I/O failure is non-retryable here: it escalates to a failed execution.
func (a *StateActivities) PersistExecution(ctx context.Context, exec models.WorkflowExecution) error {
	if err := a.persist.SaveExecution(exec); err != nil {
		return models.NewExecutionError(fmt.Sprintf("persist execution %s: %v", exec.ID, err), false)
	}
	if a.metrics != nil && exec.Status.IsTerminal() && exec.EndTime != nil {
		a.metrics.ExecutionsCompleted.WithLabelValues(exec.WorkflowName, string(exec.Status)).Inc()
		a.metrics.ExecutionDuration.WithLabelValues(exec.WorkflowName).Observe(exec.EndTime.Sub(exec.StartTime).Seconds())
	}
	return nil
}

// PersistTransitionInput is the input to PersistTransition.
type PersistTransitionInput struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	Transition  models.StateTransition `json:"transition"`
}

// PersistTransition appends one transition to an execution's log.
func (a *StateActivities) PersistTransition(ctx context.Context, input PersistTransitionInput) error {
	if err := a.persist.AppendTransition(input.ExecutionID, input.Transition); err != nil {
		return models.NewExecutionError(fmt.Sprintf("persist transition for %s: %v", input.ExecutionID, err), false)
	}
	return nil
}

// CreateApprovalInput is the input to CreateApproval.
type CreateApprovalInput struct {
	ExecutionID     uuid.UUID              `json:"execution_id"`
	StateName       string                 `json:"state_name"`
	Description     string                 `json:"description"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	TimeoutBehavior models.TimeoutBehavior `json:"timeout_behavior"`
	Context         string                 `json:"context"`
}

// CreateApproval records a new pending approval request and returns it.
// The workflow itself owns waiting for the human decision (via its
// approval_decision update handler); this activity only persists the
// request so Orchestrator.ListApprovals/Get can observe it.
func (a *StateActivities) CreateApproval(ctx context.Context, input CreateApprovalInput) (models.ApprovalRequest, error) {
	return a.approval.Create(input.ExecutionID, input.StateName, input.Description, input.TimeoutSeconds, input.TimeoutBehavior, input.Context)
}

// ResolveApprovalInput is the input to ResolveApproval.
type ResolveApprovalInput struct {
	ApprovalID uuid.UUID             `json:"approval_id"`
	Status     models.ApprovalStatus `json:"status"`
	Responder  string                `json:"responder"`
}

// ResolveApproval durably records the outcome of an approval request
// (human decision or engine-side timeout). Idempotent/conflict semantics
// are enforced by ApprovalManager.Resolve.
func (a *StateActivities) ResolveApproval(ctx context.Context, input ResolveApprovalInput) error {
	return a.approval.Resolve(input.ApprovalID, input.Status, input.Responder)
}

// CloseOutputStream tears down the output stream for a finished execution.
func (a *StateActivities) CloseOutputStream(ctx context.Context, executionID uuid.UUID) error {
	a.executor.streams.CloseExecution(executionID.String())
	return nil
}
