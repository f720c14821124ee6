package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/models"
)

// Handler names for ExecutionWorkflow.
const (
	// QueryExecutionStatus returns the execution's current snapshot.
	QueryExecutionStatus = "get_execution_status"

	// UpdateApprovalDecision submits a human decision on the execution's
	// currently pending approval request.
	UpdateApprovalDecision = "approval_decision"

	// SignalCancelExecution requests operator-initiated cancellation.
	SignalCancelExecution = "cancel_execution"
)

// ApprovalDecisionInput is the payload of the approval_decision update.
type ApprovalDecisionInput struct {
	ApprovalID uuid.UUID `json:"approval_id"`
	Approved   bool      `json:"approved"`
	Responder  string    `json:"responder"`
}

// ApprovalDecisionAck acknowledges a submitted decision.
type ApprovalDecisionAck struct{}

// responseSlot is a single-shot delivery slot bridging a Temporal update
// handler (the producer) and the workflow's main loop (the consumer).
type responseSlot[T any] struct {
	received bool
	value    *T
}

func (s *responseSlot[T]) deliver(v T) { s.value = &v; s.received = true }
func (s *responseSlot[T]) ready() bool { return s.received }
func (s *responseSlot[T]) take() *T {
	v := s.value
	s.received = false
	s.value = nil
	return v
}

// executionControl owns the coordination state ExecutionWorkflow uses to
// bridge handlers and the main loop; it is never persisted.
type executionControl struct {
	cancelled         bool
	pendingApprovalID uuid.UUID
	approvalSlot      responseSlot[ApprovalDecisionInput]
	execution         models.WorkflowExecution
}

// ExecutionWorkflowInput starts one workflow execution.
type ExecutionWorkflowInput struct {
	ExecutionID  uuid.UUID                 `json:"execution_id"`
	WorkflowName string                     `json:"workflow_name"`
	Initiator    string                     `json:"initiator"`
	Definition   models.WorkflowDefinition `json:"definition"`
}

var stateActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 24 * time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

var persistActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Second,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    5,
	},
}

// ExecutionWorkflow drives one WorkflowExecution to a terminal status:
// load the definition, walk the state graph, gate on approval, retry
// transient command failures, and persist every transition as it happens.
func ExecutionWorkflow(ctx workflow.Context, input ExecutionWorkflowInput) (models.WorkflowExecution, error) {
	logger := workflow.GetLogger(ctx)
	def := input.Definition

	ctrl := &executionControl{
		execution: models.WorkflowExecution{
			ID:           input.ExecutionID,
			WorkflowName: input.WorkflowName,
			Initiator:    input.Initiator,
			CurrentState: def.InitialState,
			Status:       models.ExecutionRunning,
			StartTime:    workflow.Now(ctx),
		},
	}

	if errs := ValidateDefinition(def); len(errs) > 0 {
		return failExecution(ctx, ctrl, fmt.Sprintf("invalid workflow definition: %v", errs))
	}

	registerExecutionHandlers(ctx, ctrl)

	if err := persistExecutionState(ctx, ctrl.execution); err != nil {
		return ctrl.execution, err
	}

	state := def.InitialState

	for {
		if ctrl.cancelled {
			return cancelExecution(ctx, ctrl, state)
		}

		if def.IsTerminalState(state) {
			return finalizeExecution(ctx, ctrl, state)
		}

		st, ok := def.States[state]
		if !ok {
			return failExecution(ctx, ctrl, fmt.Sprintf("unknown state %q referenced", state))
		}

		if st.RequiresApproval {
			approved, next, err := runApprovalGate(ctx, ctrl, def, state, st)
			if err != nil {
				return failExecution(ctx, ctrl, err.Error())
			}
			if ctrl.cancelled {
				continue
			}
			if !approved {
				if next == "" {
					return failExecution(ctx, ctrl, fmt.Sprintf("state %q: approval denied with no transitions.approval_denied", state))
				}
				state = next
				continue
			}
		}

		next, err := runCommandWithRetry(ctx, ctrl, state, st, def.Defaults)
		if err != nil {
			return failExecution(ctx, ctrl, err.Error())
		}
		logger.Debug("state transition", "from", state, "to", next)
		state = next
	}
}

// runApprovalGate creates an approval request, sets status=approval_pending,
// and blocks until a human decision arrives or the approval timeout fires.
func runApprovalGate(ctx workflow.Context, ctrl *executionControl, def models.WorkflowDefinition, stateName string, st models.WorkflowState) (approved bool, nextOnDeny string, err error) {
	timeoutSecs := 300
	if st.ApprovalTimeoutSecs != nil {
		timeoutSecs = *st.ApprovalTimeoutSecs
	}
	behavior := st.EffectiveTimeoutBehavior(def.Defaults)

	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	var req models.ApprovalRequest
	err = workflow.ExecuteActivity(actCtx, "CreateApproval", CreateApprovalInput{
		ExecutionID:     ctrl.execution.ID,
		StateName:       stateName,
		Description:     st.ApprovalDescription,
		TimeoutSeconds:  timeoutSecs,
		TimeoutBehavior: behavior,
		Context:         "",
	}).Get(ctx, &req)
	if err != nil {
		return false, "", fmt.Errorf("create approval: %w", err)
	}

	ctrl.execution.Status = models.ExecutionApprovalPending
	if perr := persistExecutionState(ctx, ctrl.execution); perr != nil {
		return false, "", perr
	}
	ctrl.pendingApprovalID = req.ID
	ctrl.approvalSlot = responseSlot[ApprovalDecisionInput]{}

	ok, awaitErr := workflow.AwaitWithTimeout(ctx, time.Duration(timeoutSecs)*time.Second, func() bool {
		return ctrl.approvalSlot.ready() || ctrl.cancelled
	})
	if awaitErr != nil {
		return false, "", fmt.Errorf("approval await: %w", awaitErr)
	}

	if ctrl.cancelled {
		return false, "", nil
	}

	if !ok {
		// Timed out. deny_and_fail treats it as denial.
		_ = workflow.ExecuteActivity(actCtx, "ResolveApproval", ResolveApprovalInput{
			ApprovalID: req.ID,
			Status:     models.ApprovalTimeout,
			Responder:  "",
		}).Get(ctx, nil)
		next := ""
		if st.Transitions != nil {
			next = st.Transitions.ApprovalDenied
		}
		t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionApprovalDenied, Attempt: 1, Timestamp: workflow.Now(ctx)}
		if rerr := recordTransition(ctx, ctrl, t); rerr != nil {
			return false, "", rerr
		}
		return false, next, nil
	}

	decision := ctrl.approvalSlot.take()
	status := models.ApprovalDenied
	if decision.Approved {
		status = models.ApprovalApproved
	}
	if rerr := workflow.ExecuteActivity(actCtx, "ResolveApproval", ResolveApprovalInput{
		ApprovalID: req.ID,
		Status:     status,
		Responder:  decision.Responder,
	}).Get(ctx, nil); rerr != nil {
		return false, "", rerr
	}

	if decision.Approved {
		ctrl.execution.Status = models.ExecutionRunning
		return true, "", nil
	}

	t := models.StateTransition{FromState: stateName, ToState: "", Reason: models.TransitionApprovalDenied, Attempt: 1, Timestamp: workflow.Now(ctx)}
	next := ""
	if st.Transitions != nil {
		next = st.Transitions.ApprovalDenied
	}
	t.ToState = next
	if rerr := recordTransition(ctx, ctrl, t); rerr != nil {
		return false, "", rerr
	}
	return false, next, nil
}

// runCommandWithRetry runs st's command (if any) up to its effective
// retry policy's max_attempts, recording exactly one transition for the
// state and returning the resolved next state name.
func runCommandWithRetry(ctx workflow.Context, ctrl *executionControl, stateName string, st models.WorkflowState, defaults *models.WorkflowDefaults) (string, error) {
	retry := st.EffectiveRetryPolicy(defaults)

	if st.Command == "" {
		next := ""
		if st.Transitions != nil {
			next = st.Transitions.Success
		}
		if next == "" {
			return "", fmt.Errorf("state %q: missing required transitions.success", stateName)
		}
		t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionSuccess, Attempt: 1, Timestamp: workflow.Now(ctx)}
		if err := recordTransition(ctx, ctrl, t); err != nil {
			return "", err
		}
		return next, nil
	}

	timeoutSecs := 300
	if st.TimeoutSeconds != nil {
		timeoutSecs = *st.TimeoutSeconds
	}

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		ctrl.execution.Status = models.ExecutionRunning
		if err := persistExecutionState(ctx, ctrl.execution); err != nil {
			return "", err
		}

		actCtx := workflow.WithActivityOptions(ctx, stateActivityOptions)
		var result RunStateCommandOutput
		err := workflow.ExecuteActivity(actCtx, "RunStateCommand", RunStateCommandInput{
			ExecutionID:    ctrl.execution.ID,
			StateName:      stateName,
			Command:        st.Command,
			TimeoutSeconds: timeoutSecs,
		}).Get(ctx, &result)
		if err != nil {
			return "", fmt.Errorf("run state command: %w", err)
		}

		switch result.Outcome {
		case OutcomeSuccess:
			next := ""
			if st.Transitions != nil {
				next = st.Transitions.Success
			}
			if next == "" {
				return "", fmt.Errorf("state %q: missing required transitions.success", stateName)
			}
			t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionSuccess, ExitCode: result.ExitCode, Attempt: attempt, Timestamp: workflow.Now(ctx)}
			if err := recordTransition(ctx, ctrl, t); err != nil {
				return "", err
			}
			return next, nil

		case OutcomeTimeout:
			next := ""
			if st.Transitions != nil {
				next = st.Transitions.Timeout
				if next == "" {
					next = st.Transitions.Failure
				}
			}
			if next == "" {
				return "", fmt.Errorf("state %q: missing required transitions.timeout/failure", stateName)
			}
			t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionTimeout, Attempt: attempt, Timestamp: workflow.Now(ctx)}
			if err := recordTransition(ctx, ctrl, t); err != nil {
				return "", err
			}
			return next, nil

		case OutcomeFailurePermanent:
			next := ""
			if st.Transitions != nil {
				next = st.Transitions.Failure
			}
			if next == "" {
				return "", fmt.Errorf("state %q: missing required transitions.failure", stateName)
			}
			t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionFailure, ExitCode: result.ExitCode, Attempt: attempt, Timestamp: workflow.Now(ctx)}
			if err := recordTransition(ctx, ctrl, t); err != nil {
				return "", err
			}
			return next, nil

		case OutcomeFailureTransient:
			if attempt < retry.MaxAttempts {
				workflow.Sleep(ctx, retry.DelayForAttempt(attempt))
				continue
			}
			next := ""
			if st.Transitions != nil {
				next = st.Transitions.Failure
			}
			if next == "" {
				return "", fmt.Errorf("state %q: missing required transitions.failure", stateName)
			}
			t := models.StateTransition{FromState: stateName, ToState: next, Reason: models.TransitionFailure, ExitCode: result.ExitCode, Attempt: attempt, Timestamp: workflow.Now(ctx)}
			if err := recordTransition(ctx, ctrl, t); err != nil {
				return "", err
			}
			return next, nil
		}
	}

	return "", fmt.Errorf("state %q: exhausted retry loop without a transition", stateName)
}

// recordTransition appends t to the in-memory execution and persists it.
func recordTransition(ctx workflow.Context, ctrl *executionControl, t models.StateTransition) error {
	ctrl.execution.Transitions = append(ctrl.execution.Transitions, t)
	ctrl.execution.CurrentState = t.ToState
	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	return workflow.ExecuteActivity(actCtx, "PersistTransition", PersistTransitionInput{
		ExecutionID: ctrl.execution.ID,
		Transition:  t,
	}).Get(ctx, nil)
}

// persistExecutionState writes exec's current snapshot.
func persistExecutionState(ctx workflow.Context, exec models.WorkflowExecution) error {
	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	return workflow.ExecuteActivity(actCtx, "PersistExecution", exec).Get(ctx, nil)
}

// terminalStatusForState maps a terminal state's name to an execution
// status by convention: states literally named "failed", "denied", or
// "timeout_state" map to the corresponding non-success status; every
// other terminal state means "completed".
func terminalStatusForState(name string) models.ExecutionStatus {
	switch name {
	case "failed":
		return models.ExecutionFailed
	case "denied":
		return models.ExecutionCancelled
	case "timeout_state":
		return models.ExecutionTimedOut
	default:
		return models.ExecutionCompleted
	}
}

func finalizeExecution(ctx workflow.Context, ctrl *executionControl, state string) (models.WorkflowExecution, error) {
	ctrl.execution.CurrentState = state
	ctrl.execution.Status = terminalStatusForState(state)
	now := workflow.Now(ctx)
	ctrl.execution.EndTime = &now
	if err := persistExecutionState(ctx, ctrl.execution); err != nil {
		return ctrl.execution, err
	}
	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	_ = workflow.ExecuteActivity(actCtx, "CloseOutputStream", ctrl.execution.ID).Get(ctx, nil)
	return ctrl.execution, nil
}

func cancelExecution(ctx workflow.Context, ctrl *executionControl, state string) (models.WorkflowExecution, error) {
	now := workflow.Now(ctx)
	ctrl.execution.Status = models.ExecutionCancelled
	ctrl.execution.EndTime = &now
	t := models.StateTransition{FromState: state, ToState: state, Reason: models.TransitionCancelled, Attempt: 1, Timestamp: now}
	ctrl.execution.Transitions = append(ctrl.execution.Transitions, t)
	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	_ = workflow.ExecuteActivity(actCtx, "PersistTransition", PersistTransitionInput{ExecutionID: ctrl.execution.ID, Transition: t}).Get(ctx, nil)
	_ = workflow.ExecuteActivity(actCtx, "PersistExecution", ctrl.execution).Get(ctx, nil)
	_ = workflow.ExecuteActivity(actCtx, "CloseOutputStream", ctrl.execution.ID).Get(ctx, nil)
	return ctrl.execution, nil
}

func failExecution(ctx workflow.Context, ctrl *executionControl, reason string) (models.WorkflowExecution, error) {
	now := workflow.Now(ctx)
	ctrl.execution.Status = models.ExecutionFailed
	ctrl.execution.EndTime = &now
	ctrl.execution.FailureReason = reason
	actCtx := workflow.WithActivityOptions(ctx, persistActivityOptions)
	_ = workflow.ExecuteActivity(actCtx, "PersistExecution", ctrl.execution).Get(ctx, nil)
	_ = workflow.ExecuteActivity(actCtx, "CloseOutputStream", ctrl.execution.ID).Get(ctx, nil)
	return ctrl.execution, nil
}

// registerExecutionHandlers wires the query/update/signal handlers for one
// running execution.
func registerExecutionHandlers(ctx workflow.Context, ctrl *executionControl) {
	logger := workflow.GetLogger(ctx)

	err := workflow.SetQueryHandler(ctx, QueryExecutionStatus, func() (models.WorkflowExecution, error) {
		return ctrl.execution, nil
	})
	if err != nil {
		logger.Error("failed to register get_execution_status query handler", "error", err)
	}

	err = workflow.SetUpdateHandlerWithOptions(
		ctx,
		UpdateApprovalDecision,
		func(ctx workflow.Context, input ApprovalDecisionInput) (ApprovalDecisionAck, error) {
			ctrl.approvalSlot.deliver(input)
			return ApprovalDecisionAck{}, nil
		},
		workflow.UpdateHandlerOptions{
			Validator: func(ctx workflow.Context, input ApprovalDecisionInput) error {
				if ctrl.pendingApprovalID == uuid.Nil || input.ApprovalID != ctrl.pendingApprovalID {
					return fmt.Errorf("no matching pending approval %s", input.ApprovalID)
				}
				return nil
			},
		},
	)
	if err != nil {
		logger.Error("failed to register approval_decision update handler", "error", err)
	}

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelExecution)
	workflow.Go(ctx, func(ctx workflow.Context) {
		var ignored struct{}
		cancelCh.Receive(ctx, &ignored)
		ctrl.cancelled = true
	})
}
