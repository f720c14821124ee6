package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/client"

	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/models"
)

// DefaultTaskQueue is the Temporal task queue workers and starters share.
const DefaultTaskQueue = "opsloop-workflows"

// executionWorkflowID derives the Temporal workflow id for one execution.
func executionWorkflowID(id uuid.UUID) string {
	return "execution-" + id.String()
}

// Orchestrator is the top-level facade over the workflow subsystem: it
// starts executions, answers status/history/metrics queries, reads and
// follows captured output, and relays approval decisions and cancellation
// to the running engine.
type Orchestrator struct {
	temporal  client.Client
	persist   *Persistence
	approval  *ApprovalManager
	streams   *OutputStreamManager
	metrics   *metrics.Metrics
	taskQueue string
	log       *logrus.Entry
}

// NewOrchestrator wires the facade. temporal may be nil in tests that only
// exercise persistence-backed reads. m may be nil to skip instrumentation.
func NewOrchestrator(temporal client.Client, persist *Persistence, approval *ApprovalManager, streams *OutputStreamManager, m *metrics.Metrics, taskQueue string, log *logrus.Entry) *Orchestrator {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		temporal:  temporal,
		persist:   persist,
		approval:  approval,
		streams:   streams,
		metrics:   m,
		taskQueue: taskQueue,
		log:       log,
	}
}

// Start launches a new execution of workflowName on behalf of initiator
// and returns its execution id. The definition must already be registered;
// structural validation errors fail the call before anything is started.
func (o *Orchestrator) Start(ctx context.Context, workflowName, initiator string) (uuid.UUID, error) {
	def, ok := o.persist.GetDefinition(workflowName)
	if !ok {
		return uuid.Nil, models.NewConfigurationError(fmt.Sprintf("workflow %q is not registered", workflowName))
	}
	if errs := ValidateDefinition(def); len(errs) > 0 {
		return uuid.Nil, models.NewConfigurationError(fmt.Sprintf("workflow %q: %s", workflowName, strings.Join(errs, "; ")))
	}

	execID := uuid.New()
	opts := client.StartWorkflowOptions{
		ID:        executionWorkflowID(execID),
		TaskQueue: o.taskQueue,
	}
	_, err := o.temporal.ExecuteWorkflow(ctx, opts, ExecutionWorkflow, ExecutionWorkflowInput{
		ExecutionID:  execID,
		WorkflowName: workflowName,
		Initiator:    initiator,
		Definition:   def,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("workflow: start execution of %q: %w", workflowName, err)
	}

	if o.metrics != nil {
		o.metrics.ExecutionsStarted.WithLabelValues(workflowName).Inc()
	}
	o.log.WithFields(logrus.Fields{"workflow": workflowName, "execution_id": execID, "initiator": initiator}).Info("execution started")
	return execID, nil
}

// Status returns the execution's last persisted snapshot.
func (o *Orchestrator) Status(id uuid.UUID) (models.WorkflowExecution, error) {
	exec, ok := o.persist.GetExecution(id)
	if !ok {
		return models.WorkflowExecution{}, models.NewValidationError(fmt.Sprintf("execution %s not found", id))
	}
	return exec, nil
}

// History lists executions, optionally filtered to one workflow name
// (pass "" for all), oldest first.
func (o *Orchestrator) History(workflowName string) []models.WorkflowExecution {
	execs := o.persist.ListExecutions(workflowName)
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartTime.Before(execs[j].StartTime) })
	return execs
}

// WorkflowMetricsSummary aggregates per-workflow execution counts,
// average terminal duration, and the fraction of retried attempts that
// eventually succeeded.
type WorkflowMetricsSummary struct {
	WorkflowName           string                         `json:"workflow_name"`
	TotalExecutions        int                            `json:"total_executions"`
	ByStatus               map[models.ExecutionStatus]int `json:"by_status"`
	AverageDurationSeconds float64                        `json:"average_duration_seconds"`
	RetrySuccessRate       float64                        `json:"retry_success_rate"`
}

// MetricsSummary computes aggregates over persisted executions, optionally
// scoped to one workflow name (pass "" for all, grouped per workflow).
func (o *Orchestrator) MetricsSummary(workflowName string) []WorkflowMetricsSummary {
	byWorkflow := make(map[string][]models.WorkflowExecution)
	for _, e := range o.persist.ListExecutions(workflowName) {
		byWorkflow[e.WorkflowName] = append(byWorkflow[e.WorkflowName], e)
	}

	names := make([]string, 0, len(byWorkflow))
	for name := range byWorkflow {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]WorkflowMetricsSummary, 0, len(names))
	for _, name := range names {
		execs := byWorkflow[name]
		summary := WorkflowMetricsSummary{
			WorkflowName: name,
			ByStatus:     make(map[models.ExecutionStatus]int),
		}
		var totalDuration time.Duration
		var terminal int
		var retried, retriedOK int
		for _, e := range execs {
			summary.TotalExecutions++
			summary.ByStatus[e.Status]++
			if e.EndTime != nil {
				totalDuration += e.EndTime.Sub(e.StartTime)
				terminal++
			}
			for _, t := range e.Transitions {
				if t.Attempt > 1 {
					retried++
					if t.Reason == models.TransitionSuccess {
						retriedOK++
					}
				}
			}
		}
		if terminal > 0 {
			summary.AverageDurationSeconds = totalDuration.Seconds() / float64(terminal)
		}
		if retried > 0 {
			summary.RetrySuccessRate = float64(retriedOK) / float64(retried)
		}
		out = append(out, summary)
	}
	return out
}

// ListDefinitions returns every registered definition sorted by name.
func (o *Orchestrator) ListDefinitions() []models.WorkflowDefinition {
	defs := o.persist.ListDefinitions()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate loads the YAML definition at path and reports its structural
// problems, if any.
func (o *Orchestrator) Validate(path string) (models.WorkflowDefinition, []string, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return models.WorkflowDefinition{}, nil, err
	}
	return def, ValidateDefinition(def), nil
}

// RegisterDefinition validates def and stores it for later Start calls.
func (o *Orchestrator) RegisterDefinition(def models.WorkflowDefinition) error {
	if errs := ValidateDefinition(def); len(errs) > 0 {
		return models.NewConfigurationError(fmt.Sprintf("workflow %q: %s", def.Name, strings.Join(errs, "; ")))
	}
	return o.persist.SaveDefinition(def)
}

// LogsResult is what Logs returns: the requested page of persisted chunks,
// plus (when following a live execution) the stream of subsequent chunks
// and a cancel func to unsubscribe.
type LogsResult struct {
	Chunks []models.OutputChunk
	Live   <-chan models.OutputChunk
	Cancel func()
}

// Logs reads an execution's captured output. state filters to one state
// name ("" for all). offset/limit paginate the persisted chunks (limit <= 0
// returns everything from offset). With follow set and the execution still
// running, the result also carries a live subscription that delivers every
// chunk appended after this call; chunks appended earlier but not yet
// flushed to persistence appear in neither Chunks nor Live.
func (o *Orchestrator) Logs(executionID uuid.UUID, state string, limit, offset int, follow bool) (LogsResult, error) {
	if _, ok := o.persist.GetExecution(executionID); !ok {
		return LogsResult{}, models.NewValidationError(fmt.Sprintf("execution %s not found", executionID))
	}

	res := LogsResult{
		Chunks: o.persist.GetOutputChunks(executionID.String(), state, offset, limit),
		Cancel: func() {},
	}
	if !follow {
		return res, nil
	}

	stream, ok := o.streams.Get(executionID.String())
	if !ok {
		// Execution already terminated; nothing live to follow.
		return res, nil
	}
	_, live, cancel := stream.Subscribe(0)
	res.Live = live
	res.Cancel = cancel
	return res, nil
}

// Approve resolves approvalID as approved on behalf of operator and
// unblocks the gated execution.
func (o *Orchestrator) Approve(ctx context.Context, approvalID uuid.UUID, operator string) error {
	return o.decide(ctx, approvalID, operator, true)
}

// Deny resolves approvalID as denied on behalf of operator.
func (o *Orchestrator) Deny(ctx context.Context, approvalID uuid.UUID, operator string) error {
	return o.decide(ctx, approvalID, operator, false)
}

func (o *Orchestrator) decide(ctx context.Context, approvalID uuid.UUID, operator string, approved bool) error {
	req, ok := o.approval.Get(approvalID)
	if !ok {
		return &ErrApprovalNotFound{ID: approvalID}
	}
	if req.Status != models.ApprovalPending {
		// Delegate idempotent/conflict semantics to the manager.
		wanted := models.ApprovalDenied
		if approved {
			wanted = models.ApprovalApproved
		}
		return o.approval.Resolve(approvalID, wanted, operator)
	}

	handle, err := o.temporal.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   executionWorkflowID(req.ExecutionID),
		UpdateName:   UpdateApprovalDecision,
		WaitForStage: client.WorkflowUpdateStageCompleted,
		Args: []interface{}{ApprovalDecisionInput{
			ApprovalID: approvalID,
			Approved:   approved,
			Responder:  operator,
		}},
	})
	if err != nil {
		return fmt.Errorf("workflow: submit approval decision for %s: %w", approvalID, err)
	}
	var ack ApprovalDecisionAck
	if err := handle.Get(ctx, &ack); err != nil {
		return fmt.Errorf("workflow: approval decision for %s rejected: %w", approvalID, err)
	}

	if o.metrics != nil {
		status := string(models.ApprovalDenied)
		if approved {
			status = string(models.ApprovalApproved)
		}
		o.metrics.ApprovalsResolved.WithLabelValues(status).Inc()
	}
	return nil
}

// ListApprovals returns pending approval requests, optionally scoped to
// one execution (pass uuid.Nil for all).
func (o *Orchestrator) ListApprovals(executionID uuid.UUID) []models.ApprovalRequest {
	return o.approval.ListPending(executionID)
}

// Cancel requests operator-initiated cancellation of a running execution.
// The engine observes the signal before it enters each state and while it
// waits on an approval; a command that is already running is not killed,
// and the current state's remaining retry attempts still run. Once the
// engine observes it, it records a cancelled transition and finalizes the
// execution as cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, executionID uuid.UUID) error {
	exec, ok := o.persist.GetExecution(executionID)
	if !ok {
		return models.NewValidationError(fmt.Sprintf("execution %s not found", executionID))
	}
	if exec.Status.IsTerminal() {
		return models.NewCancellationError(fmt.Sprintf("execution %s already %s", executionID, exec.Status))
	}
	err := o.temporal.SignalWorkflow(ctx, executionWorkflowID(executionID), "", SignalCancelExecution, struct{}{})
	if err != nil {
		return fmt.Errorf("workflow: cancel execution %s: %w", executionID, err)
	}
	return nil
}
