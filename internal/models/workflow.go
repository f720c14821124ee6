package models

import (
	"time"

	"github.com/google/uuid"
)

// TimeoutBehavior names what happens when an approval wait expires.
// Only DenyAndFail is honored today; any other value is rejected by the
// definition validator as a configuration error. Kept as an enum for
// forward compatibility.
type TimeoutBehavior string

const (
	TimeoutBehaviorDenyAndFail TimeoutBehavior = "deny_and_fail"
)

// TransitionRules maps a state's possible outcomes to the next state name.
type TransitionRules struct {
	Success         string `yaml:"success,omitempty" json:"success,omitempty"`
	Failure         string `yaml:"failure,omitempty" json:"failure,omitempty"`
	Timeout         string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ApprovalDenied  string `yaml:"approval_denied,omitempty" json:"approval_denied,omitempty"`
}

// RetryPolicy configures how many times and how a state's command is
// retried on transient failure.
type RetryPolicy struct {
	MaxAttempts          int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelaySeconds  int     `yaml:"initial_delay_seconds" json:"initial_delay_seconds"`
	ExponentialBackoff   bool    `yaml:"exponential_backoff" json:"exponential_backoff"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// maxRetryDelay caps the effective delay regardless of backoff math.
const maxRetryDelay = 600 * time.Second

// DelayForAttempt returns the effective backoff delay for attempt k
// (1-indexed), capped at 600s.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	initial := time.Duration(p.InitialDelaySeconds) * time.Second
	if !p.ExponentialBackoff || attempt <= 1 {
		if initial > maxRetryDelay {
			return maxRetryDelay
		}
		return initial
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if time.Duration(delay) >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	d := time.Duration(delay)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// DefaultRetryPolicy is used by states that have neither a local policy nor
// a workflow-level default: a single attempt, no retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, InitialDelaySeconds: 0, ExponentialBackoff: false, BackoffMultiplier: 1.0}
}

// WorkflowDefaults supplies fallback retry policy and timeout behavior for
// states that don't set their own.
type WorkflowDefaults struct {
	RetryPolicy     *RetryPolicy     `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	TimeoutBehavior *TimeoutBehavior `yaml:"timeout_behavior,omitempty" json:"timeout_behavior,omitempty"`
}

// WorkflowState is a single node in a WorkflowDefinition's graph.
type WorkflowState struct {
	Name                string           `yaml:"name" json:"name"`
	Description         string           `yaml:"description" json:"description"`
	Command             string           `yaml:"command,omitempty" json:"command,omitempty"`
	TimeoutSeconds       *int             `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	RequiresApproval    bool             `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ApprovalTimeoutSecs *int             `yaml:"approval_timeout,omitempty" json:"approval_timeout,omitempty"`
	ApprovalDescription string           `yaml:"approval_description,omitempty" json:"approval_description,omitempty"`
	RetryPolicy         *RetryPolicy     `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	Transitions         *TransitionRules `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	TimeoutBehavior     TimeoutBehavior  `yaml:"timeout_behavior,omitempty" json:"timeout_behavior,omitempty"`
}

// EffectiveRetryPolicy resolves state-local retry policy against workflow
// defaults, falling back to a single-attempt policy.
func (s WorkflowState) EffectiveRetryPolicy(defaults *WorkflowDefaults) RetryPolicy {
	if s.RetryPolicy != nil {
		return *s.RetryPolicy
	}
	if defaults != nil && defaults.RetryPolicy != nil {
		return *defaults.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// EffectiveTimeoutBehavior resolves state-local timeout behavior against
// workflow defaults, falling back to DenyAndFail.
func (s WorkflowState) EffectiveTimeoutBehavior(defaults *WorkflowDefaults) TimeoutBehavior {
	if s.TimeoutBehavior != "" {
		return s.TimeoutBehavior
	}
	if defaults != nil && defaults.TimeoutBehavior != nil {
		return *defaults.TimeoutBehavior
	}
	return TimeoutBehaviorDenyAndFail
}

// IsTerminal reports whether s has no outgoing transitions at all.
func (s WorkflowState) IsTerminal() bool {
	if s.Transitions == nil {
		return true
	}
	t := s.Transitions
	return t.Success == "" && t.Failure == "" && t.Timeout == "" && t.ApprovalDenied == ""
}

// WorkflowDefinition is a named, static workflow graph.
type WorkflowDefinition struct {
	Name          string                   `yaml:"name" json:"name"`
	Description   string                   `yaml:"description,omitempty" json:"description,omitempty"`
	InitialState  string                   `yaml:"initial_state" json:"initial_state"`
	TerminalStates []string                `yaml:"terminal_states" json:"terminal_states"`
	States        map[string]WorkflowState `yaml:"states" json:"states"`
	Defaults      *WorkflowDefaults        `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// IsTerminalState reports whether name is listed among the definition's
// terminal states.
func (d WorkflowDefinition) IsTerminalState(name string) bool {
	for _, t := range d.TerminalStates {
		if t == name {
			return true
		}
	}
	return false
}

// ExecutionStatus is the lifecycle status of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionApprovalPending ExecutionStatus = "approval_pending"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionTimedOut        ExecutionStatus = "timed_out"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status represents a finished execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TransitionType classifies why a StateTransition happened.
type TransitionType string

const (
	TransitionSuccess        TransitionType = "success"
	TransitionFailure        TransitionType = "failure"
	TransitionTimeout        TransitionType = "timeout"
	TransitionApprovalDenied TransitionType = "approval_denied"
	TransitionCancelled      TransitionType = "cancelled"
)

// StateTransition records a single traversal of the execution's graph.
type StateTransition struct {
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Reason    TransitionType `json:"reason"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Attempt   int            `json:"attempt"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID           uuid.UUID          `json:"id"`
	WorkflowName string             `json:"workflow_name"`
	Initiator    string             `json:"initiator"`
	CurrentState string             `json:"current_state"`
	Status       ExecutionStatus    `json:"status"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Transitions  []StateTransition  `json:"transitions"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// ApprovalStatus is the lifecycle status of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// ApprovalRequest gates a single workflow state behind human sign-off.
type ApprovalRequest struct {
	ID              uuid.UUID       `json:"id"`
	ExecutionID     uuid.UUID       `json:"execution_id"`
	StateName       string          `json:"state_name"`
	Description     string          `json:"description"`
	Status          ApprovalStatus  `json:"status"`
	RequestedAt     time.Time       `json:"requested_at"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
	Responder       string          `json:"responder,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	TimeoutBehavior TimeoutBehavior `json:"timeout_behavior"`
	Context         string          `json:"context,omitempty"`
}
