package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/opsloop/opsloop/internal/models"
)

const validDefinitionYAML = `
name: deploy-pipeline
description: build, test, notify
initial_state: validate
terminal_states: [completed, failed]
states:
  validate:
    name: validate
    description: validate inputs
    command: "exit 0"
    transitions:
      success: process
      failure: failed
  process:
    name: process
    command: "exit 0"
    transitions:
      success: notify
      failure: failed
  notify:
    name: notify
    command: "exit 0"
    transitions:
      success: completed
      failure: failed
  completed:
    name: completed
  failed:
    name: failed
`

func TestLoadDefinitionParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validDefinitionYAML), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy-pipeline", def.Name)
	assert.Equal(t, "validate", def.InitialState)
	assert.Len(t, def.States, 5)
}

func TestValidateDefinitionAcceptsWellFormedGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validDefinitionYAML), 0o644))
	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Empty(t, ValidateDefinition(def))
}

func TestValidateDefinitionRejectsUnknownInitialState(t *testing.T) {
	def := models.WorkflowDefinition{
		Name:           "bad",
		InitialState:   "nope",
		TerminalStates: []string{"completed"},
		States: map[string]models.WorkflowState{
			"completed": {Name: "completed"},
		},
	}
	errs := ValidateDefinition(def)
	assert.Contains(t, errs, `initial_state "nope" does not name a known state`)
}

func TestValidateDefinitionRejectsMissingSuccessTransition(t *testing.T) {
	def := models.WorkflowDefinition{
		Name:           "bad",
		InitialState:   "build",
		TerminalStates: []string{"completed"},
		States: map[string]models.WorkflowState{
			"build":     {Name: "build", Command: "exit 0"},
			"completed": {Name: "completed"},
		},
	}
	errs := ValidateDefinition(def)
	assert.Contains(t, errs, `state "build": missing required transitions.success`)
}

func TestValidateDefinitionRejectsUnknownTransitionTarget(t *testing.T) {
	def := models.WorkflowDefinition{
		Name:           "bad",
		InitialState:   "build",
		TerminalStates: []string{"completed"},
		States: map[string]models.WorkflowState{
			"build": {
				Name:        "build",
				Command:     "exit 0",
				Transitions: &models.TransitionRules{Success: "ghost"},
			},
			"completed": {Name: "completed"},
		},
	}
	errs := ValidateDefinition(def)
	assert.Contains(t, errs, `state "build": transition target "ghost" does not name a known state`)
}

func TestValidateDefinitionRejectsApprovalWithoutDeniedTransition(t *testing.T) {
	def := models.WorkflowDefinition{
		Name:           "bad",
		InitialState:   "deploy",
		TerminalStates: []string{"completed"},
		States: map[string]models.WorkflowState{
			"deploy": {
				Name:             "deploy",
				Command:          "exit 0",
				RequiresApproval: true,
				Transitions:      &models.TransitionRules{Success: "completed"},
			},
			"completed": {Name: "completed"},
		},
	}
	errs := ValidateDefinition(def)
	assert.Contains(t, errs, `state "deploy": requires_approval set without transitions.approval_denied`)
}

func TestValidateDefinitionRejectsUnrecognizedTimeoutBehavior(t *testing.T) {
	def := models.WorkflowDefinition{
		Name:           "bad",
		InitialState:   "build",
		TerminalStates: []string{"build"},
		States: map[string]models.WorkflowState{
			"build": {Name: "build", TimeoutBehavior: "retry_forever"},
		},
	}
	errs := ValidateDefinition(def)
	assert.Contains(t, errs, `state "build": timeout_behavior "retry_forever" is not a recognized value`)
}

func TestDefinitionYAMLRoundTripPreservesAllFields(t *testing.T) {
	maxAttempts := 3
	timeoutSecs := 120
	approvalSecs := 600
	behavior := models.TimeoutBehaviorDenyAndFail
	def := models.WorkflowDefinition{
		Name:           "deploy-pipeline",
		Description:    "build, test, notify",
		InitialState:   "validate",
		TerminalStates: []string{"completed", "failed"},
		States: map[string]models.WorkflowState{
			"validate": {
				Name:                "validate",
				Description:         "validate inputs",
				Command:             "exit 0",
				TimeoutSeconds:      &timeoutSecs,
				RequiresApproval:    true,
				ApprovalTimeoutSecs: &approvalSecs,
				ApprovalDescription: "sign off on the deploy",
				RetryPolicy: &models.RetryPolicy{
					MaxAttempts:         maxAttempts,
					InitialDelaySeconds: 2,
					ExponentialBackoff:  true,
					BackoffMultiplier:   1.5,
				},
				Transitions: &models.TransitionRules{
					Success:        "completed",
					Failure:        "failed",
					Timeout:        "failed",
					ApprovalDenied: "failed",
				},
				TimeoutBehavior: models.TimeoutBehaviorDenyAndFail,
			},
			"completed": {Name: "completed"},
			"failed":    {Name: "failed"},
		},
		Defaults: &models.WorkflowDefaults{
			RetryPolicy:     &models.RetryPolicy{MaxAttempts: 1, BackoffMultiplier: 1.0},
			TimeoutBehavior: &behavior,
		},
	}

	raw, err := yaml.Marshal(def)
	require.NoError(t, err)

	var got models.WorkflowDefinition
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, def, got)
}
