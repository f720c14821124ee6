package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsloop/opsloop/internal/models"
)

// LoadDefinition reads and parses a WorkflowDefinition from a YAML file at
// path. It does not validate structural correctness; call
// ValidateDefinition separately.
func LoadDefinition(path string) (models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("workflow: read definition %s: %w", path, err)
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("workflow: parse definition %s: %w", path, err)
	}
	return def, nil
}

// ValidateDefinition reports every structural rule violation found in def,
// collecting all errors rather than failing on the first (mirrors
// models.Configuration.Validate). A non-empty result means the definition
// is a configuration error: unknown state references, missing required
// transitions, or an unrecognized timeout_behavior.
func ValidateDefinition(def models.WorkflowDefinition) []string {
	var errs []string

	if def.Name == "" {
		errs = append(errs, "name is required")
	}
	if def.InitialState == "" {
		errs = append(errs, "initial_state is required")
	} else if _, ok := def.States[def.InitialState]; !ok {
		errs = append(errs, fmt.Sprintf("initial_state %q does not name a known state", def.InitialState))
	}
	if len(def.TerminalStates) == 0 {
		errs = append(errs, "terminal_states must list at least one state")
	}
	for _, name := range def.TerminalStates {
		if _, ok := def.States[name]; !ok {
			errs = append(errs, fmt.Sprintf("terminal_states references unknown state %q", name))
		}
	}
	if def.Defaults != nil && def.Defaults.TimeoutBehavior != nil {
		if *def.Defaults.TimeoutBehavior != models.TimeoutBehaviorDenyAndFail {
			errs = append(errs, fmt.Sprintf("defaults.timeout_behavior %q is not a recognized value", *def.Defaults.TimeoutBehavior))
		}
	}

	for name, state := range def.States {
		errs = append(errs, validateState(def, name, state)...)
	}

	return errs
}

func validateState(def models.WorkflowDefinition, name string, state models.WorkflowState) []string {
	var errs []string

	if state.TimeoutBehavior != "" && state.TimeoutBehavior != models.TimeoutBehaviorDenyAndFail {
		errs = append(errs, fmt.Sprintf("state %q: timeout_behavior %q is not a recognized value", name, state.TimeoutBehavior))
	}

	isTerminal := def.IsTerminalState(name)
	if isTerminal {
		return errs
	}

	// Non-terminal states must be able to make progress somehow: either a
	// command with a success transition, or at least one outgoing
	// transition if commandless.
	if state.Transitions == nil || state.Transitions.Success == "" {
		if state.Command != "" {
			errs = append(errs, fmt.Sprintf("state %q: missing required transitions.success", name))
		} else if state.IsTerminal() {
			errs = append(errs, fmt.Sprintf("state %q: non-terminal commandless state has no outgoing transitions", name))
		}
	}

	if state.RequiresApproval && (state.Transitions == nil || state.Transitions.ApprovalDenied == "") {
		errs = append(errs, fmt.Sprintf("state %q: requires_approval set without transitions.approval_denied", name))
	}

	if state.Transitions != nil {
		for _, target := range []string{state.Transitions.Success, state.Transitions.Failure, state.Transitions.Timeout, state.Transitions.ApprovalDenied} {
			if target == "" {
				continue
			}
			if _, ok := def.States[target]; !ok {
				errs = append(errs, fmt.Sprintf("state %q: transition target %q does not name a known state", name, target))
			}
		}
	}

	return errs
}
