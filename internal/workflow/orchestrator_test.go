package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/internal/models"
)

// newTestOrchestrator builds a facade over a fresh store with no Temporal
// client; only persistence-backed operations may be exercised.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *Persistence, *OutputStreamManager) {
	t.Helper()
	p := newTestPersistence(t)
	streams := NewOutputStreamManager(func(execID string, chunks []models.OutputChunk) {
		_ = p.AppendOutputChunks(execID, chunks)
	})
	o := NewOrchestrator(nil, p, NewApprovalManager(p), streams, nil, "", nil)
	return o, p, streams
}

func terminalExec(name string, status models.ExecutionStatus, start time.Time, dur time.Duration, transitions ...models.StateTransition) models.WorkflowExecution {
	end := start.Add(dur)
	return models.WorkflowExecution{
		ID:           uuid.New(),
		WorkflowName: name,
		CurrentState: "done",
		Status:       status,
		StartTime:    start,
		EndTime:      &end,
		Transitions:  transitions,
	}
}

func TestOrchestratorStatusUnknownExecution(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Status(uuid.New())
	require.Error(t, err)
}

func TestOrchestratorHistorySortedByStartTime(t *testing.T) {
	o, p, _ := newTestOrchestrator(t)
	base := time.Now()
	older := terminalExec("deploy-pipeline", models.ExecutionCompleted, base.Add(-time.Hour), time.Minute)
	newer := terminalExec("deploy-pipeline", models.ExecutionFailed, base, time.Minute)
	require.NoError(t, p.SaveExecution(newer))
	require.NoError(t, p.SaveExecution(older))

	hist := o.History("deploy-pipeline")
	require.Len(t, hist, 2)
	assert.Equal(t, older.ID, hist[0].ID)
	assert.Equal(t, newer.ID, hist[1].ID)
}

func TestOrchestratorMetricsSummary(t *testing.T) {
	o, p, _ := newTestOrchestrator(t)
	base := time.Now()

	ok1 := terminalExec("deploy-pipeline", models.ExecutionCompleted, base, 10*time.Second,
		models.StateTransition{FromState: "build", ToState: "test", Reason: models.TransitionSuccess, Attempt: 3, Timestamp: base})
	ok2 := terminalExec("deploy-pipeline", models.ExecutionCompleted, base, 30*time.Second)
	bad := terminalExec("deploy-pipeline", models.ExecutionFailed, base, 20*time.Second,
		models.StateTransition{FromState: "build", ToState: "failed", Reason: models.TransitionFailure, Attempt: 2, Timestamp: base})
	require.NoError(t, p.SaveExecution(ok1))
	require.NoError(t, p.SaveExecution(ok2))
	require.NoError(t, p.SaveExecution(bad))

	summaries := o.MetricsSummary("deploy-pipeline")
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, 3, s.TotalExecutions)
	assert.Equal(t, 2, s.ByStatus[models.ExecutionCompleted])
	assert.Equal(t, 1, s.ByStatus[models.ExecutionFailed])
	assert.InDelta(t, 20.0, s.AverageDurationSeconds, 0.01)
	// One retried attempt succeeded, one failed.
	assert.InDelta(t, 0.5, s.RetrySuccessRate, 0.001)
}

func TestOrchestratorRegisterDefinitionRejectsInvalid(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	def := models.WorkflowDefinition{
		Name:         "broken",
		InitialState: "missing",
		States:       map[string]models.WorkflowState{},
	}
	err := o.RegisterDefinition(def)
	require.Error(t, err)

	var hubErr *models.HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, models.ErrKindConfiguration, hubErr.Kind)
	assert.Empty(t, o.ListDefinitions())
}

func TestOrchestratorRegisterAndListDefinitions(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.RegisterDefinition(threeStepDefinition()))

	defs := o.ListDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "deploy-pipeline", defs[0].Name)
}

func TestOrchestratorValidateReadsYAML(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	yaml := `
name: deploy-pipeline
initial_state: validate
terminal_states: [completed]
states:
  validate:
    name: validate
    command: "exit 0"
    transitions:
      success: completed
  completed:
    name: completed
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	def, problems, err := o.Validate(path)
	require.NoError(t, err)
	assert.Empty(t, problems)
	assert.Equal(t, "deploy-pipeline", def.Name)
	assert.Equal(t, "validate", def.InitialState)
}

func TestOrchestratorLogsPagination(t *testing.T) {
	o, p, _ := newTestOrchestrator(t)
	exec := terminalExec("deploy-pipeline", models.ExecutionCompleted, time.Now(), time.Second)
	require.NoError(t, p.SaveExecution(exec))

	var chunks []models.OutputChunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, models.OutputChunk{
			ExecutionID: exec.ID.String(),
			StateName:   "build",
			ChunkType:   models.ChunkStdout,
			Sequence:    uint64(i),
			Data:        []byte{byte('0' + i), '\n'},
		})
	}
	require.NoError(t, p.AppendOutputChunks(exec.ID.String(), chunks))

	page, err := o.Logs(exec.ID, "", 4, 3, false)
	require.NoError(t, err)
	require.Len(t, page.Chunks, 4)
	assert.Equal(t, uint64(3), page.Chunks[0].Sequence)
	assert.Equal(t, uint64(6), page.Chunks[3].Sequence)
	assert.Nil(t, page.Live)
}

func TestOrchestratorLogsFollowLiveStream(t *testing.T) {
	o, p, streams := newTestOrchestrator(t)
	exec := models.WorkflowExecution{ID: uuid.New(), WorkflowName: "deploy-pipeline", Status: models.ExecutionRunning, StartTime: time.Now()}
	require.NoError(t, p.SaveExecution(exec))

	stream := streams.Open(exec.ID.String())
	res, err := o.Logs(exec.ID, "", 0, 0, true)
	require.NoError(t, err)
	require.NotNil(t, res.Live)
	defer res.Cancel()

	stream.Append("build", models.ChunkStdout, []byte("hello\n"), time.Now().UnixMilli())

	select {
	case chunk := <-res.Live:
		assert.Equal(t, "hello\n", chunk.AsString())
	case <-time.After(time.Second):
		t.Fatal("no live chunk delivered")
	}
}

// threeStepDefinition is the canonical validate→process→notify→completed
// graph used across engine and facade tests.
func threeStepDefinition() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name:           "deploy-pipeline",
		InitialState:   "validate",
		TerminalStates: []string{"completed", "failed"},
		States: map[string]models.WorkflowState{
			"validate": {
				Name:        "validate",
				Command:     "exit 0",
				Transitions: &models.TransitionRules{Success: "process", Failure: "failed"},
			},
			"process": {
				Name:        "process",
				Command:     "exit 0",
				Transitions: &models.TransitionRules{Success: "notify", Failure: "failed"},
			},
			"notify": {
				Name:        "notify",
				Command:     "exit 0",
				Transitions: &models.TransitionRules{Success: "completed", Failure: "failed"},
			},
			"completed": {Name: "completed"},
			"failed":    {Name: "failed"},
		},
	}
}
