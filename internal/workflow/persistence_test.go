package workflow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/internal/models"
)

func TestPersistenceExecutionAndTransitionRoundTrip(t *testing.T) {
	p := newTestPersistence(t)
	execID := uuid.New()

	exec := models.WorkflowExecution{
		ID:           execID,
		WorkflowName: "deploy-pipeline",
		CurrentState: "build",
		Status:       models.ExecutionRunning,
		StartTime:    time.Now(),
	}
	require.NoError(t, p.SaveExecution(exec))

	transition := models.StateTransition{
		FromState: "build",
		ToState:   "test",
		Reason:    models.TransitionSuccess,
		Attempt:   1,
		Timestamp: time.Now(),
	}
	require.NoError(t, p.AppendTransition(execID, transition))

	got, ok := p.GetExecution(execID)
	require.True(t, ok)
	assert.Equal(t, "test", got.CurrentState)
	require.Len(t, got.Transitions, 1)

	ts := p.GetTransitions(execID)
	require.Len(t, ts, 1)
	assert.Equal(t, models.TransitionSuccess, ts[0].Reason)
}

func TestPersistenceListExecutionsFilteredByWorkflowName(t *testing.T) {
	p := newTestPersistence(t)
	a := models.WorkflowExecution{ID: uuid.New(), WorkflowName: "deploy-pipeline", Status: models.ExecutionRunning, StartTime: time.Now()}
	b := models.WorkflowExecution{ID: uuid.New(), WorkflowName: "rollback", Status: models.ExecutionRunning, StartTime: time.Now()}
	require.NoError(t, p.SaveExecution(a))
	require.NoError(t, p.SaveExecution(b))

	only := p.ListExecutions("deploy-pipeline")
	require.Len(t, only, 1)
	assert.Equal(t, a.ID, only[0].ID)

	all := p.ListExecutions("")
	assert.Len(t, all, 2)
}

func TestPersistenceOutputChunksPaginationAndFilter(t *testing.T) {
	p := newTestPersistence(t)
	execID := "exec-1"

	chunks := []models.OutputChunk{
		{ExecutionID: execID, StateName: "build", ChunkType: models.ChunkStdout, Sequence: 0, Data: []byte("a\n")},
		{ExecutionID: execID, StateName: "build", ChunkType: models.ChunkStderr, Sequence: 1, Data: []byte("b\n")},
		{ExecutionID: execID, StateName: "test", ChunkType: models.ChunkStdout, Sequence: 2, Data: []byte("c\n")},
	}
	require.NoError(t, p.AppendOutputChunks(execID, chunks))

	buildOnly := p.GetOutputChunks(execID, "build", 0, 0)
	require.Len(t, buildOnly, 2)

	paged := p.GetOutputChunks(execID, "", 1, 1)
	require.Len(t, paged, 1)
	assert.Equal(t, uint64(1), paged[0].Sequence)

	none := p.GetOutputChunks(execID, "", 10, 0)
	assert.Nil(t, none)
}

func TestPersistenceAtomicWriteProducesNoStaleTempFiles(t *testing.T) {
	p := newTestPersistence(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.SaveDefinition(models.WorkflowDefinition{Name: "wf", InitialState: "s"}))
	}
	// saveLocked cleans up its temp file via rename; a freshly reloaded
	// store must see exactly the last write, not a partial one.
	stale, err := filepath.Glob(filepath.Join(filepath.Dir(p.path), ".workflow-store-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, stale)
	reloaded, err := NewPersistence(p.path)
	require.NoError(t, err)
	got, ok := reloaded.GetDefinition("wf")
	require.True(t, ok)
	assert.Equal(t, "s", got.InitialState)
}
