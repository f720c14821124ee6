package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBashExecutorSuccess(t *testing.T) {
	streams := NewOutputStreamManager(nil)
	e := NewBashExecutor(streams)

	res, err := e.Run(context.Background(), "exec-1", "build", "echo hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Aggregated))

	stream, ok := streams.Get("exec-1")
	require.True(t, ok)
	snap := stream.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "hello\n", snap[0].AsString())
}

func TestBashExecutorTransientFailure(t *testing.T) {
	streams := NewOutputStreamManager(nil)
	e := NewBashExecutor(streams)

	res, err := e.Run(context.Background(), "exec-2", "build", "exit 3", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailureTransient, res.Outcome)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestBashExecutorPermanentFailure(t *testing.T) {
	streams := NewOutputStreamManager(nil)
	e := NewBashExecutor(streams)

	res, err := e.Run(context.Background(), "exec-3", "build", "exit 42", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailurePermanent, res.Outcome)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 42, *res.ExitCode)
}

func TestBashExecutorTimeoutKillsProcessGroup(t *testing.T) {
	streams := NewOutputStreamManager(nil)
	e := NewBashExecutor(streams)

	start := time.Now()
	res, err := e.Run(context.Background(), "exec-4", "build", "sleep 5 & wait", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBashExecutorCapturesStderr(t *testing.T) {
	streams := NewOutputStreamManager(nil)
	e := NewBashExecutor(streams)

	_, err := e.Run(context.Background(), "exec-5", "build", "echo oops 1>&2", time.Second)
	require.NoError(t, err)

	stream, ok := streams.Get("exec-5")
	require.True(t, ok)
	snap := stream.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "oops\n", snap[0].AsString())
}
