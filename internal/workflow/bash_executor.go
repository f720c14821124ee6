package workflow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	execpkg "github.com/opsloop/opsloop/internal/exec"
	"github.com/opsloop/opsloop/internal/models"
)

// ExecutionOutcome classifies how a state's command finished.
type ExecutionOutcome string

const (
	OutcomeSuccess          ExecutionOutcome = "success"
	OutcomeFailureTransient ExecutionOutcome = "failure_transient"
	OutcomeFailurePermanent ExecutionOutcome = "failure_permanent"
	OutcomeTimeout          ExecutionOutcome = "timeout"
)

// BashResult is what BashExecutor.Run returns: the classified outcome, the
// process exit code (when one was observed), the transition reason the
// engine should record, and a capped aggregate of the command's combined
// output for diagnostics.
type BashResult struct {
	Outcome        ExecutionOutcome
	ExitCode       *int
	TransitionType models.TransitionType
	Aggregated     []byte
}

// BashExecutor runs a state's shell command, capturing stdout/stderr
// line-by-line into the execution's OutputStream, enforcing the state's
// timeout, and classifying the outcome. Exit 0 is success, exit 1-10 is a
// transient failure eligible for retry, exit >10 is permanent.
type BashExecutor struct {
	streams *OutputStreamManager
}

// NewBashExecutor creates an executor streaming output through streams.
func NewBashExecutor(streams *OutputStreamManager) *BashExecutor {
	return &BashExecutor{streams: streams}
}

// Run executes command under a shell, with a wall-clock budget of timeout.
// Output lines are appended to the execution's OutputStream as they
// arrive; on timeout the whole process group is killed.
func (e *BashExecutor) Run(ctx context.Context, executionID, stateName, command string, timeout time.Duration) (BashResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return BashResult{}, models.NewExecutionError(fmt.Sprintf("stdout pipe: %v", err), true)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return BashResult{}, models.NewExecutionError(fmt.Sprintf("stderr pipe: %v", err), true)
	}

	stream := e.streams.Open(executionID)

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go e.streamLines(&wg, stdout, &stdoutBuf, stream, stateName, models.ChunkStdout)
	go e.streamLines(&wg, stderr, &stderrBuf, stream, stateName, models.ChunkStderr)

	if err := cmd.Start(); err != nil {
		wg.Wait()
		// Spawn failure terminates the current attempt with a transient
		// failure; the next attempt may find the environment recovered.
		stream.Append(stateName, models.ChunkStderr, []byte(fmt.Sprintf("spawn failed: %v\n", err)), time.Now().UnixMilli())
		return BashResult{Outcome: OutcomeFailureTransient, TransitionType: models.TransitionFailure}, nil
	}

	wg.Wait()
	runErr := cmd.Wait()
	aggregated := execpkg.AggregateOutput(stdoutBuf.Bytes(), stderrBuf.Bytes())

	if cctx.Err() == context.DeadlineExceeded {
		return BashResult{Outcome: OutcomeTimeout, TransitionType: models.TransitionTimeout, Aggregated: aggregated}, nil
	}

	if runErr == nil {
		zero := 0
		return BashResult{Outcome: OutcomeSuccess, ExitCode: &zero, TransitionType: models.TransitionSuccess, Aggregated: aggregated}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		outcome := OutcomeFailurePermanent
		if code >= 1 && code <= 10 {
			outcome = OutcomeFailureTransient
		}
		return BashResult{Outcome: outcome, ExitCode: &code, TransitionType: models.TransitionFailure, Aggregated: aggregated}, nil
	}

	return BashResult{}, models.NewExecutionError(fmt.Sprintf("command execution failed: %v", runErr), true)
}

// streamLines scans r line-by-line, appending each line (with its
// trailing newline restored) as a chunk to stream and mirroring it into
// buf up to the aggregate output cap.
func (e *BashExecutor) streamLines(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, stream *OutputStream, stateName string, chunkType models.ChunkType) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append(append([]byte{}, scanner.Bytes()...), '\n')
		stream.Append(stateName, chunkType, line, time.Now().UnixMilli())
		if buf.Len() < execpkg.ExecOutputMaxBytes {
			buf.Write(line)
		}
	}
}
