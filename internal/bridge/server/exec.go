package server

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/ashrun/ash/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultExecTimeout = 60 * time.Second
	// execOutputCap bounds each captured stream; the same ceiling the file
	// read API applies.
	execOutputCap = 1 << 20
	// timeoutExitCode follows the timeout(1) convention.
	timeoutExitCode = 124
)

// runExec runs a shell command in the workspace and answers with exactly
// one exec_result. Runs inline in the read loop; a query in flight rejects
// it rather than racing the agent for the workspace.
func (h *connHandler) runExec(ctx context.Context, cmd *protocol.Command) {
	if h.queryInFlight() {
		_ = h.writeEvent(protocol.ErrorEvent("query in flight, exec rejected"))
		return
	}
	if cmd.Command == "" {
		_ = h.writeEvent(protocol.ErrorEvent("exec requires a command"))
		return
	}

	timeout := defaultExecTimeout
	if cmd.Timeout > 0 {
		timeout = time.Duration(cmd.Timeout) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Env is inherited: the bridge's own environment is already the
	// sandbox allowlist.
	sh := exec.CommandContext(cctx, "/bin/sh", "-c", cmd.Command)
	sh.Dir = h.srv.cfg.WorkspaceDir

	stdout := newCappedBuffer(execOutputCap)
	stderr := newCappedBuffer(execOutputCap)
	sh.Stdout = stdout
	sh.Stderr = stderr

	h.log.Info("exec", zap.String("command", cmd.Command), zap.Duration("timeout", timeout))

	err := sh.Run()
	exitCode := 0
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		exitCode = timeoutExitCode
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			_ = h.writeEvent(protocol.ErrorEvent("exec failed: " + err.Error()))
			return
		}
	}

	_ = h.writeEvent(protocol.ExecResult(exitCode, stdout.String(), stderr.String()))
}

// cappedBuffer keeps the first cap bytes and silently discards the rest so
// a chatty command cannot blow the frame limit.
type cappedBuffer struct {
	buf []byte
	cap int
}

func newCappedBuffer(cap int) *cappedBuffer {
	return &cappedBuffer{cap: cap}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.cap - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}

var _ io.Writer = (*cappedBuffer)(nil)
