//go:build !windows

package limits

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"go.uber.org/zap"
)

// processSpawner runs each sandbox as a plain child process in its own
// process group, with rlimit memory and process-count caps where the
// platform supports them. Filesystem and CPU isolation are not enforced.
type processSpawner struct {
	strict bool
	log    *logger.Logger
}

func newProcessSpawner(strict bool, log *logger.Logger) *processSpawner {
	return &processSpawner{
		strict: strict,
		log:    log.WithFields(zap.String("component", "process-spawner")),
	}
}

func (p *processSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if p.strict {
		// The process runtime can never isolate the filesystem or cap CPU.
		return nil, errs.New(errs.KindBadRequest,
			"strict sandbox mode requires the docker runtime")
	}

	// Not CommandContext: the sandbox must outlive the API request that
	// created it.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = BuildEnv(spec.Env)
	cmd.SysProcAttr = buildSysProcAttr()
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "start sandbox process", err)
	}

	caps := applyRlimits(cmd.Process.Pid, spec.Caps, p.log)
	p.log.Info("sandbox process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workspace", spec.WorkspaceDir),
		zap.Bool("mem_capped", caps.MemCapped),
		zap.Bool("procs_capped", caps.ProcessCapped))

	proc := &childProcess{
		cmd:  cmd,
		caps: caps,
		done: make(chan struct{}),
	}
	return proc, nil
}

// childProcess wraps an exec.Cmd with group signalling and exit
// classification.
type childProcess struct {
	cmd    *exec.Cmd
	caps   Capabilities
	killed atomic.Bool

	once   sync.Once
	status ExitStatus
	done   chan struct{}
}

func (c *childProcess) PID() int {
	return c.cmd.Process.Pid
}

func (c *childProcess) Caps() Capabilities {
	return c.caps
}

// Wait reaps the child exactly once; concurrent callers block until the
// first Wait completes and then see the same status.
func (c *childProcess) Wait() ExitStatus {
	c.once.Do(func() {
		err := c.cmd.Wait()
		c.status = c.classifyExit(err)
		close(c.done)
	})
	<-c.done
	return c.status
}

// Signal delivers sig to the whole process group so children spawned by the
// bridge (agent subprocesses, shells) get it too.
func (c *childProcess) Signal(sig os.Signal) error {
	return signalGroup(c.cmd.Process.Pid, sig)
}

// Kill force-terminates the process group. The kill is recorded so the exit
// status is not misread as an OOM kill.
func (c *childProcess) Kill() error {
	c.killed.Store(true)
	return signalGroup(c.cmd.Process.Pid, syscall.SIGKILL)
}

// classifyExit turns the wait error into an ExitStatus, flagging kernel OOM
// kills. A SIGKILL we did not send ourselves is attributed to the OOM
// killer; there is no other SIGKILL source inside the sandbox's group.
func (c *childProcess) classifyExit(err error) ExitStatus {
	st := ExitStatus{}
	if c.cmd.ProcessState != nil {
		if usage, ok := c.cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && usage != nil {
			st.MaxRSSKB = maxRSSKB(usage)
		}
	}

	if err == nil {
		return st
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		st.Code = -1
		st.Err = err
		return st
	}

	st.Code = exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Code = 128 + int(ws.Signal())
		if ws.Signal() == syscall.SIGKILL && !c.killed.Load() {
			st.OOM = true
		}
	}
	return st
}
