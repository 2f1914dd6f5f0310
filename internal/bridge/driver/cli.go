package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ashrun/ash/internal/common/logger"
	"go.uber.org/zap"
)

const (
	realBinary = "claude"
	mockBinary = "ash-mock-agent"
)

// Options configures the CLI driver.
type Options struct {
	// WorkspaceDir is the working directory for the agent process.
	WorkspaceDir string
	// SystemPrompt is appended to the agent's system prompt when non-empty.
	SystemPrompt string
	// UseRealSDK selects the real CLI instead of the mock agent.
	UseRealSDK bool
	// Binary overrides autodetection when set.
	Binary string
	// LogSink receives the CLI's stderr lines when set.
	LogSink func(text string)
}

// CLI drives the claude CLI (or the mock agent) in stream-json print mode,
// one process per turn.
type CLI struct {
	opts Options
	bin  string
	log  *logger.Logger
}

// NewCLI creates a CLI driver.
func NewCLI(opts Options, log *logger.Logger) *CLI {
	bin := opts.Binary
	if bin == "" {
		if opts.UseRealSDK {
			bin = realBinary
		} else {
			bin = findMockBinary()
		}
	}
	return &CLI{
		opts: opts,
		bin:  bin,
		log:  log.WithFields(zap.String("component", "sdk-driver")),
	}
}

// findMockBinary locates the mock agent: next to the current executable
// first, then on PATH.
func findMockBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), mockBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(mockBinary); err == nil {
		return path
	}
	return mockBinary
}

// userMessage is the stream-json frame that delivers the prompt on stdin.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messageMeta is the minimal shape sniffed from each upstream line to spot
// the end of the turn and the upstream session id. The full line stays
// opaque.
type messageMeta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (c *CLI) buildArgs(req Request) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.opts.SystemPrompt)
	}
	return args
}

// Query spawns the CLI, writes the prompt as a stream-json user message, and
// forwards every stdout line until the result message closes the turn.
// Cancelling ctx kills the process; the stream still closes cleanly.
func (c *CLI) Query(ctx context.Context, req Request) (*Turn, error) {
	// Not CommandContext: teardown is ordered below so the reader drains
	// before the process handle is released.
	cmd := exec.Command(c.bin, c.buildArgs(req)...)
	cmd.Dir = c.opts.WorkspaceDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent cli: %w", err)
	}

	c.log.Debug("agent cli started",
		zap.String("binary", c.bin),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", req.SessionID != ""))

	// The prompt goes in as one user message; resume sends an empty one so
	// the SDK picks up its own session.
	msg := userMessage{Type: "user", Message: userMessageBody{Role: "user", Content: req.Prompt}}
	data, err := json.Marshal(msg)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}

	turn := newTurn()

	// Kill on cancellation so the scanner unblocks.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-watchDone:
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if c.opts.LogSink != nil {
				c.opts.LogSink(line)
			} else {
				c.log.Debug("agent cli stderr", zap.String("line", line))
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		sessionID := req.SessionID
		sawResult := false

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}

			out := make([]byte, len(line))
			copy(out, line)

			var meta messageMeta
			if err := json.Unmarshal(out, &meta); err != nil {
				c.log.Warn("unparseable agent cli line", zap.String("line", string(out)))
				continue
			}
			if meta.SessionID != "" {
				sessionID = meta.SessionID
			}

			select {
			case turn.messages <- out:
			case <-ctx.Done():
			}

			if meta.Type == "result" {
				sawResult = true
				break
			}
		}

		scanErr := scanner.Err()
		_ = stdin.Close()
		waitErr := cmd.Wait()
		close(watchDone)

		var turnErr error
		switch {
		case ctx.Err() != nil:
			// Interrupted on purpose; not a failure.
		case scanErr != nil:
			turnErr = fmt.Errorf("agent cli stream error: %w", scanErr)
		case !sawResult:
			if waitErr != nil {
				turnErr = fmt.Errorf("agent cli exited before result: %w", waitErr)
			} else {
				turnErr = fmt.Errorf("agent cli exited before result")
			}
		}
		turn.finish(sessionID, turnErr)
	}()

	return turn, nil
}
