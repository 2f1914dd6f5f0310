// Package limits spawns sandbox child processes under resource caps.
//
// Two runtimes implement the Spawner interface: a plain child process with
// rlimit caps (best effort, the default) and one Docker container per
// sandbox (full isolation). Which caps actually hold is reported through
// Capabilities so the sandbox manager can record them, or refuse to proceed
// when strict mode is on.
package limits

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
)

// Capabilities reports which isolation guarantees the runtime enforced for
// a spawned process.
type Capabilities struct {
	FilesystemIsolated bool `json:"filesystemIsolated"`
	CPUCapped          bool `json:"cpuCapped"`
	MemCapped          bool `json:"memCapped"`
	ProcessCapped      bool `json:"processCapped"`
}

// AllEnforced reports whether every guarantee holds. Strict mode requires
// this.
func (c Capabilities) AllEnforced() bool {
	return c.FilesystemIsolated && c.CPUCapped && c.MemCapped && c.ProcessCapped
}

// Caps holds the per-sandbox resource ceilings.
type Caps struct {
	MemoryMB int
	CPUs     float64
	DiskMB   int
	MaxProcs int
}

// CapsFromConfig builds Caps from the configured limits.
func CapsFromConfig(cfg config.LimitsConfig) Caps {
	return Caps{
		MemoryMB: cfg.MemoryMB,
		CPUs:     cfg.CPUs,
		DiskMB:   cfg.DiskMB,
		MaxProcs: cfg.MaxProcs,
	}
}

// SpawnSpec describes the child to spawn.
type SpawnSpec struct {
	// Name identifies the sandbox; the docker runtime uses it as the
	// container name.
	Name         string
	Command      string
	Args         []string
	WorkspaceDir string
	// Env is the explicit variable set for the child. It is merged with the
	// host allowlist; ambient environment is never inherited wholesale.
	Env  map[string]string
	Caps Caps
	// Stdout and Stderr receive the child's output when non-nil.
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how a spawned process ended.
type ExitStatus struct {
	Code     int
	OOM      bool
	MaxRSSKB int64
	Err      error
}

// Process is a handle to a spawned sandbox process.
type Process interface {
	// PID returns the host process id, or 0 when the runtime does not
	// expose one.
	PID() int
	// Wait blocks until the process exits and returns its status. Safe to
	// call from multiple goroutines.
	Wait() ExitStatus
	// Signal delivers sig to the process (and its group where supported).
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
	// Caps reports which guarantees held for this process.
	Caps() Capabilities
}

// Spawner spawns sandbox processes under the runtime's isolation.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// NewSpawner selects the runtime from configuration.
func NewSpawner(cfg *config.Config, log *logger.Logger) (Spawner, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		return newDockerSpawner(cfg, log)
	case config.RuntimeProcess, "":
		return newProcessSpawner(cfg.StrictSandbox, log), nil
	default:
		return nil, errs.Newf(errs.KindBadRequest, "unknown sandbox runtime: %s", cfg.Runtime)
	}
}

// envAllowlist names the host variables a sandbox may see. Everything else
// in the ambient environment stays out.
var envAllowlist = []string{
	"PATH",
	"HOME",
	"LANG",
	"TERM",
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_CUSTOM_HEADERS",
	"ASH_USE_REAL_SDK",
	"ASH_BRIDGE_LOG_LEVEL",
}

// credentialKeys are the upstream-SDK variables the coordinator forwards to
// sandboxes explicitly, so a sandbox hosted on a remote runner sees the
// coordinator's credentials rather than the runner host's.
var credentialKeys = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_CUSTOM_HEADERS",
	"ASH_USE_REAL_SDK",
}

// CredentialEnv collects the upstream-SDK credentials present in this
// process's environment.
func CredentialEnv() map[string]string {
	out := make(map[string]string, len(credentialKeys))
	for _, key := range credentialKeys {
		if val, ok := os.LookupEnv(key); ok {
			out[key] = val
		}
	}
	return out
}

// BuildEnv returns the child environment as KEY=VALUE pairs: the host
// allowlist merged with the caller's explicit variables. Caller values win
// on collisions. Output is sorted for stable process listings.
func BuildEnv(extra map[string]string) []string {
	merged := make(map[string]string, len(envAllowlist)+len(extra))
	for _, key := range envAllowlist {
		if val, ok := os.LookupEnv(key); ok {
			merged[key] = val
		}
	}
	for key, val := range extra {
		merged[key] = val
	}

	out := make([]string, 0, len(merged))
	for key, val := range merged {
		out = append(out, key+"="+val)
	}
	sort.Strings(out)
	return out
}

// envValue extracts a variable from a KEY=VALUE list.
func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
