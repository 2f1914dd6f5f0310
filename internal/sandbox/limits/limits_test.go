package limits

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestBuildEnvAllowlist(t *testing.T) {
	t.Setenv("ASH_LEAKED_SECRET", "topsecret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	env := BuildEnv(nil)

	if _, ok := envValue(env, "ASH_LEAKED_SECRET"); ok {
		t.Error("expected non-allowlisted ambient variable to be dropped")
	}
	if val, ok := envValue(env, "ANTHROPIC_API_KEY"); !ok || val != "sk-test" {
		t.Errorf("expected allowlisted variable to pass through, got %q", val)
	}
	if _, ok := envValue(env, "PATH"); !ok {
		t.Error("expected PATH to pass through")
	}
}

func TestBuildEnvExtrasWin(t *testing.T) {
	t.Setenv("HOME", "/home/host")

	env := BuildEnv(map[string]string{
		"HOME":              "/work/sandbox",
		"ASH_BRIDGE_SOCKET": "/work/bridge.sock",
	})

	if val, _ := envValue(env, "HOME"); val != "/work/sandbox" {
		t.Errorf("expected explicit HOME to win, got %q", val)
	}
	if val, _ := envValue(env, "ASH_BRIDGE_SOCKET"); val != "/work/bridge.sock" {
		t.Errorf("expected explicit variable to be added, got %q", val)
	}

	// Sorted output keeps process listings stable.
	for i := 1; i < len(env); i++ {
		if strings.Compare(env[i-1], env[i]) > 0 {
			t.Errorf("expected sorted env, %q before %q", env[i-1], env[i])
		}
	}
}

func TestCapabilitiesAllEnforced(t *testing.T) {
	if (Capabilities{}).AllEnforced() {
		t.Error("expected empty capabilities to not be all-enforced")
	}
	all := Capabilities{FilesystemIsolated: true, CPUCapped: true, MemCapped: true, ProcessCapped: true}
	if !all.AllEnforced() {
		t.Error("expected full capabilities to be all-enforced")
	}
	all.CPUCapped = false
	if all.AllEnforced() {
		t.Error("expected one missing capability to break all-enforced")
	}
}

func TestCapsFromConfig(t *testing.T) {
	caps := CapsFromConfig(config.LimitsConfig{MemoryMB: 512, CPUs: 0.5, DiskMB: 256, MaxProcs: 32})
	if caps.MemoryMB != 512 || caps.CPUs != 0.5 || caps.DiskMB != 256 || caps.MaxProcs != 32 {
		t.Errorf("unexpected caps: %+v", caps)
	}
}

func TestWorkspaceSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.bin"), make([]byte, 500), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := WorkspaceSize(dir); got != 1500 {
		t.Errorf("expected workspace size 1500, got %d", got)
	}
}

func TestDiskMonitorFiresOnceOverLimit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 2<<20), 0o644); err != nil {
		t.Fatal(err)
	}

	fired := make(chan int64, 2)
	mon := NewDiskMonitor(dir, 1, 10*time.Millisecond, testLogger(t), func(size int64) {
		fired <- size
	})
	mon.Start()
	defer mon.Stop()

	select {
	case size := <-fired:
		if size < 2<<20 {
			t.Errorf("expected reported size >= 2MiB, got %d", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected disk monitor to fire")
	}

	// The monitor is one-shot.
	select {
	case <-fired:
		t.Error("expected no second callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDiskMonitorUnderLimit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "small.txt"), []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}

	fired := make(chan int64, 1)
	mon := NewDiskMonitor(dir, 100, 10*time.Millisecond, testLogger(t), func(size int64) {
		fired <- size
	})
	mon.Start()

	select {
	case <-fired:
		t.Error("expected no callback under the limit")
	case <-time.After(100 * time.Millisecond):
	}
	mon.Stop()
}
