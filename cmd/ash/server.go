package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashrun/ash/internal/common/config"
)

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run and manage the Ash server",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing ash.yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the server in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runServer(configPath)
		},
	})
	cmd.AddCommand(serverStartCmd(&configPath))
	cmd.AddCommand(serverStopCmd(&configPath))
	cmd.AddCommand(serverStatusCmd(&configPath))
	cmd.AddCommand(serverLogsCmd(&configPath))
	return cmd
}

func serverStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server in the background",
		Run: func(cmd *cobra.Command, args []string) {
			if !daemonSupported {
				failUser("server start is not supported on this platform; use ash server run")
			}
			cfg := loadServerConfig(*configPath)

			pidPath := pidfilePath(cfg)
			if pid, ok := readPidfile(pidPath); ok && processAlive(pid) {
				failUser("server already running (pid %d)", pid)
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				fail(err)
			}

			logPath := logfilePath(cfg)
			logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				fail(err)
			}
			defer func() { _ = logFile.Close() }()

			exe, err := os.Executable()
			if err != nil {
				fail(err)
			}
			daemonArgs := []string{"server", "run"}
			if *configPath != "" {
				daemonArgs = append(daemonArgs, "--config", *configPath)
			}
			daemon := exec.Command(exe, daemonArgs...)
			daemon.Stdout = logFile
			daemon.Stderr = logFile
			daemon.Env = os.Environ()
			daemon.SysProcAttr = detachAttr()
			if err := daemon.Start(); err != nil {
				fail(err)
			}

			pid := daemon.Process.Pid
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
				fail(err)
			}
			_ = daemon.Process.Release()

			if err := waitHealthy(cmd.Context(), serverBaseURL(cfg), 15*time.Second); err != nil {
				fmt.Fprintf(os.Stderr, "server started (pid %d) but did not report healthy: %v\ncheck %s\n", pid, err, logPath)
				os.Exit(exitServer)
			}
			fmt.Printf("server started (pid %d)\n", pid)
			fmt.Printf("logs: %s\n", logPath)
		},
	}
}

func serverStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a background server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadServerConfig(*configPath)
			pidPath := pidfilePath(cfg)

			pid, ok := readPidfile(pidPath)
			if !ok {
				failUser("server is not running (no pidfile at %s)", pidPath)
			}
			if !processAlive(pid) {
				_ = os.Remove(pidPath)
				failUser("server is not running (stale pidfile removed)")
			}
			if err := terminateProcess(pid); err != nil {
				fail(err)
			}

			deadline := time.Now().Add(30 * time.Second)
			for processAlive(pid) {
				if time.Now().After(deadline) {
					fmt.Fprintf(os.Stderr, "server (pid %d) did not exit within 30s\n", pid)
					os.Exit(exitServer)
				}
				time.Sleep(200 * time.Millisecond)
			}
			_ = os.Remove(pidPath)
			fmt.Printf("server stopped (pid %d)\n", pid)
		},
	}
}

func serverStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadServerConfig(*configPath)
			pid, ok := readPidfile(pidfilePath(cfg))
			running := ok && processAlive(pid)

			h, herr := newClientWithBase(serverBaseURL(cfg)).Health(cmd.Context())
			switch {
			case herr == nil && running:
				fmt.Printf("running (pid %d): %s, mode %s\n", pid, h.Status, h.Mode)
			case herr == nil:
				fmt.Printf("running (unmanaged): %s, mode %s\n", h.Status, h.Mode)
			case running:
				fmt.Printf("process alive (pid %d) but API unreachable: %v\n", pid, herr)
				os.Exit(exitServer)
			default:
				fmt.Println("stopped")
				os.Exit(exitUser)
			}
		},
	}
}

func serverLogsCmd(configPath *string) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the background server's log",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadServerConfig(*configPath)
			path := logfilePath(cfg)

			f, err := os.Open(path)
			if err != nil {
				failUser("no server log at %s", path)
			}
			defer func() { _ = f.Close() }()

			printLastLines(f, lines)
			if !follow {
				return
			}
			followFile(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	return cmd
}

// printLastLines streams the file once, keeping only the last n lines.
func printLastLines(f *os.File, n int) {
	if n <= 0 {
		n = 100
	}
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	for _, line := range ring {
		fmt.Println(line)
	}
}

// followFile prints everything appended to f until the context ends.
func followFile(ctx context.Context, f *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = os.Stdout.Write(buf[:n])
		}
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

func loadServerConfig(path string) *config.Config {
	cfg, err := config.LoadWithPath(path)
	if err != nil {
		failUser("invalid configuration: %v", err)
	}
	return cfg
}

func pidfilePath(cfg *config.Config) string { return filepath.Join(cfg.DataDir, "ash.pid") }
func logfilePath(cfg *config.Config) string { return filepath.Join(cfg.DataDir, "server.log") }

func readPidfile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// serverBaseURL resolves where the managed server listens: explicit flag and
// environment first, then the configured host and port.
func serverBaseURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("ASH_SERVER_URL"); env != "" {
		return env
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

func waitHealthy(ctx context.Context, baseURL string, timeout time.Duration) error {
	c := newClientWithBase(baseURL)
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
	return lastErr
}
