package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/ashrun/ash/pkg/api/v1"
	"github.com/ashrun/ash/pkg/client"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
	}
	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionSendCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionEndCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var (
		model      string
		envPairs   []string
		scriptPath string
	)
	cmd := &cobra.Command{
		Use:   "create <agent>",
		Short: "Create a session and start its sandbox",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := v1.CreateSessionRequest{Agent: args[0], Model: model}

			if len(envPairs) > 0 {
				req.Env = make(map[string]string, len(envPairs))
				for _, pair := range envPairs {
					k, v, ok := strings.Cut(pair, "=")
					if !ok || k == "" {
						failUser("--env expects KEY=VALUE, got %q", pair)
					}
					req.Env[k] = v
				}
			}
			if scriptPath != "" {
				script, err := os.ReadFile(scriptPath)
				if err != nil {
					failUser("cannot read startup script: %v", err)
				}
				req.StartupScript = string(script)
			}

			sess, err := newClient().CreateSession(cmd.Context(), req)
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s (%s, agent %s)\n", sess.ID, sess.Status, sess.AgentName)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model override for this session")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "extra sandbox environment, KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&scriptPath, "startup-script", "", "shell script to run in the workspace before the agent starts")
	return cmd
}

func sessionSendCmd() *cobra.Command {
	var partials bool

	cmd := &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a message and stream the reply",
		Long: `Send submits one turn and renders the stream: assistant text goes to
stdout, tool activity to stderr. Ctrl-C interrupts the turn; the work done
so far stays in the session.`,
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id := args[0]
			content := strings.Join(args[1:], " ")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream, err := newClient().SendMessage(ctx, id, v1.SendMessageRequest{
				Content:                content,
				IncludePartialMessages: partials,
			})
			if err != nil {
				fail(err)
			}
			defer func() { _ = stream.Close() }()

			if code := renderStream(ctx.Done(), stream); code != 0 {
				os.Exit(code)
			}
		},
	}
	cmd.Flags().BoolVar(&partials, "partials", false, "stream token deltas instead of whole text blocks")
	return cmd
}

// renderStream drains one turn to the terminal and returns the exit code.
func renderStream(interrupted <-chan struct{}, stream *client.Stream) int {
	wroteText := false
	failed := false

	for {
		frame, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			select {
			case <-interrupted:
				fmt.Fprintln(os.Stderr, "\ninterrupted")
				return exitUser
			default:
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			return exitServer
		}

		switch frame.Event {
		case v1.FrameText:
			var p struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(frame.Data, &p) == nil && p.Text != "" {
				fmt.Print(p.Text)
				wroteText = true
			}
		case v1.FrameTextDelta:
			var p struct {
				Delta string `json:"delta"`
			}
			if json.Unmarshal(frame.Data, &p) == nil && p.Delta != "" {
				fmt.Print(p.Delta)
				wroteText = true
			}
		case v1.FrameToolUse:
			var p struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(frame.Data, &p) == nil {
				fmt.Fprintf(os.Stderr, "[tool] %s\n", p.Name)
			}
		case v1.FrameToolResult:
			var p struct {
				IsError bool `json:"is_error"`
			}
			if json.Unmarshal(frame.Data, &p) == nil && p.IsError {
				fmt.Fprintln(os.Stderr, "[tool] failed")
			}
		case v1.FrameError:
			var p v1.ErrorData
			if json.Unmarshal(frame.Data, &p) == nil {
				fmt.Fprintln(os.Stderr, "Error:", p.Error)
			}
			failed = true
		}
	}

	if wroteText {
		fmt.Println()
	}
	if failed {
		return exitServer
	}
	return 0
}

func sessionListCmd() *cobra.Command {
	var (
		agent  string
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			sessions, err := newClient().ListSessions(cmd.Context(), client.ListSessionsOptions{
				Agent:  agent,
				Status: status,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				fail(err)
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return
			}
			fmt.Printf("%-36s %-20s %-9s %s\n", "ID", "AGENT", "STATUS", "LAST ACTIVE")
			for _, s := range sessions {
				fmt.Printf("%-36s %-20s %-9s %s\n", s.ID, s.AgentName, s.Status, s.LastActiveAt.Format(time.RFC3339))
			}
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only sessions for this agent")
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session permanently and tear down its sandbox",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sess, err := newClient().EndSession(cmd.Context(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s ended\n", sess.ID)
		},
	}
}
