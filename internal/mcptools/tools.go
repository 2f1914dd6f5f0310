package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/logger"
	v1 "github.com/ashrun/ash/pkg/api/v1"
	"github.com/ashrun/ash/pkg/client"
)

func registerTools(s *server.MCPServer, api *client.Client, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("ash_list_agents",
			mcp.WithDescription("List the agents deployed on the Ash coordinator. Use this first to find agent names for ash_create_session."),
		),
		listAgentsHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("ash_create_session",
			mcp.WithDescription("Create a new Ash session for a deployed agent. Returns the session ID used by the other tools."),
			mcp.WithString("agent",
				mcp.Required(),
				mcp.Description("Name of a deployed agent"),
			),
			mcp.WithString("model",
				mcp.Description("Model override for this session (optional)"),
			),
			mcp.WithObject("env",
				mcp.Description("Extra environment variables for the sandbox as a string-to-string object (optional)"),
			),
		),
		createSessionHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("ash_send_message",
			mcp.WithDescription("Send a message to an Ash session and wait for the agent's reply. Blocks until the turn completes and returns the final text."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to send to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message content"),
			),
		),
		sendMessageHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("ash_exec",
			mcp.WithDescription("Run a shell command inside a session's sandbox and return exit code, stdout, and stderr."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session whose sandbox runs the command"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The shell command to run"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Command timeout in seconds (optional, server default when omitted)"),
			),
		),
		execHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("ash_end_session",
			mcp.WithDescription("End an Ash session permanently. The sandbox is destroyed; the transcript stays readable."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to end"),
			),
		),
		endSessionHandler(api, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func listAgentsHandler(api *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := api.ListAgents(ctx)
		if err != nil {
			log.Error("list agents failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}
		if len(agents) == 0 {
			return mcp.NewToolResultText("No agents deployed."), nil
		}
		formatted, _ := json.MarshalIndent(agents, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func createSessionHandler(api *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		create := v1.CreateSessionRequest{
			Agent: agent,
			Model: req.GetString("model", ""),
		}
		if raw, ok := req.GetArguments()["env"]; ok {
			env, err := stringMap(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid env: %v", err)), nil
			}
			create.Env = env
		}

		sess, err := api.CreateSession(ctx, create)
		if err != nil {
			log.Error("create session failed", zap.String("agent", agent), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create session: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(sess, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendMessageHandler(api *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		stream, err := api.SendMessage(ctx, sessionID, v1.SendMessageRequest{Content: message})
		if err != nil {
			log.Error("send message failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}

		res, err := stream.Collect()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Stream broke mid-turn: %v", err)), nil
		}
		if res.ErrorText != "" {
			return mcp.NewToolResultError(fmt.Sprintf("Agent turn failed: %s", res.ErrorText)), nil
		}
		if res.Text == "" {
			return mcp.NewToolResultText("(the agent produced no text this turn)"), nil
		}
		return mcp.NewToolResultText(res.Text), nil
	}
}

func execHandler(api *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var timeout time.Duration
		if raw, ok := req.GetArguments()["timeout_seconds"]; ok {
			secs, ok := raw.(float64)
			if !ok || secs < 0 {
				return mcp.NewToolResultError("timeout_seconds must be a non-negative number"), nil
			}
			timeout = time.Duration(secs * float64(time.Second))
		}

		result, err := api.Exec(ctx, sessionID, command, timeout)
		if err != nil {
			log.Error("exec failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to run command: %v", err)), nil
		}

		text := formatExecResult(result)
		if result.ExitCode != 0 {
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func endSessionHandler(api *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := api.EndSession(ctx, sessionID)
		if err != nil {
			log.Error("end session failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to end session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s ended (status: %s).", sess.ID, sess.Status)), nil
	}
}

func formatExecResult(r *v1.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", r.ExitCode)
	if r.Stdout != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Stdout == "" && r.Stderr == "" {
		b.WriteString("(no output)\n")
	}
	return b.String()
}

// stringMap coerces a decoded JSON object into the string-to-string map the
// session API expects.
func stringMap(raw any) (map[string]string, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", raw)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value for %q must be a string, got %T", k, v)
		}
		out[k] = s
	}
	return out, nil
}
