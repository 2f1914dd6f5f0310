package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashrun/ash/pkg/client"
)

// Version is set at build time via -ldflags "-X main.Version=v0.3.0".
var Version = "dev"

// Exit codes. Usage mistakes and API rejections are the caller's fault;
// transport failures and 5xx responses are the server's.
const (
	exitUser   = 1
	exitServer = 2
)

var (
	serverURL string
	apiKey    string
)

var rootCmd = &cobra.Command{
	Use:   "ash",
	Short: "Ash - sandboxed AI agent sessions",
	Long: `Ash hosts long-lived AI agent sessions in isolated sandboxes and exposes
them over an HTTP API. The CLI talks to a running server; start one with
"ash server start" (or "ash server run" to stay in the foreground).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $ASH_SERVER_URL or "+client.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default $ASH_API_KEY)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUser)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ash %s\n", Version)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Run: func(cmd *cobra.Command, args []string) {
			c := newClient()
			h, err := c.Health(cmd.Context())
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s (mode %s", h.Status, h.Mode)
			if h.Version != "" {
				fmt.Printf(", version %s", h.Version)
			}
			fmt.Println(")")
		},
	}
}

// newClient builds the API client from flags and environment.
func newClient() *client.Client {
	base := serverURL
	if base == "" {
		base = os.Getenv("ASH_SERVER_URL")
	}
	return newClientWithBase(base)
}

func newClientWithBase(base string) *client.Client {
	key := apiKey
	if key == "" {
		key = os.Getenv("ASH_API_KEY")
	}

	var opts []client.Option
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(base, opts...)
}

// fail prints the error and exits. API rejections below 500 count as user
// errors; everything else, including unreachable servers, as server errors.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		os.Exit(exitUser)
	}
	os.Exit(exitServer)
}

// failUser prints a usage-level complaint and exits 1.
func failUser(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(exitUser)
}
