package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashrun/ash/internal/snapshot"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage deployed agents",
	}
	cmd.AddCommand(agentDeployCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentInfoCmd())
	cmd.AddCommand(agentDeleteCmd())
	return cmd
}

func agentDeployCmd() *cobra.Command {
	var serverPath bool

	cmd := &cobra.Command{
		Use:   "deploy <name> <dir>",
		Short: "Deploy an agent bundle (redeploying bumps its version)",
		Long: `Deploy packs the directory into a bundle and uploads it. The directory
must contain CLAUDE.md at its root. With --server-path the directory is taken
to be a path on the server's own filesystem and nothing is uploaded.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			name, dir := args[0], args[1]
			c := newClient()

			if serverPath {
				agent, err := c.DeployAgentPath(cmd.Context(), name, dir)
				if err != nil {
					fail(err)
				}
				fmt.Printf("deployed %s (version %d)\n", agent.Name, agent.Version)
				return
			}

			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				failUser("%s is not a directory", dir)
			}

			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(snapshot.WriteBundleArchive(pw, dir))
			}()
			agent, err := c.DeployAgentBundle(cmd.Context(), name, pr)
			if err != nil {
				fail(err)
			}
			fmt.Printf("deployed %s (version %d)\n", agent.Name, agent.Version)
		},
	}
	cmd.Flags().BoolVar(&serverPath, "server-path", false, "treat <dir> as a path on the server's filesystem")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed agents",
		Run: func(cmd *cobra.Command, args []string) {
			agents, err := newClient().ListAgents(cmd.Context())
			if err != nil {
				fail(err)
			}
			if len(agents) == 0 {
				fmt.Println("no agents deployed")
				return
			}
			fmt.Printf("%-24s %-8s %s\n", "NAME", "VERSION", "UPDATED")
			for _, a := range agents {
				fmt.Printf("%-24s %-8d %s\n", a.Name, a.Version, a.UpdatedAt.Format(time.RFC3339))
			}
		},
	}
}

func agentInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show one agent and its bundle files",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newClient()
			agent, err := c.GetAgent(cmd.Context(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("%-10s %s\n", "Name:", agent.Name)
			fmt.Printf("%-10s %d\n", "Version:", agent.Version)
			fmt.Printf("%-10s %s\n", "Created:", agent.CreatedAt.Format(time.RFC3339))
			fmt.Printf("%-10s %s\n", "Updated:", agent.UpdatedAt.Format(time.RFC3339))

			files, err := c.AgentFiles(cmd.Context(), agent.Name)
			if err != nil {
				fail(err)
			}
			fmt.Println("Files:")
			for _, f := range files {
				if f.Dir {
					fmt.Printf("  %s/\n", f.Path)
					continue
				}
				fmt.Printf("  %s (%d bytes)\n", f.Path, f.Size)
			}
		},
	}
}

func agentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an agent (live sessions keep their copy)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := newClient().DeleteAgent(cmd.Context(), args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("deleted %s\n", args[0])
		},
	}
}
