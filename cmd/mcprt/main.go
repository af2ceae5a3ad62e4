// Command mcprt connects to an MCP server over stdio and exercises the handshake.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corebridge/mcprt"
)

var (
	command string
	args    []string
	env     []string
	workDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mcprt",
	Short: "mcprt drives an MCP session over a pluggable transport",
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "spawn a server over stdio, initialize, and list its tools",
	RunE:  runConnect,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceUsage = true

	connectCmd.Flags().StringVar(&command, "command", "", "child process command to spawn (required)")
	connectCmd.Flags().StringSliceVar(&args, "args", nil, "child process arguments")
	connectCmd.Flags().StringSliceVar(&env, "env", nil, "child process environment as KEY=VALUE, repeatable")
	connectCmd.Flags().StringVar(&workDir, "workdir", "", "child process working directory")
	connectCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	_ = connectCmd.MarkFlagRequired("command")

	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConnect(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	envMap := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		envMap[k] = v
	}

	transport, err := mcprt.NewStdioTransport(mcprt.StdioParams{
		Command:    command,
		Args:       args,
		Env:        envMap,
		WorkingDir: workDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", command, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client, err := mcprt.NewClient(ctx, mcprt.Info{Name: "mcprt", Version: "dev"}, transport,
		mcprt.WithRootsCapability(),
		mcprt.WithClientLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("construct client: %w", err)
	}
	defer client.Close()

	result, err := client.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Printf("connected to %s %s (protocol %s)\n", result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Println("ping ok")

	if result.Capabilities.Tools != nil {
		tools, err := client.ListTools(ctx, "")
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		fmt.Printf("%d tool(s):\n", len(tools.Tools))
		for _, t := range tools.Tools {
			fmt.Printf("  %s - %s\n", t.Name, t.Description)
		}
	}

	return client.CloseGracefully(ctx)
}
