// jseyes is a command-line client for the JS-Eyes relay broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imjszhang/js-eyes/internal/automation"
)

var (
	brokerURL string
	token     string
	target    string
	timeout   time.Duration
	verbose   bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jseyes",
		Short:         "Drive browsers through the JS-Eyes broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `jseyes sends automation commands to browsers connected to a JS-Eyes broker.

Examples:
  jseyes clients                          # List connected browsers
  jseyes tabs                             # List every tab
  jseyes open https://example.com --reuse # Open, or reuse an open tab
  jseyes html 12                          # Print a tab's HTML
  jseyes exec 12 "document.title"         # Evaluate JavaScript
  jseyes --target firefox cookies 12      # Address a specific browser`,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&brokerURL, "url", envOr("JSEYES_URL", "ws://localhost:18080/ws"), "broker WebSocket URL")
	flags.StringVar(&token, "token", os.Getenv("JSEYES_TOKEN"), "broker bearer token")
	flags.StringVar(&target, "target", "", "agent id, client id or browser name")
	flags.DurationVar(&timeout, "timeout", automation.DefaultCallTimeout, "per-call timeout")
	flags.BoolVar(&verbose, "verbose", false, "log connection details to stderr")

	cmd.AddCommand(
		clientsCmd(),
		tabsCmd(),
		openCmd(),
		closeCmd(),
		htmlCmd(),
		execCmd(),
		cssCmd(),
		cookiesCmd(),
		resultCmd(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// connect dials the broker with the global flags.
func connect(ctx context.Context) (*automation.Client, error) {
	log := zerolog.Nop()
	if verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return automation.Dial(dialCtx, brokerURL,
		automation.WithToken(token),
		automation.WithLogger(log),
		automation.WithDefaultTimeout(timeout),
	)
}

// callOpts returns the per-call options from the global flags.
func callOpts() []automation.CallOption {
	if target == "" {
		return nil
	}
	return []automation.CallOption{automation.WithTarget(target)}
}

// withClient runs fn with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *automation.Client) error) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTabID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tab id %q", s)
	}
	return id, nil
}

// defaultLockPath is the tab lock database shared by concurrent jseyes runs.
func defaultLockPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "jseyes", "tablock.db")
}
