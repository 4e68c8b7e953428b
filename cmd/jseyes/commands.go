package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/imjszhang/js-eyes/internal/automation"
	"github.com/imjszhang/js-eyes/internal/tablock"
)

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List connected browsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				data, err := c.ListClients(ctx, callOpts()...)
				if err != nil {
					return err
				}
				if len(data.Browsers) == 0 {
					fmt.Println("No browsers connected.")
					return nil
				}
				for _, b := range data.Browsers {
					fmt.Printf("%s  %-8s  %d tabs  (since %s)\n",
						b.ID, b.BrowserName, b.TabCount, b.ConnectedAt.Format(time.DateTime))
				}
				return nil
			})
		},
	}
}

func tabsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List tabs across all browsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				data, err := c.GetTabs(ctx, callOpts()...)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(data)
				}
				for _, t := range data.Tabs {
					marker := " "
					if t.ID == data.ActiveTabID {
						marker = "*"
					}
					fmt.Printf("%s %4d  %-8s  %s  %s\n", marker, t.ID, t.BrowserName, t.URL, t.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func openCmd() *cobra.Command {
	var (
		reuse    bool
		tabID    int
		lockPath string
		lockTTL  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Open a URL in a new or existing tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				if !reuse {
					res, err := c.OpenURL(ctx, url, tabID, callOpts()...)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				res, err := openReusing(ctx, c, url, lockPath, lockTTL)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&reuse, "reuse", false, "reuse a tab already showing the URL")
	cmd.Flags().IntVar(&tabID, "tab", 0, "navigate this tab instead of opening a new one")
	cmd.Flags().StringVar(&lockPath, "lock-db", defaultLockPath(), "tab lock database for --reuse")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", 30*time.Second, "tab lock lease duration")
	return cmd
}

// openReusing opens url unless a tab already shows it. Concurrent runs
// serialize on a per-URL lease so they do not both open the same page.
func openReusing(ctx context.Context, c *automation.Client, url, lockPath string, ttl time.Duration) (*automation.OpenResult, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	locker, err := tablock.Open(lockPath)
	if err != nil {
		return nil, fmt.Errorf("open tab lock: %w", err)
	}
	defer func() { _ = locker.Close() }()

	lockCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	lease, err := acquireTabLock(lockCtx, locker, "open:"+url, ttl, os.Stderr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.Background()) }()

	tabs, err := c.GetTabs(ctx, callOpts()...)
	if err != nil {
		return nil, err
	}
	for _, t := range tabs.Tabs {
		if t.URL != url {
			continue
		}
		if target != "" && t.ClientID != target && !strings.EqualFold(t.BrowserName, target) {
			continue
		}
		return &automation.OpenResult{TabID: t.ID, URL: t.URL, Title: t.Title, Reused: true}, nil
	}
	return c.OpenURL(ctx, url, 0, callOpts()...)
}

// acquireTabLock takes the lease on key, reporting the current holder to w
// when it has to wait.
func acquireTabLock(ctx context.Context, locker *tablock.Locker, key string, ttl time.Duration, w io.Writer) (*tablock.Lease, error) {
	lease, err := locker.TryAcquire(ctx, key, ttl)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, tablock.ErrLockHeld) {
		return nil, err
	}
	if owner, expires, ok, herr := locker.Holder(ctx, key); herr == nil && ok {
		fmt.Fprintf(w, "waiting for tab lock held by %s (expires %s)\n", owner, expires.Format(time.TimeOnly))
	}
	return locker.Acquire(ctx, key, ttl)
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <tabId>",
		Short: "Close a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTabID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				return c.CloseTab(ctx, id, callOpts()...)
			})
		},
	}
}

func htmlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "html <tabId>",
		Short: "Print a tab's HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTabID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				html, err := c.GetHTML(ctx, id, callOpts()...)
				if err != nil {
					return err
				}
				fmt.Println(html)
				return nil
			})
		},
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <tabId> <code>",
		Short: "Evaluate JavaScript in a tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTabID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				res, err := c.ExecuteScript(ctx, id, args[1], callOpts()...)
				if err != nil {
					return err
				}
				fmt.Println(string(res.Result))
				return nil
			})
		},
	}
}

func cssCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "css <tabId> <css>",
		Short: "Inject a stylesheet into a tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTabID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				return c.InjectCSS(ctx, id, args[1], callOpts()...)
			})
		},
	}
}

func cookiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cookies <tabId>",
		Short: "Print the cookies visible to a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTabID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				cookies, err := c.GetCookies(ctx, id, callOpts()...)
				if err != nil {
					return err
				}
				return printJSON(cookies)
			})
		},
	}
}

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <requestId>",
		Short: "Fetch the cached result of an earlier call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *automation.Client) error {
				resp, err := c.Result(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
}
