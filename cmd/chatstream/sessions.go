package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatstream-dev/chatstream"
	"github.com/chatstream-dev/chatstream/pkg/history"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored conversations",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	cmd.AddCommand(newSessionsRenameCmd())
	return cmd
}

// withHistory opens the configured history backend for one command.
func withHistory(fn func(ctx context.Context, store history.Store) error) error {
	cfg, err := chatstream.LoadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := chatstream.NewHistory(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("history is disabled (backend %q)", cfg.History.Backend)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, store)
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, store history.Store) error {
				metas, err := store.ListSessions(ctx)
				if err != nil {
					return err
				}
				if len(metas) == 0 {
					fmt.Println("no stored sessions")
					return nil
				}
				for _, m := range metas {
					name := m.Name
					if name == "" {
						name = "(unnamed)"
					}
					fmt.Printf("%s  %-40s  %s\n", m.ID, name, m.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete stored sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, store history.Store) error {
				for _, id := range args {
					if err := store.Delete(ctx, id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Printf("deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newSessionsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a stored session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, store history.Store) error {
				name := strings.Join(args[1:], " ")
				if err := store.Rename(ctx, args[0], name); err != nil {
					return err
				}
				fmt.Printf("renamed %s to %q\n", args[0], name)
				return nil
			})
		},
	}
}
