package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/internal/storage/sqlite"
)

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Run one eviction pass for a user, or for every user with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		all, _ := cmd.Flags().GetBool("all")
		if (user == "") == !all {
			return errors.New("exactly one of --user or --all is required")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if all {
			reports, err := a.engine.Sweep(ctx)
			if err != nil {
				return err
			}
			printReports(cmd.OutOrStdout(), reports)
			return nil
		}

		report, err := a.engine.MaintainBound(ctx, user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.String())
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract and store personal facts from a query",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, session, query, err := queryFlags(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ext, err := a.engine.Extract(ctx, user, session, query)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*engine.Extraction
			Stored int `json:"stored"`
		}{ext, len(ext.Entries)})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer one query with the user's memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, session, query, err := queryFlags(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		response, err := a.engine.Query(ctx, user, session, query)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), response)
		return nil
	},
}

func queryFlags(cmd *cobra.Command) (user, session, query string, err error) {
	user, _ = cmd.Flags().GetString("user")
	session, _ = cmd.Flags().GetString("session")
	query, _ = cmd.Flags().GetString("query")
	if user == "" || query == "" {
		return "", "", "", errors.New("--user and --query are required")
	}
	return user, session, query, nil
}

func printReports(w io.Writer, reports map[string]engine.Report) {
	users := make([]string, 0, len(reports))
	for u := range reports {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		fmt.Fprintf(w, "%s: %s\n", u, reports[u].String())
	}
}

func init() {
	evictCmd.Flags().String("user", "", "user to evict entries for")
	evictCmd.Flags().Bool("all", false, "sweep every user")

	for _, c := range []*cobra.Command{extractCmd, askCmd} {
		c.Flags().String("user", "", "user ID")
		c.Flags().String("session", "cli", "session ID")
		c.Flags().String("query", "", "query text")
	}

	rootCmd.AddCommand(evictCmd, extractCmd, askCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a verified SQLite backup and prune old ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Engine != "sqlite" {
			return fmt.Errorf("backup requires the sqlite storage engine, got %q", cfg.Storage.Engine)
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = filepath.Join(cfg.Storage.DataPath, "backups")
		}
		keep, _ := cmd.Flags().GetInt("keep")

		ctx := cmd.Context()
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		info, err := store.(*sqlite.Store).Backup(ctx, dir, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", info.Path, info.Size)

		if keep > 0 {
			removed, err := sqlite.PruneBackups(dir, keep)
			for _, p := range removed {
				logger.Info("pruned backup", "path", p)
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().String("dir", "", "backup directory (default <data_path>/backups)")
	backupCmd.Flags().Int("keep", 7, "backups to keep, 0 keeps all")
	rootCmd.AddCommand(backupCmd)
}
