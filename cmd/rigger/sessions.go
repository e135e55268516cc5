package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/spf13/cobra"
)

const defaultDBPath = "./data/rigger.db"

// openStore opens an existing database for inspection. It refuses to create one.
func openStore(dbPath string) (*store.SQLiteStore, error) {
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("database %s does not exist", dbPath)
		}
		return nil, fmt.Errorf("stat database: %w", err)
	}
	return store.NewSQLite(dbPath)
}

func newSessionsCmd(dbPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd(dbPath), newSessionsStatsCmd(dbPath))
	return cmd
}

func newSessionsListCmd(dbPath *string) *cobra.Command {
	var filter domain.SessionFilter
	var status, pattern string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = domain.SessionStatus(status)
			filter.Pattern = domain.SessionPattern(pattern)
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if filter.Pattern != "" && !filter.Pattern.Valid() {
				return fmt.Errorf("unknown pattern %q", pattern)
			}

			repo, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			sessions, total, err := repo.ListSessions(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"sessions": sessions, "total": total})
			}
			return writeSessionsTable(cmd.OutOrStdout(), sessions, total)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Filter by pattern (long_running or ephemeral)")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "Filter by tag")
	cmd.Flags().StringVar(&filter.ConversationID, "conversation", "", "Filter by conversation id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Rows to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func writeSessionsTable(w io.Writer, sessions []*domain.Session, total int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPATTERN\tTURNS\tCOST_USD\tTOKENS_IN\tTOKENS_OUT\tCREATED\tREASON")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.4f\t%d\t%d\t%s\t%s\n",
			s.ID, s.Status, s.Pattern, s.NumTurns, s.TotalCostUSD,
			s.InputTokens, s.OutputTokens, s.CreatedAt.Local().Format(time.DateTime), s.TerminationReason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "showing %d of %d sessions\n", len(sessions), total)
	return err
}

func newSessionsStatsCmd(dbPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate session counts and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			stats, err := repo.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("session stats: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "sessions:\t%d\n", stats.Total)
			for _, st := range []domain.SessionStatus{
				domain.StatusInitializing, domain.StatusActive, domain.StatusIdle, domain.StatusStopping,
				domain.StatusCompleted, domain.StatusTerminated, domain.StatusError,
			} {
				if n := stats.ByStatus[st]; n > 0 {
					fmt.Fprintf(tw, "  %s:\t%d\n", st, n)
				}
			}
			fmt.Fprintf(tw, "usage steps:\t%d\n", stats.UsageSteps)
			fmt.Fprintf(tw, "total cost (USD):\t%.4f\n", stats.TotalCostUSD)
			fmt.Fprintf(tw, "input tokens:\t%d\n", stats.InputTokens)
			fmt.Fprintf(tw, "output tokens:\t%d\n", stats.OutputTokens)
			fmt.Fprintf(tw, "cache creation tokens:\t%d\n", stats.CacheCreationTokens)
			fmt.Fprintf(tw, "cached tokens:\t%d\n", stats.CachedTokens)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newUsageCmd(dbPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage <session-id>",
		Short: "Show the usage ledger of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			s, err := repo.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			steps, err := repo.ListUsageSteps(cmd.Context(), s.ID)
			if err != nil {
				return fmt.Errorf("load usage: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"session": s, "steps": steps})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (%s, %s)\n", s.ID, s.Status, s.Pattern)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tTURN\tINPUT\tOUTPUT\tCACHE_WRITE\tCACHE_READ\tCOST_USD\tTOOLS")
			for _, st := range steps {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.4f\t%s\n",
					st.StepID, st.Turn, st.InputTokens, st.OutputTokens,
					st.CacheCreationTokens, st.CacheReadTokens, st.CostUSD, strings.Join(st.Tools, ","))
			}
			fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t%d\t%.4f\t%s\n",
				s.NumTurns, s.InputTokens, s.OutputTokens, s.CacheCreationTokens, s.CachedTokens,
				s.TotalCostUSD, strings.Join(s.ToolsUsed, ","))
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
