package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/fsbridge/internal/memory"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show context-memory totals for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}

			stats, err := a.store.Stats(cmd.Context(), a.guard.Root())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project:       %s\n", a.guard.Root())
			fmt.Fprintf(out, "sessions:      %d\n", stats.Sessions)
			fmt.Fprintf(out, "turns:         %d\n", stats.Turns)
			fmt.Fprintf(out, "summaries:     %d\n", stats.Summaries)
			fmt.Fprintf(out, "total tokens:  %d\n", stats.TotalTokens)
			fmt.Fprintf(out, "total cost:    $%.4f\n", stats.TotalCost)
			fmt.Fprintf(out, "tokens saved:  %d\n", stats.TokensSaved)
			if stats.OldestTurn != nil {
				fmt.Fprintf(out, "oldest turn:   %s\n", stats.OldestTurn.Format(time.RFC3339))
			}
			if stats.NewestTurn != nil {
				fmt.Fprintf(out, "newest turn:   %s\n", stats.NewestTurn.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newSummarizeCmd(opts *rootOptions) *cobra.Command {
	var sessionID, period string
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Condense a session or a recent period into a recallable summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}
			ctx := cmd.Context()

			var sum *memory.Summary
			switch {
			case period != "":
				if sessionID != "" {
					return fmt.Errorf("--session and --period are mutually exclusive")
				}
				sum, err = a.store.SummarizePeriod(ctx, a.guard.Root(), period)
			default:
				if sessionID == "" {
					sessions, err := a.store.ListSessions(ctx, a.guard.Root(), 1)
					if err != nil {
						return err
					}
					if len(sessions) == 0 {
						return fmt.Errorf("no sessions recorded for this workspace")
					}
					sessionID = sessions[0].ID
				}
				sum, err = a.store.Summarize(ctx, sessionID)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if sum.SessionID != "" {
				fmt.Fprintf(out, "session:      %s\n", sum.SessionID)
			} else {
				fmt.Fprintf(out, "period:       %s\n", sum.Period)
			}
			fmt.Fprintf(out, "summary:      %s\n", sum.Text)
			if len(sum.Topics) > 0 {
				fmt.Fprintf(out, "topics:       %s\n", strings.Join(sum.Topics, ", "))
			}
			if len(sum.Files) > 0 {
				fmt.Fprintf(out, "files:        %s\n", strings.Join(sum.Files, ", "))
			}
			fmt.Fprintf(out, "tokens saved: %d\n", sum.TokensSaved)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the most recent)")
	cmd.Flags().StringVar(&period, "period", "", "summarize a time window instead: last_hour, last_day or last_week")
	return cmd
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Summarize and delete turns older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}
			if days == 0 {
				days = a.cfg.RetentionDays
			}

			report, err := a.store.Cleanup(cmd.Context(), a.guard.Root(), days)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "turns deleted:    %d\n", report.TurnsDeleted)
			fmt.Fprintf(out, "sessions deleted: %d\n", report.SessionsDeleted)
			if report.SummaryCreated {
				fmt.Fprintf(out, "covering summary created (%d tokens saved)\n", report.TokensSaved)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (config default if 0)")
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}

			sessions, err := a.store.ListSessions(cmd.Context(), a.guard.Root(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions recorded")
				return nil
			}
			for _, s := range sessions {
				state := "open"
				if s.EndedAt != nil {
					state = "ended"
				}
				fmt.Fprintf(out, "%s  %s  %s  %d turns  %d tokens  $%.4f\n",
					s.ID, s.StartedAt.Format("2006-01-02 15:04"), state, s.TurnCount, s.TotalTokens, s.TotalCost)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}
