package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/stores"
)

func newHistoryCommand(version string) *cobra.Command {
	var (
		limit  int
		entry  string
		status string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run journal",
		Long: `List recorded runs, newest first.

Runs are recorded in the SQLite journal configured by "store" in shipyard.yaml.
Run IDs may be abbreviated to any unique prefix.`,
		Example: `  # Last 20 runs
  shipyard history

  # Failed deploys
  shipyard history --entry deploy --status failed

  # Details of one run
  shipyard history show 3f2a9c`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if err := engine.RunStatus(status).Validate(); err != nil {
					return err
				}
			}
			return withJournal(cmd.Context(), version, func(ctx context.Context, j *stores.SQLiteStore) error {
				runs, err := j.ListRuns(ctx, stores.RunFilter{
					Entry:  entry,
					Status: engine.RunStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tENTRY\tSTATUS\tHOSTS\tFAILED\tSTARTED\tDURATION\tUSER")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
						shortID(r.ID), r.Entry, r.Status, r.Hosts, r.Failed,
						r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond), r.User)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 = all)")
	cmd.Flags().StringVar(&entry, "entry", "", "only runs of this task")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, succeeded, failed, partial, cancelled)")

	cmd.AddCommand(newHistoryShowCommand(version))
	cmd.AddCommand(newHistoryEventsCommand(version))
	cmd.AddCommand(newHistoryPruneCommand(version))
	cmd.AddCommand(newHistoryDeleteCommand(version))

	return cmd
}

func newHistoryShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the hosts and tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), version, func(ctx context.Context, j *stores.SQLiteStore) error {
				run, err := j.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				hosts, err := j.ListHostRuns(ctx, run.ID)
				if err != nil {
					return err
				}
				tasks, err := j.ListTaskResults(ctx, run.ID, "")
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, struct {
						Run   *stores.Run          `json:"run"`
						Hosts []*stores.HostRun    `json:"hosts"`
						Tasks []*stores.TaskRecord `json:"tasks"`
					}{run, hosts, tasks})
				}

				fmt.Fprintf(out, "Run:      %s\n", run.ID)
				fmt.Fprintf(out, "Entry:    %s\n", run.Entry)
				fmt.Fprintf(out, "Status:   %s\n", run.Status)
				fmt.Fprintf(out, "User:     %s\n", run.User)
				fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
				fmt.Fprintf(out, "Duration: %s\n", run.Duration.Round(time.Millisecond))
				if run.Error != nil {
					fmt.Fprintf(out, "Error:    %s\n", *run.Error)
				}
				fmt.Fprintf(out, "Schedule: %d task(s)\n", len(run.Schedule))

				byHost := make(map[string][]*stores.TaskRecord)
				for _, t := range tasks {
					byHost[t.Host] = append(byHost[t.Host], t)
				}
				for _, h := range hosts {
					fmt.Fprintf(out, "\n%s  %s  %s\n", h.Host, h.Status, h.Duration.Round(time.Millisecond))
					if h.Error != nil {
						fmt.Fprintf(out, "  error: %s\n", *h.Error)
					}
					for _, t := range byHost[h.Host] {
						indent := ""
						for i := 1; i < t.Depth; i++ {
							indent += "  "
						}
						where := ""
						if t.ExecHost != t.Host {
							where = " @" + t.ExecHost
						}
						fmt.Fprintf(out, "  %s%-9s %s%s (%s)\n", indent, t.Status, t.Task, where, t.Duration.Round(time.Millisecond))
						if t.Error != nil {
							fmt.Fprintf(out, "  %s          %s\n", indent, *t.Error)
						}
					}
				}
				return nil
			})
		},
	}
}

func newHistoryEventsCommand(version string) *cobra.Command {
	var (
		host  string
		level string
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), version, func(ctx context.Context, j *stores.SQLiteStore) error {
				run, err := j.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := j.ListEvents(ctx, stores.EventFilter{
					RunID: run.ID,
					Host:  host,
					Level: stores.EventLevel(level),
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, events)
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tHOST\tMESSAGE")
				for _, e := range events {
					h := ""
					if e.Host != nil {
						h = *e.Host
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Type, h, e.Message)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "only events of this host")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (debug, info, warning, error)")

	return cmd
}

func newHistoryPruneCommand(version string) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), version, func(ctx context.Context, j *stores.SQLiteStore) error {
				deleted, err := j.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", deleted)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "number of runs to keep")

	return cmd
}

func newHistoryDeleteCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), version, func(ctx context.Context, j *stores.SQLiteStore) error {
				run, err := j.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if err := j.DeleteRun(ctx, run.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", run.ID)
				return nil
			})
		},
	}
}

// withJournal opens the journal, calls fn and closes everything again.
func withJournal(ctx context.Context, version string, fn func(context.Context, *stores.SQLiteStore) error) error {
	journal, tel, err := openJournal(ctx, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = journal.Close()
		_ = tel.Shutdown(sctx)
	}()
	return fn(ctx, journal)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
