package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var (
		hosts         []string
		selector      string
		parallel      bool
		maxParallel   int
		stopOnFailure bool
		dryRun        bool
		lock          string
		overrides     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task on the selected hosts",
		Long: `Expand a task into its schedule and execute it on every selected host.

The schedule is the task's before hooks, the task itself (or each member of a
group), then its after hooks, applied recursively. On each host the first failing
task stops the remaining schedule; other hosts are not affected unless
--stop-on-failure is set.

Each host is locked for the duration of its schedule. A host that is already
locked fails without running anything.

The command exits with status 0 only when every host succeeded.`,
		Example: `  # Deploy to every host of the inventory
  shipyard run deploy

  # Deploy to specific hosts
  shipyard run deploy --hosts web1,web2

  # Deploy to production web servers, four at a time
  shipyard run deploy --selector 'env=prod,role=web' --parallel --max-parallel 4

  # Override a config entry for this run
  shipyard run deploy --set branch=hotfix-42

  # Show what would run without touching the hosts
  shipyard run deploy --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := args[0]

			a, err := newApp(cmd.Context(), version, appOptions{
				lock:      lock,
				journal:   !dryRun,
				metrics:   true,
				overrides: overrides,
			})
			if err != nil {
				return err
			}
			defer a.close()

			targets, err := a.inventory.Select(hosts, selector)
			if err != nil {
				return err
			}

			opts := engine.RunOptions{
				Parallel:          a.settings.Run.Parallel,
				MaxParallel:       a.settings.Run.MaxParallel,
				StopOnHostFailure: a.settings.Run.StopOnFailure,
				DryRun:            dryRun,
				User:              currentUser(),
			}
			if cmd.Flags().Changed("parallel") {
				opts.Parallel = parallel
			}
			if cmd.Flags().Changed("max-parallel") {
				opts.MaxParallel = maxParallel
			}
			if cmd.Flags().Changed("stop-on-failure") {
				opts.StopOnHostFailure = stopOnFailure
			}

			out := cmd.OutOrStdout()
			if !jsonOutput {
				a.tel.Events.Subscribe(progressPrinter(out), telemetry.FilterByType(
					engine.EventTypeHostStarted,
					engine.EventTypeTaskStarted,
					engine.EventTypeTaskFailed,
					engine.EventTypeHostSkipped,
					engine.EventTypeLockAcquired,
				))
			}

			log.Debug().
				Str("entry", entry).
				Strs("hosts", hostNames(targets)).
				Bool("parallel", opts.Parallel).
				Bool("dry_run", opts.DryRun).
				Msg("Running task")

			report, runErr := a.engine.Run(cmd.Context(), entry, targets, opts)
			a.flushEvents()

			if jsonOutput {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "hosts to deploy (comma separated names)")
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "label selector, e.g. 'env=prod,role=web'")
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "process hosts concurrently")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum hosts processed at once (0 = unbounded)")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "skip remaining hosts after the first host fails")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log commands and transfers without executing them")
	cmd.Flags().StringVar(&lock, "lock", "", "lock strategy: memory, file, remote or none (overrides settings)")
	cmd.Flags().StringToStringVar(&overrides, "set", nil, "override a global config entry (key=value)")

	return cmd
}

// progressPrinter prints one line per host and task event.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(event engine.Event) {
		switch event.Type {
		case engine.EventTypeHostStarted:
			fmt.Fprintf(w, "[%s] deploying\n", event.Host)
		case engine.EventTypeTaskStarted:
			fmt.Fprintf(w, "[%s] task %s\n", event.Host, event.Task)
		case engine.EventTypeTaskFailed:
			fmt.Fprintf(w, "[%s] task %s failed\n", event.Host, event.Task)
		case engine.EventTypeHostSkipped:
			fmt.Fprintf(w, "[%s] skipped\n", event.Host)
		case engine.EventTypeLockAcquired:
			fmt.Fprintf(w, "[%s] locked\n", event.Host)
		}
	}
}

// printReport prints the outcome of every host, naming the failed task and its
// error.
func printReport(w io.Writer, report *engine.Report) {
	fmt.Fprintf(w, "\nRun %s: %s (%s)\n", report.Entry, report.Status, report.Duration.Round(time.Millisecond))
	if report.RunErr != nil {
		fmt.Fprintf(w, "  error: %v\n", report.RunErr)
	}
	for _, h := range report.Hosts {
		switch {
		case h.FailedTask != "":
			fmt.Fprintf(w, "  %-20s %-10s task %s: %s\n", h.Host, h.Status, h.FailedTask, h.Error)
		case h.Error != "" && report.RunErr == nil:
			fmt.Fprintf(w, "  %-20s %-10s %s\n", h.Host, h.Status, h.Error)
		default:
			fmt.Fprintf(w, "  %-20s %-10s %d task(s)\n", h.Host, h.Status, len(h.Tasks))
		}
	}
}

func hostNames(hosts []*engine.Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names
}
