package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/engine"
)

func newTasksCommand(version string) *cobra.Command {
	var (
		expand string
		dot    string
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks defined by the recipe",
		Long: `List every task registered by the recipe, or show the schedule a task expands to.

--expand prints the ordered schedule of a task: before hooks, the task or its
group members, then after hooks, applied recursively.

--dot prints the hook and group graph of a task in Graphviz DOT format.`,
		Example: `  # List tasks
  shipyard tasks

  # Show what "deploy" runs, in order
  shipyard tasks --expand deploy

  # Render the pipeline of "deploy"
  shipyard tasks --dot deploy | dot -Tpng > deploy.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			registry := a.engine.Tasks

			switch {
			case dot != "":
				g, err := registry.Graph(dot)
				if err != nil {
					return err
				}
				fmt.Fprint(out, g.ToDOT())
				return nil

			case expand != "":
				schedule, err := registry.Expand(expand)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, engine.ScheduleNames(schedule))
				}
				for i, task := range schedule {
					marker := ""
					if task.LocalOnly {
						marker = " (local)"
					}
					fmt.Fprintf(out, "%3d. %s%s\n", i+1, task.Name, marker)
				}
				return nil
			}

			tasks := registry.Tasks()
			if jsonOutput {
				return writeJSON(out, tasks)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tKIND\tLOCAL\tDESCRIPTION")
			for _, task := range tasks {
				local := ""
				if task.LocalOnly {
					local = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", task.Name, task.Body.Kind(), local, task.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&expand, "expand", "", "print the schedule of a task")
	cmd.Flags().StringVar(&dot, "dot", "", "print the pipeline graph of a task in DOT format")
	cmd.MarkFlagsMutuallyExclusive("expand", "dot")

	return cmd
}
