package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCommand(version string) *cobra.Command {
	var lock string

	cmd := &cobra.Command{
		Use:   "unlock <host>...",
		Short: "Remove the deploy lock of hosts",
		Long: `Remove the deploy lock left behind by an interrupted run.

With the remote strategy the lock file on the host is deleted, which may
need the recipe's config (e.g. deploy_path) to resolve its location.

File locks are released by the operating system when the process holding
them exits, so unlock has nothing to do for the file and memory strategies.`,
		Example: `  # Unlock one host
  shipyard unlock web1

  # Unlock hosts locked with the remote strategy
  shipyard unlock web1 web2 --lock remote`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version, appOptions{lock: lock})
			if err != nil {
				return err
			}
			defer a.close()

			if a.engine.Locker() == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Locking is disabled, nothing to unlock")
				return nil
			}

			hosts, err := a.inventory.Select(args, "")
			if err != nil {
				return err
			}

			var errs []error
			for _, h := range hosts {
				if err := a.engine.Unlock(cmd.Context(), h); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Unlocked %s\n", h.Name)
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&lock, "lock", "", "lock strategy: memory, file, remote or none (overrides settings)")

	return cmd
}
