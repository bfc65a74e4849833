package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/flockd/lock/flock"
	"github.com/cocoonstack/flockd/utils"
)

var statusCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status PATH",
		Short: "Report whether PATH is currently locked",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().Bool("wait", false, "block until PATH is unlocked, bounded by --lock-timeout")
	return cmd
}()

func runStatus(cmd *cobra.Command, args []string) error {
	path := args[0]
	wait, _ := cmd.Flags().GetBool("wait")

	var locked bool
	probe := func() (bool, error) {
		var err error
		locked, err = flock.Probe(path)
		return !wait || !locked, err
	}
	if err := utils.WaitFor(commandContext(cmd), conf.LockTimeout, 100*time.Millisecond, probe); err != nil { //nolint:mnd
		return fmt.Errorf("status %s: %w", path, err)
	}
	if locked {
		fmt.Printf("%s: locked\n", path)
	} else {
		fmt.Printf("%s: unlocked\n", path)
	}
	return nil
}
