package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/flockd/lock/flock"
)

var holdCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold PATH [-- COMMAND [ARGS...]]",
		Short: "Hold an exclusive lock on PATH while a command runs or for a duration",
		Long: "Acquire an exclusive advisory lock on PATH, then run COMMAND (or sleep for\n" +
			"--duration, or until interrupted when neither is given) and release it.\n" +
			"Exits non-zero when the lock cannot be acquired within --lock-timeout.",
		Args: cobra.MinimumNArgs(1),
		RunE: runHold,
	}
	cmd.Flags().Bool("async", false, "acquire through the pool-dispatched async handle")
	cmd.Flags().Duration("duration", 0, "how long to hold when no command is given (0 waits for a signal)")
	return cmd
}()

func runHold(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	async, _ := cmd.Flags().GetBool("async")
	duration, _ := cmd.Flags().GetDuration("duration")

	dash := cmd.ArgsLenAtDash()
	if dash == 0 {
		return fmt.Errorf("hold: PATH must come before --")
	}
	path := args[0]
	var command []string
	if dash > 0 {
		command = args[dash:]
	} else if len(args) > 1 {
		command = args[1:]
	}

	body := func(ctx context.Context, waited time.Duration) error {
		fmt.Printf("acquired %s after %s\n", path, units.HumanDuration(waited))
		if len(command) > 0 {
			return runChild(ctx, command)
		}
		return holdFor(ctx, duration)
	}

	start := time.Now()
	if async {
		l := flock.NewAsync(path, lockOptions()...)
		return l.With(ctx, func(ctx context.Context) error {
			return body(ctx, time.Since(start))
		})
	}
	l := flock.New(path, lockOptions()...)
	if err := acquire(ctx, l); err != nil {
		return err
	}
	defer l.Release()
	return body(ctx, time.Since(start))
}

// acquire waits for l.Acquire or for ctx to end. Acquire itself ignores
// signals, so an abandoned attempt keeps running and drops the lock as soon
// as it gets it.
func acquire(ctx context.Context, l *flock.Lock) error {
	done := make(chan error, 1)
	go func() { done <- l.Acquire() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if <-done == nil {
				l.Release()
			}
		}()
		return fmt.Errorf("hold %s: %w", l.Path(), context.Cause(ctx))
	}
}

func runChild(ctx context.Context, command []string) error {
	logger := log.WithFunc("cmd.hold")
	child := exec.CommandContext(ctx, command[0], command[1:]...) //nolint:gosec
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := child.Run(); err != nil {
		return fmt.Errorf("run %s: %w", command[0], err)
	}
	logger.Infof(ctx, "%s exited", command[0])
	return nil
}

func holdFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}
