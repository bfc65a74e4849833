package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocoonstack/flockd/config"
	"github.com/cocoonstack/flockd/lock/flock"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flockd",
		Short:         "flockd - advisory file locks and lock-protected shared state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "state directory for counter and queue")
	cmd.PersistentFlags().Duration("lock-timeout", 0, "lock acquisition timeout, negative waits forever (0 keeps the configured value)")
	cmd.PersistentFlags().Bool("debug", false, "trace lock acquisition and release")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("lock_timeout", cmd.PersistentFlags().Lookup("lock-timeout"))
	_ = viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))

	viper.SetEnvPrefix("FLOCKD")
	viper.AutomaticEnv()

	cmd.AddCommand(
		holdCmd,
		statusCmd,
		counterCmd,
		queueCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()
	defaults := *conf

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	// Unset flags bind as zero values; fall back to defaults for those.
	if conf.RootDir == "" {
		conf.RootDir = defaults.RootDir
	}
	if conf.LockTimeout == 0 {
		conf.LockTimeout = defaults.LockTimeout
	}
	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.Debug {
		conf.Log.Level = "debug"
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// lockOptions translates the global config into lock options.
func lockOptions() []flock.Option {
	return []flock.Option{
		flock.WithTimeout(conf.LockTimeout),
		flock.WithDiagnostics(conf.Debug),
	}
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
