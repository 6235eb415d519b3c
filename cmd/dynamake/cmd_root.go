package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dynamake/internal/cli"
	"dynamake/internal/engine"
)

// appName is the single source of truth for the application name, following
// the teacher's devshell/config.go convention.
const appName = "dynamake"

// Derived env var names, computed once at init from appName.
var (
	envStateDir = strings.ToUpper(appName) + "_PERSISTENT_DIR"
	envJobs      = strings.ToUpper(appName) + "_JOBS"
)

var (
	flagModule                string
	flagConfig                string
	flagStateDir              string
	flagJobs                  int
	flagRebuildChangedActions bool
	flagFailureAbortsBuild    bool
	flagRemoveStaleOutputs    bool
	flagRemoveFailedOutputs   bool
	flagRemoveEmptyDirs       bool
	flagTouchSuccessOutputs   bool
	flagWaitNFSOutputs        bool
	flagNFSOutputsTimeout     int
	flagLogSkippedActions     bool
	flagLogLevel              string
	flagDryRun                bool
)

var rootCmd *cobra.Command

func init() {
	defaults := engine.Default()

	rootCmd = &cobra.Command{
		Use:   appName + " [target ...]",
		Short: "DynaMake: a build engine with dynamic build graphs",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runBuild(args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagModule, "module", "", "load step definitions from this module file")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "load parameter overrides from this YAML or TOML file")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", resolveStateDir(), "persistent action log directory")
	rootCmd.PersistentFlags().IntVar(&flagJobs, "jobs", resolveJobsFlag(), "budget of the jobs resource (negative = fraction of nproc, 0 = unlimited, positive = exact cap); only actions that declare a jobs draw consume it")
	rootCmd.PersistentFlags().BoolVar(&flagRebuildChangedActions, "rebuild_changed_actions", defaults.RebuildChangedActions, "rebuild when a step's recorded actions changed")
	rootCmd.PersistentFlags().BoolVar(&flagFailureAbortsBuild, "failure_aborts_build", defaults.FailureAbortsBuild, "abort the whole build on the first step failure")
	rootCmd.PersistentFlags().BoolVar(&flagRemoveStaleOutputs, "remove_stale_outputs", defaults.RemoveStaleOutputs, "delete non-precious outputs before an action runs")
	rootCmd.PersistentFlags().BoolVar(&flagRemoveFailedOutputs, "remove_failed_outputs", defaults.RemoveFailedOutputs, "delete non-precious outputs after a failed action")
	rootCmd.PersistentFlags().BoolVar(&flagRemoveEmptyDirs, "remove_empty_directories", false, "remove directories emptied by output cleanup")
	rootCmd.PersistentFlags().BoolVar(&flagTouchSuccessOutputs, "touch_success_outputs", false, "touch outputs to a fresh mtime on success")
	rootCmd.PersistentFlags().BoolVar(&flagWaitNFSOutputs, "wait_nfs_outputs", false, "poll for outputs to become visible instead of failing immediately")
	rootCmd.PersistentFlags().IntVar(&flagNFSOutputsTimeout, "nfs_outputs_timeout", int(defaults.NFSOutputsTimeout/time.Second), "seconds to poll for --wait_nfs_outputs")
	rootCmd.PersistentFlags().BoolVar(&flagLogSkippedActions, "log_skipped_actions", false, "log actions skipped by the up-to-date oracle")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", string(cli.LevelInfo), "STDOUT, STDERR, INFO, FILE, WHY, TRACE, DEBUG, or WARN")
	rootCmd.PersistentFlags().BoolVarP(&flagDryRun, "no_actions", "n", false, "dry run: execute no actions; the build does not stop at the first action that would run")

	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newWhyCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPickCommand())
}

func resolveStateDir() string {
	if v := os.Getenv(envStateDir); v != "" {
		return v
	}
	return ".dynamake"
}

func resolveJobsFlag() int {
	if v := os.Getenv(envJobs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return -1
}

func buildOptions() engine.Options {
	opts := engine.Default()
	opts.ModulePath = flagModule
	opts.ConfigPath = flagConfig
	opts.StateDir = flagStateDir
	opts.Jobs = flagJobs
	opts.RebuildChangedActions = flagRebuildChangedActions
	opts.FailureAbortsBuild = flagFailureAbortsBuild
	opts.RemoveStaleOutputs = flagRemoveStaleOutputs
	opts.RemoveFailedOutputs = flagRemoveFailedOutputs
	opts.RemoveEmptyDirectories = flagRemoveEmptyDirs
	opts.TouchSuccessOutputs = flagTouchSuccessOutputs
	opts.WaitNFSOutputs = flagWaitNFSOutputs
	opts.NFSOutputsTimeout = time.Duration(flagNFSOutputsTimeout) * time.Second
	opts.LogSkippedActions = flagLogSkippedActions
	opts.DryRun = flagDryRun
	if lvl, err := cli.ParseLevel(flagLogLevel); err == nil && lvl == cli.LevelTrace {
		opts.TraceRSS = true
	}
	return opts
}

func newSink() *cli.TaggedSink {
	lvl, err := cli.ParseLevel(flagLogLevel)
	if err != nil {
		lvl = cli.LevelInfo
	}
	log := cli.NewLogger(lvl)
	return cli.NewTaggedSink(os.Stdout, log)
}

func runBuild(targets []string) error {
	opts := buildOptions()
	opts.Sink = newSink()

	eng, err := loadEngine(opts)
	if err != nil {
		return err
	}
	if err := eng.Build(targets); err != nil {
		return fmt.Errorf("dynamake: build failed: %w", err)
	}
	return nil
}
