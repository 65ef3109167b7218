// Command propsync synchronizes a secret value from AWS Secrets Manager
// into a properties file kept in a git repository.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/logging"
	"github.com/propsync/propsync/internal/progress"
	"github.com/propsync/propsync/internal/service"
)

var (
	configFiles []string
	dryRun      bool
	verbose     bool
	noProgress  bool
	logLevel    = logging.LogLevelInfo
	logFormat   = logging.FormatText
)

var logLevelIDs = map[int][]string{
	logging.LogLevelDebug: {"debug"},
	logging.LogLevelInfo:  {"info"},
	logging.LogLevelWarn:  {"warn", "warning"},
	logging.LogLevelError: {"error"},
}

var logFormatIDs = map[int][]string{
	logging.FormatText: {"text", "pretty"},
	logging.FormatJSON: {"json"},
}

func main() {
	root := &cobra.Command{
		Use:           "propsync",
		Short:         "Sync a secret value into a properties file in a git repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(root.PersistentFlags())

	root.AddCommand(runCommand(), validateCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&configFiles, "config", "c", []string{"propsync.yaml"},
		"configuration file(s) or directories, merged in order")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	fs.Var(
		enumflag.New(&logLevel, "level", logLevelIDs, enumflag.EnumCaseInsensitive),
		"log-level", "log level: debug, info, warn, error")
	fs.Var(
		enumflag.New(&logFormat, "format", logFormatIDs, enumflag.EnumCaseInsensitive),
		"log-format", "log format: text, json")
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := newLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if dryRun {
				log.Infof("Dry run mode, no changes will be made")
			}

			bar := progress.New(service.Steps, "synchronizing", !noProgress && !verbose)

			result := service.NewSyncer(cfg, log).
				WithDryRun(dryRun).
				WithProgress(bar).
				Execute(cmd.Context())

			if !result.Success() {
				return result.Err
			}

			switch {
			case dryRun && result.OldValue != result.NewValue:
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.Header("KEY", "CURRENT", "NEW")
				if err := table.Append([]string{result.Key, result.OldValue, result.NewValue}); err != nil {
					return err
				}
				if err := table.Render(); err != nil {
					return err
				}
				log.Infof("Dry run completed, no changes made")
			case result.Updated:
				log.Infof("Sync completed, change published on branch %s", result.Branch)
			default:
				log.Infof("Sync completed, no changes needed")
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "show what would change without committing")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file(s) against the schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			version := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
				version = info.Main.Version
			}
			fmt.Fprintln(cmd.OutOrStdout(), "propsync", version)
		},
	}
}

func loadConfig() (*config.Root, error) {
	merged, err := config.Merge(configFiles, false)
	if err != nil {
		return nil, err
	}

	return config.Parse(merged)
}

func newLogger() *logging.Logger {
	level := logLevel
	if verbose {
		level = logging.LogLevelDebug
	}

	return logging.NewLogger(logging.Config{Level: level, Format: logFormat})
}
