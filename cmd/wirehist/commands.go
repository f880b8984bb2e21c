package main

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	logLevel string

	eventsFrom  int64
	eventsTo    int64
	eventsLimit int

	replayTo int64

	verifyJobs     int
	verifyNoReplay bool

	statsSince   time.Duration
	statsTraceDB string
	statsSlowMin time.Duration
	statsLimit   int

	serveConfigPath string
	serveAddr       string

	rootCmd = &cobra.Command{
		Use:           "wirehist",
		Short:         "Inspect, verify, and serve WireTuner document history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(logLevel)
		},
	}

	infoCmd = &cobra.Command{
		Use:   "info <file.wire>",
		Short: "Show document metadata, event counts, and snapshots",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo, // cmd_inspect.go
	}

	eventsCmd = &cobra.Command{
		Use:   "events <file.wire>",
		Short: "List history events",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents, // cmd_inspect.go
	}

	replayCmd = &cobra.Command{
		Use:   "replay <file.wire>",
		Short: "Rebuild the document at a history position",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay, // cmd_inspect.go
	}

	verifyCmd = &cobra.Command{
		Use:   "verify <file.wire> [file.wire...]",
		Short: "Integrity-check document files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runVerify, // cmd_verify.go
	}

	statsCmd = &cobra.Command{
		Use:   "stats <file.wire>",
		Short: "Summarize engine metrics from the document's sidecar",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats, // cmd_stats.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP document service",
		Args:  cobra.NoArgs,
		RunE:  runServe, // serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn, error")

	rootCmd.AddCommand(infoCmd)

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().Int64Var(&eventsFrom, "from", 1, "first sequence to list")
	eventsCmd.Flags().Int64Var(&eventsTo, "to", 0, "last sequence to list (0 = head)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "max events to print (0 = all)")

	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Int64Var(&replayTo, "to", 0, "history position to rebuild (0 = head)")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().IntVar(&verifyJobs, "jobs", 4, "files verified in parallel")
	verifyCmd.Flags().BoolVar(&verifyNoReplay, "no-replay", false, "skip the full replay check")

	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().DurationVar(&statsSince, "since", 24*time.Hour, "aggregation window")
	statsCmd.Flags().StringVar(&statsTraceDB, "trace-db", "", "SQL trace database to scan for slow queries")
	statsCmd.Flags().DurationVar(&statsSlowMin, "slow", 50*time.Millisecond, "slow-query threshold")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 20, "max slow queries to print")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to wirehist.yaml")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}
