package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hkcontrol/querytap/internal/capture"
	"github.com/hkcontrol/querytap/internal/tail"
)

var tailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Follow a payload log without injecting",
	Long: `Prints every line appended to the log file after the command starts.
Useful when the payload was loaded by an earlier run. Defaults to log.path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		viper.Set("log.path", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	sink := capture.NewConsoleSink(os.Stdout)
	t := tail.New(cfg.Log.Path,
		tail.WithInterval(cfg.Intervals.Tail),
		tail.WithTruncatePolicy(cfg.TruncatePolicy()),
		tail.WithNotify(true),
		tail.WithLogger(logger))

	// The sequence only ends on its own with an error; cancellation ends it quietly
	for line, err := range t.Follow(ctx) {
		if err != nil {
			return err
		}
		if err := sink.Write(ctx, capture.Record{Line: line}); err != nil {
			return err
		}
	}
	return nil
}
