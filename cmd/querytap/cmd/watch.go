package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hkcontrol/querytap/internal/capture"
	"github.com/hkcontrol/querytap/internal/config"
	"github.com/hkcontrol/querytap/internal/discover"
	"github.com/hkcontrol/querytap/internal/inject"
	"github.com/hkcontrol/querytap/internal/report"
	"github.com/hkcontrol/querytap/internal/supervisor"
	"github.com/hkcontrol/querytap/internal/tail"
	"github.com/hkcontrol/querytap/internal/tracing"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Wait for the target, inject the payload and forward captured queries",
	Long: `Watch runs the attach pipeline forever:

  searching     poll the process table for the target name
  injecting     load the payload module into the target
  tailing       forward every new line of the payload log
  error_backoff wait, then start over from searching

Only SIGINT or SIGTERM stops it.

Example:
  querytap watch --payload 'C:\hooks\QueryHook.dll'
  querytap watch --target Workflow_API.exe --capture-db capture.db --metrics-addr :9464`,
	PreRunE: bindFlags(map[string]string{
		"target.name":                   "target",
		"target.payload":                "payload",
		"log.path":                      "log-path",
		"capture.db":                    "capture-db",
		"metrics.addr":                  "metrics-addr",
		"metrics.textfile":              "metrics-textfile",
		"tracing.endpoint":              "otlp-endpoint",
		"policy.tail_on_inject_failure": "tail-on-inject-failure",
	}),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	f := watchCmd.Flags()
	f.String("target", "", "exact process name of the target")
	f.String("payload", "", "absolute path of the payload module")
	f.String("log-path", "", "log file the payload writes captured queries to")
	f.String("capture-db", "", "archive forwarded lines in this SQLite file or postgres:// database")
	f.String("metrics-addr", "", "serve /metrics and /status on this address")
	f.String("metrics-textfile", "", "also write metrics to this .prom file")
	f.String("otlp-endpoint", "", "export cycle traces to this OTLP HTTP host:port")
	f.Bool("tail-on-inject-failure", false, "tail the log even when injection failed")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Target.Payload == "" {
		return errors.New("target.payload is required (set --payload or the config file)")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	sink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close capture sink", zap.Error(err))
		}
	}()

	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	metrics := report.NewMetrics()
	failures := report.NewFailureLog(50)
	table := discover.NewSystemTable(int32(os.Getpid()))

	loop := supervisor.New(supervisor.Config{
		TargetName:          cfg.Target.Name,
		PayloadPath:         cfg.Target.Payload,
		LogPath:             cfg.Log.Path,
		TailOnInjectFailure: cfg.Policy.TailOnInjectFailure,
		WatchTarget:         cfg.Policy.WatchTarget,
		LivenessInterval:    cfg.Intervals.Liveness,
	}, supervisor.Deps{
		Locator: discover.NewLocator(table,
			discover.WithInterval(cfg.Intervals.Search),
			discover.WithLogger(logger),
			discover.WithMetrics(metrics)),
		Injector: inject.New(inject.NewSystemControl(), inject.WithLogger(logger)),
		Follow:   newFollower(cfg, logger, metrics),
		Liveness: table,
		Sink:     sink,
	},
		supervisor.WithBackOff(supervisor.NewBackOff(cfg.Intervals.Backoff, cfg.Intervals.BackoffMax)),
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(metrics),
		supervisor.WithFailureLog(failures),
		supervisor.WithTracer(provider.Tracer()),
	)

	exporter := report.NewExporter(metrics, loop.Phase)
	if cfg.Metrics.Addr != "" {
		guard, err := report.NewTokenGuard(cfg.Metrics.TokenHash)
		if err != nil {
			return fmt.Errorf("metrics.token_hash: %w", err)
		}
		srv, err := report.NewServer(cfg.Metrics.Addr, exporter, func() any { return loop.State() }, failures, logger,
			report.WithTokenGuard(guard))
		if err != nil {
			return fmt.Errorf("failed to create status server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	// Run only returns once ctx is done, which also stops the textfile writer.
	eg, egCtx := errgroup.WithContext(ctx)
	if cfg.Metrics.Textfile != "" {
		reg, err := report.NewRegistry(exporter)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			report.RunTextfile(egCtx, cfg.Metrics.Textfile, reg, report.TextfileInterval, logger)
			return nil
		})
	}
	eg.Go(func() error {
		return loop.Run(egCtx)
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor error: %w", err)
	}

	logger.Info("stopped", zap.Any("metrics", metrics.Snapshot()))
	return nil
}

// newFollower builds a fresh tailer per cycle so no cursor survives a restart
func newFollower(cfg *config.Config, logger *zap.Logger, metrics *report.Metrics) supervisor.FollowFunc {
	return func(path string) supervisor.LineSource {
		return tail.New(path,
			tail.WithInterval(cfg.Intervals.Tail),
			tail.WithTruncatePolicy(cfg.TruncatePolicy()),
			tail.WithNotify(true),
			tail.WithLogger(logger),
			tail.WithMetrics(metrics))
	}
}

// openSink returns the console sink, fanned out to the archive when configured
func openSink(cfg *config.Config) (capture.Sink, error) {
	console := capture.NewConsoleSink(os.Stdout)
	if cfg.Capture.DB == "" {
		return console, nil
	}
	store, err := capture.Open(cfg.Capture.DB)
	if err != nil {
		return nil, err
	}
	return capture.MultiSink{console, store}, nil
}
