package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/INLOpen/nexusarchive/config"
	"github.com/INLOpen/nexusarchive/control"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/metrics"
	"github.com/INLOpen/nexusarchive/pubsub/natsbus"
	"github.com/INLOpen/nexusarchive/segment"
	"github.com/INLOpen/nexusarchive/server"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const tracerName = "github.com/INLOpen/nexusarchive"

// app carries what every subcommand shares. It is built by the root
// command's PersistentPreRunE and torn down when the subcommand returns.
type app struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hooks    hooks.HookManager

	closers []func()
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "archivectl",
		Short:        "Record, replay and inspect pub/sub archive segments",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "archive.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override logging.level from the configuration")

	root.AddCommand(
		newRecordCommand(a),
		newPlayCommand(a),
		newInspectCommand(a),
		newDumpCommand(a),
		newReindexCommand(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		a.closers = append(a.closers, func() { logCloser.Close() })
	}
	a.cfg = cfg
	a.logger = logger

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	hm := hooks.NewHookManager(logger)
	if err := cfg.Hooks.Register(hm, logger); err != nil {
		a.teardown()
		return fmt.Errorf("hooks: %w", err)
	}
	a.hooks = hm
	a.closers = append(a.closers, hm.Stop)

	cleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		a.teardown()
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return nil
}

// run wraps a subcommand so that teardown also happens when it fails, which
// PersistentPostRun does not cover.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.teardown()
		return fn(cmd, args)
	}
}

// teardown runs the closers in reverse order of registration.
func (a *app) teardown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) segmentOptions() (segment.Options, error) {
	opts, err := a.cfg.Archive.SegmentOptions(a.logger)
	if err != nil {
		return segment.Options{}, err
	}
	opts.Tracer = otel.Tracer(tracerName)
	opts.HookManager = a.hooks
	opts.Metrics = a.metrics
	return opts, nil
}

// service connects to NATS and builds the control service on top of it. The
// returned function closes both.
func (a *app) service() (*control.Service, func(), error) {
	segOpts, err := a.segmentOptions()
	if err != nil {
		return nil, nil, err
	}
	bus, err := natsbus.Connect(a.cfg.NATS.BusConfig(a.logger))
	if err != nil {
		return nil, nil, err
	}

	recOpts := a.cfg.Recorder.Options(a.logger)
	recOpts.HookManager = a.hooks
	recOpts.Metrics = a.metrics

	playOpts := a.cfg.Playback.Options(a.logger)
	playOpts.HookManager = a.hooks
	playOpts.Metrics = a.metrics
	playOpts.Cursor.Segment = segOpts

	svc := control.New(bus, bus, control.Options{
		Dir:      a.cfg.Archive.Dir,
		Segment:  segOpts,
		Recorder: recOpts,
		Playback: playOpts,
		Logger:   a.logger,
	})
	return svc, func() {
		if err := svc.Close(); err != nil {
			a.logger.Error("Error closing control service", "error", err)
		}
		if err := bus.Close(); err != nil {
			a.logger.Error("Error closing NATS connection", "error", err)
		}
	}, nil
}

// startMonitoring serves metrics and samples host usage for long-running
// commands when enabled in the configuration.
func (a *app) startMonitoring() {
	if !a.cfg.Metrics.Enabled {
		return
	}
	interval := config.ParseDuration(a.cfg.Metrics.SystemInterval, server.DefaultSystemInterval, a.logger)
	sc := server.NewSystemCollector(a.registry, a.cfg.Archive.Dir, interval, clockwork.NewRealClock(), a.logger)
	sc.Start()
	a.closers = append(a.closers, sc.Stop)

	srv := server.NewMetricsServer(a.cfg.Metrics, a.registry, a.logger)
	ln, err := net.Listen("tcp", a.cfg.Metrics.ListenAddress)
	if err != nil {
		a.logger.Error("Failed to start metrics server", "error", err)
		return
	}
	go srv.Serve(ln)
	a.closers = append(a.closers, func() {
		srv.Stop()
		ln.Close()
	})
}

func (a *app) printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(out(cmd), format, args...)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
