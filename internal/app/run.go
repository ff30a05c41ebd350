package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/nuetzliches/courier/internal/client"
	"github.com/nuetzliches/courier/internal/config"
	"github.com/nuetzliches/courier/internal/controlapi"
	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/storage"
	"github.com/nuetzliches/courier/internal/transport"
)

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file (for runtime control)")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	readStdin := fs.Bool("stdin", false, "read NDJSON producer commands from stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if p := strings.TrimSpace(*dotenvPath); p != "" {
		if err := loadDotenv(p); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		baseLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	res := config.Validate(cfg)
	if !res.OK {
		baseLogger.Error("validate_config_failed", slog.String("error", config.FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}
	baseLogger.Info("config_ok")

	levelVar := &slog.LevelVar{}
	lvl, err := parseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	levelVar.Set(lvl)
	sink, sinkCloser, err := openLogSink(cfg.Observability.LogOutput, cfg.Observability.LogPath)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if sinkCloser != nil {
		defer func() { _ = sinkCloser.Close() }()
	}
	logger := newLeveledLogger(sink, levelVar)
	slog.SetDefault(logger)

	appMetrics := newRuntimeMetrics()

	tracingEnabled := cfg.Observability.Tracing.Enabled
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability.Tracing, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(storage.Config{
		Backend: cfg.Storage.Backend,
		Dir:     cfg.Storage.Dir,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.DSN,
	})
	if err != nil {
		logger.Error("open_storage_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = storage.Close(st) }()
	logger.Info("storage_backend_selected", slog.String("backend", cfg.Storage.Backend))

	tr, closeTransport, err := buildTransport(cfg, tracingHTTPClient(tracingEnabled), logger)
	if err != nil {
		logger.Error("transport_failed", slog.Any("err", err))
		return 1
	}
	defer closeTransport()

	network, err := processor.ParseNetwork(cfg.Processor.Network)
	if err != nil {
		network = processor.NetworkWifi
	}
	c, err := client.New(client.Config{
		Storage:      st,
		Transport:    tr,
		Policy:       policyFromConfig(cfg.Retry),
		MaxQueueSize: cfg.Queue.MaxSize,
		Intervals:    intervalsFromConfig(cfg.Processor),
		Network:      network,
		Debounce:     cfg.Queue.Debounce.Std(),
		Logger:       logger,
		Observer:     appMetrics.observeEvent,
	})
	if err != nil {
		logger.Error("client_failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("client_close_failed", slog.Any("err", err))
		}
	}()
	appMetrics.queueStats = c.QueueStats
	appMetrics.processorState = c.ProcessorState

	if key := strings.TrimSpace(cfg.AccountKey); key != "" {
		if err := c.Initialize(ctx, key); err != nil {
			logger.Error("initialize_failed", slog.Any("err", err))
			return 1
		}
	}

	grpcSrv, err := startControlServer(cfg.Control, c, appMetrics, logger, cancel)
	if err != nil {
		logger.Error("start_control_failed", slog.Any("err", err))
		return 1
	}
	metricsSrv, err := startMetricsServer(cfg.Observability.MetricsListen, tracingEnabled, appMetrics, logger, cancel)
	if err != nil {
		logger.Error("start_metrics_failed", slog.Any("err", err))
		return 1
	}

	rl := newReloader(*configPath, cfg, levelVar, c, logger)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				rl.reload("signal_sighup")
			}
		}
	}()
	if *watch {
		go watchConfig(ctx, *configPath, logger, func() {
			rl.reload("watch")
		})
	}

	if *readStdin {
		go func() {
			err := readCommands(ctx, os.Stdin, c, logger.With("component", "commands"), appMetrics)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("commands_failed", slog.Any("err", err))
				return
			}
			logger.Info("commands_eof")
		}()
	}

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		stopGRPC(shutdownCtx, grpcSrv)
	}
	return 0
}

func policyFromConfig(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: rc.MaxRetries,
		Base:       rc.Base.Std(),
		Cap:        rc.Cap.Std(),
		MaxJitter:  rc.MaxJitter.Std(),
	}
}

// buildTransport returns the configured transport and a func releasing it.
// A nil httpClient uses the transport default.
func buildTransport(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (transport.Transport, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case config.TransportKafka:
		kt, err := transport.NewKafkaTransport(transport.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return kt, kt.Close, nil
	case config.TransportHTTP, "":
		ua := strings.TrimSpace(cfg.API.UserAgent)
		if ua == "" {
			ua = userAgent()
		}
		ht, err := transport.NewHTTPTransport(httpClient, transport.HTTPConfig{
			BaseURL:     cfg.API.BaseURL,
			Revision:    cfg.API.Revision,
			UserAgent:   ua,
			MaxAttempts: cfg.Retry.MaxRetries,
			Timeout:     cfg.API.Timeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		return ht, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// startControlServer serves the control API on cc.Listen. It returns nil
// when the listen address is empty.
func startControlServer(cc config.ControlConfig, control controlapi.Controller, rm *runtimeMetrics, logger *slog.Logger, cancel func()) (*grpc.Server, error) {
	addr := strings.TrimSpace(cc.Listen)
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	authorize := controlapi.BearerTokenAuthorizer(nil)
	set := cc.TokenSet()
	if len(set.Versions) > 0 {
		authorize = controlapi.SecretSetAuthorizer(set, time.Now)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(controlapi.UnaryAuthInterceptor(authorize)))
	ctl := controlapi.NewServer(control)
	ctl.Metrics = rm.snapshot
	ctl.Logger = logger.With("component", "control")
	controlapi.Register(srv, ctl)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("control_server_error", slog.Any("err", err))
			if cancel != nil {
				cancel()
			}
		}
	}()
	logger.Info("control_listening", slog.String("addr", ln.Addr().String()), slog.Bool("auth", len(set.Versions) > 0))
	return srv, nil
}

func startMetricsServer(addr string, tracingEnabled bool, rm *runtimeMetrics, logger *slog.Logger, cancel func()) (*http.Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", newMetricsHandler(version, time.Now(), rm))
	srv := &http.Server{
		Addr:              addr,
		Handler:           wrapTracingHandler(tracingEnabled, "metrics", mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveOnListener(logger, "metrics", srv, ln, cancel)
	logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

// stopGRPC drains in-flight calls until ctx expires, then forces a stop.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
