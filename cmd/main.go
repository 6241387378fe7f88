// kcore Kernel Server
//
// Boots the process core on a simulated single-core machine, drives its
// timer, and exposes the KernelService control plane over gRPC with
// Prometheus metrics on /metrics.
//
// Usage:
//
//	go run ./cmd                               # defaults, :50051
//	go run ./cmd -config kcore.yaml            # file config
//	go run ./cmd -addr :8080 -init shell       # flags override the file
//	go build -o kcore ./cmd && ./kcore
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/config"
	"github.com/jeeves-cluster-organization/kcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/kcore/coreengine/runtime"
)

const (
	serviceName     = "kcore"
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("kcore_failed", "error", err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}
}

// loadConfig builds the configuration: defaults, then the -config file,
// then any flag given explicitly.
func loadConfig(args []string, stderr io.Writer) (*config.KernelConfig, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	path := fs.String("config", "", "YAML or JSON config file")
	addr := fs.String("addr", "", "gRPC listen address")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address (empty disables)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	otlp := fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	appsDir := fs.String("apps-dir", "", "directory of ELF apps (default: built-in demo apps)")
	rootDir := fs.String("root-dir", "", "directory served read-only to processes")
	initApp := fs.String("init", "", "app spawned at boot")
	frames := fs.Int("frames", 0, "physical frames")
	tickMs := fs.Int("tick-ms", 0, "timer period in milliseconds")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultKernelConfig()
	if *path != "" {
		loaded, err := config.LoadFile(*path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.GRPCAddress = *addr
		case "metrics-addr":
			cfg.MetricsAddress = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "otlp-endpoint":
			cfg.OTLPEndpoint = *otlp
		case "apps-dir":
			cfg.AppsDir = *appsDir
		case "root-dir":
			cfg.RootDir = *rootDir
		case "init":
			cfg.InitApp = *initApp
		case "frames":
			cfg.PhysicalFrames = *frames
		case "tick-ms":
			cfg.TickIntervalMs = *tickMs
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.SetKernelConfig(cfg)
	return cfg, nil
}

// bootMachine loads the app catalog, boots the kernel and wraps it in a
// machine. The init app, if configured, is spawned under the kernel.
func bootMachine(cfg *config.KernelConfig, logger kernel.Logger, console kernel.Console) (*runtime.Machine, error) {
	apps := boot.DemoApps()
	if cfg.AppsDir != "" {
		loaded, err := boot.LoadDir(os.DirFS(cfg.AppsDir), ".")
		if err != nil {
			return nil, err
		}
		apps = loaded
	}

	opts := []kernel.Option{kernel.WithApps(apps), kernel.WithConsole(console)}
	if cfg.RootDir != "" {
		opts = append(opts, kernel.WithFS(os.DirFS(cfg.RootDir)))
	}

	k, err := kernel.NewKernel(logger, cfg.ToKernel(), opts...)
	if err != nil {
		return nil, fmt.Errorf("boot kernel: %w", err)
	}
	m := runtime.NewMachine(k, logger, runtime.WithTickInterval(cfg.TickInterval()))

	if cfg.InitApp != "" {
		pid, err := m.Spawn(kernel.KernelPID, cfg.InitApp, nil)
		if err != nil {
			return nil, fmt.Errorf("spawn init %s: %w", cfg.InitApp, err)
		}
		logger.Info("init_spawned", "app", cfg.InitApp, "pid", pid)
	}
	return m, nil
}

// serve runs the machine, the gRPC server and the metrics endpoint until
// ctx ends or one of them fails, then shuts everything down.
func serve(ctx context.Context, cfg *config.KernelConfig, logger *zapLogger) error {
	logger.Info("kcore_starting",
		"version", observability.ServiceVersion,
		"grpc_address", cfg.GRPCAddress,
		"metrics_address", cfg.MetricsAddress,
	)

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(serviceName, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracer(sctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
	}

	console := newTerminalConsole(os.Stdout, os.Stderr)
	go console.feed(os.Stdin)

	m, err := bootMachine(cfg, logger, console)
	if err != nil {
		return err
	}
	if rc, ok := cfg.Reaper(); ok {
		stopReaper := m.Kernel().StartReaper(rc)
		defer stopReaper()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	ks := grpc.NewKernelServer(logger, m)
	server := grpc.NewGracefulServer(logger, ks, cfg.GRPCAddress, grpc.ServerOptions(logger)...)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("machine: %w", err)
		}
	}()

	logger.Info("kcore_ready", "grpc_address", cfg.GRPCAddress)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case runErr = <-errCh:
	}
	cancel()

	server.ShutdownWithTimeout(shutdownTimeout)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(sctx)
	}
	if err := m.Shutdown(sctx); err != nil {
		logger.Warn("machine_shutdown_incomplete", "error", err.Error())
	}

	logger.Info("kcore_stopped", "ticks", m.Ticks())
	return runErr
}
