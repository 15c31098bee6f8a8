package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/porticoproxy/portico/internal/cert"
	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/discovery"
	"github.com/porticoproxy/portico/internal/health"
	"github.com/porticoproxy/portico/internal/loadbalancer"
	"github.com/porticoproxy/portico/internal/plugins"
	"github.com/porticoproxy/portico/internal/proxy"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/store"
	pkgstore "github.com/porticoproxy/portico/pkg/store"
)

var (
	configFile = flag.String("config", "portico.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Portico %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	st, err := store.Open(&cfg.Store, logger)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := routetable.NewBuilder(plugins.NewRegistry(), logger)
	static := discovery.NewStatic(builder, logger)
	if err := static.Apply(cfg.Routes); err != nil {
		logger.Fatal("initial route configuration rejected", zap.Error(err))
	}

	balancer := loadbalancer.New()

	solver := cert.NewSolver(st, cfg.ACME.ChallengeTTL, logger)
	issuer := cert.NewACMEIssuer(directoryURL(&cfg.ACME), cfg.ACME.Email, solver, st, logger)
	certs := cert.NewManager(&cfg.ACME, issuer, st, builder, logger)
	if cfg.ACME.Enabled {
		go certs.Run(ctx)
	}

	if cfg.HealthCheck.Enabled {
		checker := health.NewChecker(&cfg.HealthCheck, builder, logger)
		go checker.Run(ctx)
	}

	if cfg.Discovery.Docker.Enabled {
		docker, err := discovery.NewDocker(&cfg.Discovery.Docker, builder, logger)
		if err != nil {
			logger.Fatal("docker discovery initialization failed", zap.Error(err))
		}
		go docker.Run(ctx)
	}

	if cfg.AutoReload.Enabled {
		watcher := config.NewWatcher(*configFile, cfg.AutoReload.Debounce, logger,
			func(next *config.Config) {
				if err := static.Apply(next.Routes); err != nil {
					logger.Error("reloaded routes rejected", zap.Error(err))
				}
			})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	// Balancer cycling state for routes that left the table is garbage
	// collected on a slow tick.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				balancer.Forget(builder.Current())
			}
		}
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(&cfg.Metrics, st, logger)
	}

	handler := proxy.NewHandler(&cfg.Proxy, builder, balancer, logger)
	srv, err := proxy.NewServer(&cfg.Server, handler, certs, solver, logger)
	if err != nil {
		logger.Fatal("server initialization failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	logger.Info("goodbye")
}

func newLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zapCfg.Build()
}

func directoryURL(cfg *config.ACMEConfig) string {
	if cfg.DirectoryURL != "" {
		return cfg.DirectoryURL
	}
	if cfg.Staging {
		return cert.LetsEncryptStagingURL
	}
	return cert.LetsEncryptURL
}

func serveMetrics(cfg *config.MetricsConfig, st pkgstore.Store, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	mux.Handle("/healthz", store.HealthHandler(st))

	logger.Info("metrics listener starting",
		zap.String("address", cfg.Address), zap.String("path", cfg.Path))
	if err := http.ListenAndServe(cfg.Address, mux); err != nil {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}
