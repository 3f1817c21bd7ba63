// campaignd is the campaign manager daemon: it serves the /v2 HTTP API and
// runs the scheduler that drives node state machines.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"campaignd/campaign/api"
	"campaignd/campaign/daemon"
	"campaignd/campaign/fsm"
	"campaignd/campaign/launcher"
	"campaignd/campaign/store"
)

var (
	verbose    bool
	configPath string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "campaignd",
	Short: "campaignd - batch campaign manager",
	Long: `campaignd manages large batch processing campaigns: versioned graphs
of pipeline steps, driven through per-node state machines by a scheduler
and exposed over a REST API.

Configuration comes from an optional YAML file (--config) overridden by
the environment:

  CM_DATABASE_DRIVER  mysql or sqlite (default sqlite)
  CM_DATABASE_URL     database DSN (default campaignd.db)
  CM_HTTP_ADDR        API listen address (default :8080)
  CM_ARTIFACT_ROOT    node workspace directory (default artifacts)
  CM_BUTLER_URL       Butler REST endpoint (required for grouped steps)
  CM_DAEMON_WORKERS   concurrent node transitions (default 4)
  CM_DAEMON_TICK      scheduler scan interval (default 5s)
  CM_WMS_TIMEOUT      per-call WMS submit/check bound (default none)`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg settings) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var butler launcher.Butler = launcher.NewMemoryButler()
	if cfg.ButlerURL != "" {
		butler = launcher.NewHTTPButler(cfg.ButlerURL)
	} else {
		logger.Warn("no butler endpoint configured, using in-memory butler")
	}

	machine := fsm.NewMachine(st, logger, butler,
		fsm.WithArtifactRoot(cfg.ArtifactRoot),
		fsm.WithWMSTimeout(cfg.WMSTimeout))
	cm := fsm.NewCampaignMachine(st, logger)

	d := daemon.New(st, logger, machine, cm, daemon.Config{
		Workers: cfg.DaemonWorkers,
		Tick:    cfg.DaemonTick,
	}, nil)

	apiSrv := api.NewServer(st, logger, machine, cm)
	apiSrv.SetTickProbe(d.LastTick)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := d.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func openStore(cfg settings) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "mysql":
		return store.OpenMySQL(cfg.DatabaseURL)
	case "sqlite":
		return store.OpenSQLite(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}
