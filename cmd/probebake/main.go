// Package main is the entry point for the probe bake server and CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/probebake/server/internal/api"
	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/cache"
	"github.com/probebake/server/internal/config"
	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/metrics"
	"github.com/probebake/server/internal/render"
	"github.com/probebake/server/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	store   *bakestore.Store
	cache   *cache.Manager
	bakes   *service.BakeService
	assets  *service.AssetService
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "probebake",
		Short:         "Probe volume baking server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/probebake.yaml", "path to configuration file")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newBakeCommand(&configPath),
		newInspectCommand(&configPath),
	)
	return cmd
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	m, err := metrics.NewCollector()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := bakestore.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	cacheManager, err := cache.NewManager(cache.Config{
		AssetCacheSizeMB: cfg.Cache.AssetSizeMB,
		AssetTTL:         time.Duration(cfg.Cache.AssetTTLMinutes) * time.Minute,
		PreviewCacheSize: cfg.Cache.PreviewEntries,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	bakerCfg := bake.DefaultAmbientBakerConfig()
	bakerCfg.Latency = cfg.Bake.BakerLatency()
	bakerCfg.OccludeRenderers = !cfg.Bake.IgnoreRenderers
	pipeline := bake.NewPipeline(bake.NewAmbientBaker(bakerCfg), logger, m)

	bakes := service.NewBakeService(pipeline, cacheManager, cfg.Bake.Dilation, logger)
	renderer := render.NewPreviewRenderer(render.Config{
		Size:     cfg.Bake.PreviewSize,
		Colormap: cfg.Bake.Colormap,
	})
	assets := service.NewAssetService(store, cacheManager, renderer, bakes.Session(), logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   store,
		cache:   cacheManager,
		bakes:   bakes,
		assets:  assets,
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	a.store.Close()
	a.logger.Sync()
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and bake job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.cache.Close()
			defer a.logger.Sync()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	logger := a.logger

	// The job manager owns the store from here on.
	jobManager := api.NewJobManager(a.store, api.JobManagerConfig{
		QueueSize:     cfg.Bake.QueueSize,
		RetentionDays: cfg.Store.JobRetentionDays,
		CleanupPeriod: time.Duration(cfg.Store.CleanupIntervalMin) * time.Minute,
		Logger:        logger,
		Metrics:       a.metrics,
	})
	jobManager.Executor = a.bakes.ExecuteBakeJob
	jobManager.Start()
	defer jobManager.Stop()

	logger.Info("bake job manager started",
		zap.Int("queue_size", cfg.Bake.QueueSize),
		zap.Int("retention_days", cfg.Store.JobRetentionDays),
		zap.String("store", cfg.Store.Path),
	)

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Assets:      a.assets,
		Metrics:     a.metrics,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func newBakeCommand(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "bake <scenes.yaml>",
		Short: "Bake the scenes of a YAML request and store their assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read scenes: %w", err)
			}
			var req bakestore.BakeRequest
			if err := yaml.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("failed to parse scenes: %w", err)
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			report, err := a.bakes.Bake(ctx, &req, func(phase string, fraction float64) {
				a.logger.Info("bake progress", zap.String("phase", phase), zap.Float64("fraction", fraction))
			})
			if err != nil {
				return err
			}
			if err := a.bakes.Publish(a.store, "cli", report); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the bake after this long (0 waits forever)")
	return cmd
}

func newInspectCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [scene]",
		Short: "List stored assets, or summarise one scene's asset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				records, err := a.assets.List()
				if err != nil {
					return err
				}
				return printJSON(cmd, records)
			}

			asset, err := a.assets.Get(args[0])
			if err != nil {
				return err
			}
			summary := map[string]interface{}{
				"scene":          asset.Scene,
				"cells":          len(asset.Cells),
				"probes":         asset.ProbeCount(),
				"max_cell_index": asset.MaxCellIndex,
			}
			return printJSON(cmd, summary)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
