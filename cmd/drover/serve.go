package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/dispatcher"
	"github.com/droverhq/drover/pkg/hub"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/orchestrator"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/resource"
	"github.com/droverhq/drover/pkg/security"
	"github.com/droverhq/drover/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core",
	Long: `Start the orchestration core: the bbolt store, the worker registry,
the resource monitor, the communication hub, the dispatcher loop, the
orchestrator sweepers, and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
		metrics.SetVersion(Version)
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "")

		reg := registry.New(registry.Config{
			DegradeAfter:   time.Duration(cfg.WorkerDegradeAfterMin) * time.Minute,
			UnhealthyAfter: time.Duration(cfg.WorkerUnhealthyAfterMin) * time.Minute,
		})
		reg.Start()
		defer reg.Stop()

		mon := resource.NewMonitor()
		mon.Start()
		defer mon.Stop()

		var sealer *security.Sealer
		if cfg.MessageSecret != "" {
			if sealer, err = security.NewSealerFromSecret(cfg.MessageSecret); err != nil {
				return fmt.Errorf("failed to build message sealer: %w", err)
			}
		}

		transport, err := buildTransport(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer transport.Close()

		h := hub.New(hub.Options{
			Transport:              transport,
			Router:                 hub.NewRouter(cfg.MessageInflightSoftCap, reg.Healthy),
			Matrix:                 hub.DefaultMatrix(),
			Sealer:                 sealer,
			DefaultResponseTimeout: cfg.DefaultMessageResponseTimeout(),
		})
		h.Start()
		defer h.Stop()
		metrics.RegisterComponent("hub", true, "")

		disp := dispatcher.New(store, reg, mon, h, dispatcher.Config{
			Tick:       cfg.DispatcherTick(),
			ScanEveryN: cfg.AntistarvationScanEveryNTicks,
			Window:     cfg.AntistarvationWindow(),
			DefaultTZ:  cfg.BlackoutCheckTZ,
		})
		disp.Start()
		defer disp.Stop()
		metrics.RegisterComponent("dispatcher", true, "")

		orch := orchestrator.New(store, reg, mon, h, orchestrator.Config{
			DefaultTaskTimeout:  cfg.DefaultTaskTimeout(),
			CancelGrace:         cfg.CancelGrace(),
			TerminalRetention:   time.Duration(cfg.TerminalTaskRetentionH) * time.Hour,
			DeadLetterRetention: time.Duration(cfg.DeadLetterRetentionH) * time.Hour,
			DefaultTZ:           cfg.BlackoutCheckTZ,
		})
		orch.Start()
		defer orch.Stop()

		srv := api.NewServer(orch, store, reg)
		errCh := make(chan error, 1)
		go func() {
			metrics.RegisterComponent("api", true, "")
			if err := srv.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("data_dir", cfg.DataDir).
			Str("transport", transportName(cfg)).
			Msg("core started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
		return nil
	},
}

// buildTransport selects Redis pub/sub when configured, in-process otherwise.
func buildTransport(ctx context.Context, cfg *config.Config) (hub.Transport, error) {
	if cfg.RedisAddr == "" {
		return hub.NewMemoryTransport(), nil
	}
	t, err := hub.NewRedisTransport(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return t, nil
}

func transportName(cfg *config.Config) string {
	if cfg.RedisAddr == "" {
		return "memory"
	}
	return "redis"
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("listen", "", "HTTP API bind address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}
