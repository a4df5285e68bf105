package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/auth"
	"github.com/pulsekeeplab/pulsekeep/internal/config"
	"github.com/pulsekeeplab/pulsekeep/internal/control"
	"github.com/pulsekeeplab/pulsekeep/internal/database"
	"github.com/pulsekeeplab/pulsekeep/internal/engine"
	"github.com/pulsekeeplab/pulsekeep/internal/logging"
	"github.com/pulsekeeplab/pulsekeep/internal/queue"
	"github.com/pulsekeeplab/pulsekeep/internal/reachability"
	"github.com/pulsekeeplab/pulsekeep/internal/remote"
	"github.com/pulsekeeplab/pulsekeep/internal/scheduler"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulsekeep-syncd",
		Short: "PulseKeep local-first sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote backend base URL")
	cmd.PersistentFlags().Int("remote-batch-size", defaults.GetInt("remote.batch_size"), "Records per upsert request")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("control-address", defaults.GetString("control.address"), "Loopback control listen address")
	cmd.PersistentFlags().String("auth-token-url", defaults.GetString("auth.token_url"), "Token refresh endpoint URL")
	cmd.PersistentFlags().String("user-id", defaults.GetString("sync.user_id"), "Account user identifier")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.batch_size", "remote-batch-size")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "control.address", "control-address")
	bindFlag(cmd, "auth.token_url", "auth-token-url")
	bindFlag(cmd, "sync.user_id", "user-id")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	changeQueue := queue.New(queue.Config{Database: db, Logger: logger})
	if err := changeQueue.Load(ctx); err != nil {
		return err
	}

	remoteClient, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	tokenSource, err := auth.NewRefreshTokenSource(auth.RefreshTokenSourceConfig{
		TokenURL:     appConfig.AuthTokenURL,
		RefreshToken: appConfig.AuthRefreshTok,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	monitor, err := reachability.NewProbeMonitor(reachability.ProbeMonitorConfig{
		ProbeAddress:  appConfig.ProbeAddress,
		ProbeInterval: appConfig.ProbeInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var orchestrator *engine.Orchestrator
	syncScheduler, err := scheduler.New(scheduler.Config{
		Fire: func(fireCtx context.Context) {
			orchestrator.RunCycle(fireCtx)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err = engine.New(engine.Config{
		Store:         localStore,
		Queue:         changeQueue,
		Remote:        remoteClient,
		Tokens:        tokenSource,
		Database:      db,
		Reachability:  monitor,
		Backoff:       syncScheduler,
		ResyncTrigger: syncScheduler.TriggerEvent,
		UserID:        appConfig.UserID,
		Tables:        appConfig.Tables,
		BatchSize:     appConfig.RemoteBatchSize,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// Sign-in from the companion app lands as a session event; a fresh
	// session gets one debounced resync rather than the engine observing
	// shared auth state.
	sessionEvents := auth.NewSessionEvents()
	sessionEvents.Subscribe(func(event auth.SessionEvent) {
		if event.Active {
			syncScheduler.TriggerEvent()
		}
	})

	handler, err := control.NewHTTPHandler(control.Dependencies{
		Engine: orchestrator,
		Store:  localStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	controlServer := &http.Server{
		Addr:    appConfig.ControlAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(signalCtx)
	defer monitor.Stop()
	syncScheduler.Start(signalCtx)
	defer syncScheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server starting", zap.String("address", appConfig.ControlAddress))
		err := controlServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		// Suspension stops arming new cycles and flushes the queue; an
		// in-flight cycle finishes on its own.
		changeQueue.Persist()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return controlServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
