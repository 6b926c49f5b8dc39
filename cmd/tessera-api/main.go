package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/NorthglenLabs/tessera/backend/internal/actors"
	"github.com/NorthglenLabs/tessera/backend/internal/auth"
	"github.com/NorthglenLabs/tessera/backend/internal/blocks"
	"github.com/NorthglenLabs/tessera/backend/internal/cache"
	"github.com/NorthglenLabs/tessera/backend/internal/config"
	"github.com/NorthglenLabs/tessera/backend/internal/crdt"
	"github.com/NorthglenLabs/tessera/backend/internal/database"
	"github.com/NorthglenLabs/tessera/backend/internal/hub"
	"github.com/NorthglenLabs/tessera/backend/internal/logging"
	"github.com/NorthglenLabs/tessera/backend/internal/relay"
	"github.com/NorthglenLabs/tessera/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tessera-api",
		Short: "Tessera block document backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("relay-secret", "", "Shared secret for internal change notifications")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "relay.shared_secret", "relay-secret")
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

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func runServer(ctx context.Context) error {
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        "tessera-auth",
		Audience:      "tessera-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	actorRegistry, err := actors.NewService(actors.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	readCache, err := cache.New(cache.Config{
		Size: appConfig.CacheSize,
		TTL:  appConfig.CacheTTL,
	})
	if err != nil {
		return err
	}

	sessionHub := hub.NewHub(hub.Config{
		Logger:       logger,
		SendBuffer:   appConfig.SessionSendBuffer,
		WriteTimeout: appConfig.SessionWriteTimeout,
	})

	changeRelay := relay.NewRelay(relay.Config{
		Sink:   sessionHub,
		Logger: logger,
	})

	blocksService, err := blocks.NewService(blocks.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: uuidProvider{},
		Logger:     logger,
		Cache:      readCache,
		Relay:      changeRelay,
	})
	if err != nil {
		return err
	}

	syncStore, err := crdt.NewStore(crdt.StoreConfig{
		Logger: logger,
		Persist: func(ctx context.Context, documentID string, snapshot []byte) error {
			validated, err := blocks.NewDocumentID(documentID)
			if err != nil {
				return err
			}
			return blocksService.SaveSnapshot(ctx, validated, base64.StdEncoding.EncodeToString(snapshot))
		},
		FlushAfterUpdates: appConfig.SnapshotFlushUpdates,
		DebounceInterval:  appConfig.SnapshotDebounceInterval,
		MaxFlushDelay:     appConfig.SnapshotMaxFlushDelay,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		BlocksService: blocksService,
		Actors:        actorRegistry,
		SyncStore:     syncStore,
		Hub:           sessionHub,
		Relay:         changeRelay,
		Cache:         readCache,
		IDProvider:    uuidProvider{},
		RelaySecret:   appConfig.RelaySharedSecret,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go changeRelay.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
