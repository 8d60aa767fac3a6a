package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/database"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/logging"
	"github.com/parleylabs/parley/internal/notify"
	"github.com/parleylabs/parley/internal/server"
	"github.com/parleylabs/parley/internal/signaling"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley-relay",
		Short: "Wallet-to-wallet call signaling and presence relay",
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
	cmd.PersistentFlags().String("bridge-url", defaults.GetString("bridge.url"), "Chain bridge base URL")
	cmd.PersistentFlags().String("content-gateway", defaults.GetString("content.gateway"), "Content gateway base URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Float64("min-call-amount", defaults.GetFloat64("call.min_amount"), "Minimum funded amount for a first call")
	cmd.PersistentFlags().Int("api-min-version", defaults.GetInt("api.min_version"), "Minimum supported client protocol version")
	cmd.PersistentFlags().String("turn-realm", defaults.GetString("turn.realm"), "TURN realm for relay credentials")
	cmd.PersistentFlags().StringSlice("turn-urls", defaults.GetStringSlice("turn.urls"), "TURN server URLs handed to callees")
	cmd.PersistentFlags().String("token-signing-secret", "", "API token signing secret (overrides env)")
	cmd.PersistentFlags().String("relay-signing-key", "", "Relay voucher signing key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "bridge.url", "bridge-url")
	bindFlag(cmd, "content.gateway", "content-gateway")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "call.min_amount", "min-call-amount")
	bindFlag(cmd, "api.min_version", "api-min-version")
	bindFlag(cmd, "turn.realm", "turn-realm")
	bindFlag(cmd, "turn.urls", "turn-urls")
	bindFlag(cmd, "token.signing_secret", "token-signing-secret")
	bindFlag(cmd, "relay.signing_key", "relay-signing-key")
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

	bridge, err := ledger.NewBridge(ledger.BridgeConfig{BaseURL: appConfig.BridgeURL})
	if err != nil {
		return err
	}
	var content ledger.ContentStore
	if appConfig.ContentGateway != "" {
		gateway, err := ledger.NewGateway(ledger.GatewayConfig{BaseURL: appConfig.ContentGateway})
		if err != nil {
			return err
		}
		content = gateway
	}

	offers, err := ledger.NewAdapter(ledger.AdapterConfig{
		Database: db,
		Chain:    bridge,
		Content:  content,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	notifications, err := notify.NewDispatcher(notify.DispatcherConfig{
		Database:  db,
		Deliverer: notify.NewLogDeliverer(logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Content:  content,
	})
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(auth.VerifierConfig{FreshnessWindow: appConfig.AuthWindow})

	serviceConfig := signaling.ServiceConfig{
		Bus:            bus.New(),
		Offers:         offers,
		Notifications:  notifications,
		Users:          userService,
		Verifier:       verifier,
		MinCallAmount:  appConfig.MinCallAmount,
		NotifyCooldown: appConfig.NotifyCooldown,
		MinAPIVersion:  appConfig.MinAPIVersion,
		Logger:         logger,
	}
	if appConfig.SigningKey != "" {
		signingKey, err := auth.ParsePrivateKey(appConfig.SigningKey)
		if err != nil {
			return err
		}
		serviceConfig.SigningKey = signingKey
	}
	if appConfig.TurnRealm != "" {
		minter, err := turn.NewMinter(turn.MinterConfig{
			Realm: appConfig.TurnRealm,
			URLs:  appConfig.TurnURLs,
			TTL:   appConfig.TurnCredentialTTL,
			Store: gocache.New(gocache.NoExpiration, time.Minute),
		})
		if err != nil {
			return err
		}
		serviceConfig.Turn = minter
	}

	relayService, err := signaling.NewService(serviceConfig)
	if err != nil {
		return err
	}
	defer relayService.Guard().Close()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.TokenSecret),
		Issuer:        "parley-relay",
		Audience:      "parley-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Signaling: relayService,
		Users:     userService,
		Tokens:    tokenIssuer,
		Verifier:  verifier,
		Logger:    logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", zap.String("address", appConfig.HTTPAddress))
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
