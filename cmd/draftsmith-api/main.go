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

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/assistant"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/billing"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/config"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/database"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "draftsmith-api",
		Short: "Draftsmith writing backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("editor.debounce_ms"), "Autosave debounce window in milliseconds")
	cmd.PersistentFlags().String("assistant-base-url", defaults.GetString("assistant.base_url"), "Assistant API base URL")
	cmd.PersistentFlags().String("assistant-model", defaults.GetString("assistant.model"), "Assistant model name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("assistant-api-key", "", "Assistant API key (overrides env)")
	cmd.PersistentFlags().String("webhook-secret", "", "Billing webhook signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "editor.debounce_ms", "debounce-ms")
	bindFlag(cmd, "assistant.base_url", "assistant-base-url")
	bindFlag(cmd, "assistant.model", "assistant-model")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "assistant.api_key", "assistant-api-key")
	bindFlag(cmd, "billing.webhook_secret", "webhook-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "draftsmith-auth",
		Audience:      "draftsmith-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	billingService, err := billing.NewService(billing.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	generator, err := assistant.NewClient(assistant.ClientConfig{
		APIKey:  appConfig.AssistantAPIKey,
		BaseURL: appConfig.AssistantBaseURL,
		Model:   appConfig.AssistantModel,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	persister := server.NewDraftPersister(documentService, realtime, time.Now)

	sessionManager, err := editor.NewSessionManager(editor.SessionManagerConfig{
		Persister: persister,
		Generator: generator,
		Window:    appConfig.DebounceWindow,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:      accountService,
		Documents:     documentService,
		Sessions:      sessionManager,
		Billing:       billingService,
		TokenManager:  tokenManager,
		Persister:     persister,
		Realtime:      realtime,
		WebhookSecret: appConfig.WebhookSecret,
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
