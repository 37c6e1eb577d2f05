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

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/config"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/database"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/hub"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/server"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/tenants"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workchat-api",
		Short: "WorkChat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

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
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("hub-queue-capacity", defaults.GetInt("hub.queue_capacity"), "Per-connection outbound queue capacity")
	cmd.PersistentFlags().Int("hub-heartbeat-seconds", defaults.GetInt("hub.heartbeat_seconds"), "Heartbeat interval in seconds")
	cmd.PersistentFlags().Int("hub-max-missed-checks", defaults.GetInt("hub.max_missed_checks"), "Heartbeat misses before eviction")
	cmd.PersistentFlags().Int("hub-org-connection-cap", defaults.GetInt("hub.org_connection_cap"), "Maximum live connections per organization")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "hub.queue_capacity", "hub-queue-capacity")
	bindFlag(cmd, "hub.heartbeat_seconds", "hub-heartbeat-seconds")
	bindFlag(cmd, "hub.max_missed_checks", "hub-max-missed-checks")
	bindFlag(cmd, "hub.org_connection_cap", "hub-org-connection-cap")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        "workchat-auth",
		Audience:      "workchat-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	idProvider := chat.NewUUIDProvider()
	metricsSet := metrics.NewSet()

	auditEngine, err := audit.NewEngine(audit.EngineConfig{IDProvider: idProvider})
	if err != nil {
		return err
	}

	indexer, err := search.NewIndexer(search.IndexerConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	store, err := chat.NewStore(chat.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Audit:      auditEngine,
		Search:     indexer,
		Logger:     logger,
		Metrics:    metricsSet,
	})
	if err != nil {
		return err
	}

	broadcastHub, err := hub.New(hub.Config{
		QueueCapacity:     appConfig.HubQueueCapacity,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		MaxMissedChecks:   appConfig.MaxMissedChecks,
		OrgConnectionCap:  appConfig.OrgConnectionCap,
		IDProvider:        idProvider,
		Logger:            logger,
		Metrics:           metricsSet,
	})
	if err != nil {
		return err
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Database: db,
		Hub:      broadcastHub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	broadcastHub.SetListener(tracker)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Search:       indexer,
		Audit:        auditEngine,
		Hub:          broadcastHub,
		Presence:     tracker,
		Database:     db,
		Metrics:      metricsSet,
		Logger:       logger,
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

	go broadcastHub.Run(signalCtx)
	go indexer.Run(signalCtx)

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

// newIssueTokenCommand mints a backend token for local development and
// operational tooling, creating the organization row when needed.
func newIssueTokenCommand() *cobra.Command {
	var userID string
	var orgName string

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a backend token for a user within an organization",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			db, err := database.OpenSQLite(appConfig.DatabasePath, nil)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			tenantService, err := tenants.NewService(tenants.ServiceConfig{
				Database:   db,
				IDProvider: chat.NewUUIDProvider(),
			})
			if err != nil {
				return err
			}
			orgID, err := tenantService.EnsureOrganization(cmd.Context(), orgName)
			if err != nil {
				return err
			}

			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        "workchat-auth",
				Audience:      "workchat-api",
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID, orgID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "org_id: %s\ntoken: %s\nexpires_in: %d\n", orgID, token, expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User identifier the token is issued for")
	cmd.Flags().StringVar(&orgName, "org", "", "Organization name the token is scoped to")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}
