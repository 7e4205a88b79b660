package main

import (
	"fmt"
	"os"

	"github.com/liliang-cn/askchat/internal/config"
	"github.com/liliang-cn/askchat/internal/metrics"
	"github.com/liliang-cn/askchat/internal/repository"
	"github.com/liliang-cn/askchat/internal/service"
	"github.com/liliang-cn/askchat/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:           "askchat",
		Short:         "Chat with a RAG backend from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// app holds what every command needs
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *repository.DB
	registry *prometheus.Registry
	chat     *service.ChatService
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging")

	rootCmd.AddCommand(loginCmd(), logoutCmd(), assistantsCmd(), sessionsCmd(), historyCmd(), chatCmd(), relayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newApp loads configuration and wires the client stack
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := repository.NewDB(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	registry := prometheus.NewRegistry()
	creds := repository.NewCredentialRepository(db)
	prefs := repository.NewPreferenceRepository(db)

	client := service.NewClient(cfg.Backend, creds, logger)
	controller := session.NewController(service.NewStreamer(client), session.Options{
		Debounce:               cfg.Stream.Debounce,
		MaxWait:                cfg.Stream.MaxWait,
		Placeholder:            cfg.Stream.Placeholder,
		KeepOpenOnPause:        !cfg.Stream.AbortOnPause,
		PreservePartialOnError: cfg.Stream.PreservePartialOnError,
		Logger:                 logger.Named("session"),
		Metrics:                metrics.NewStream(registry),
	})

	chat := service.NewChatService(client, controller, creds, prefs, logger)
	if _, err := chat.RestoreCredential(); err != nil {
		logger.Warn("Failed to restore credential", zap.Error(err))
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		chat:     chat,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	_ = a.logger.Sync()
}

// withApp runs fn with a wired app and releases it afterwards
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}
