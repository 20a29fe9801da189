// Package main is the entry point for the ACS SMTP relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/acs-smtp-relay/internal/config"
	"github.com/shineum/acs-smtp-relay/internal/health"
	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/provider"
	"github.com/shineum/acs-smtp-relay/internal/provider/acs"
	"github.com/shineum/acs-smtp-relay/internal/provider/ses"
	"github.com/shineum/acs-smtp-relay/internal/provider/stdout"
	"github.com/shineum/acs-smtp-relay/internal/smtp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or TOML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailer, err := selectMailer(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		Mailer:          mailer,
		MaxMessageSize:  cfg.SMTP.MaxMessageSize,
		IdleTimeout:     cfg.SMTP.ConnectionTimeout,
		MaxConnections:  cfg.SMTP.MaxConnections,
		ShutdownTimeout: cfg.SMTP.ShutdownTimeout,
		Metrics:         collector,
	})

	slog.Info("starting acs-smtp-relay",
		"version", health.Version,
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"provider", mailer.Name(),
		"max_message_size", cfg.SMTP.MaxMessageSize,
		"max_connections", cfg.SMTP.MaxConnections,
		"metrics_listen", cfg.Metrics.Listen,
	)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return health.New(cfg.Metrics.Listen, collector).ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		return collector.StartLogger(gctx, cfg.Metrics.LogInterval)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	collector.LogSnapshot()
	slog.Info("acs-smtp-relay stopped")
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug", "trace":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectMailer builds the email delivery backend named by cfg.Provider.
func selectMailer(ctx context.Context, cfg *config.Config) (provider.Mailer, error) {
	policy := provider.SenderPolicy{
		Default:        cfg.Sender.Address,
		AllowedDomains: cfg.Sender.AllowedDomains,
	}

	switch cfg.Provider {
	case config.ProviderACS:
		slog.Info("using Azure Communication Services provider",
			"endpoint", cfg.ACS.Endpoint,
			"sender", cfg.Sender.Address,
			"allowed_domains", cfg.Sender.AllowedDomains,
		)
		return acs.New(acs.Config{
			Endpoint:    cfg.ACS.Endpoint,
			AccessKey:   cfg.ACS.AccessKey,
			Sender:      policy,
			HTTPTimeout: cfg.ACS.HTTPTimeout,
		})

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.Sender.Address,
		)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          policy,
		})

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(policy), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
