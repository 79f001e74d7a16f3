package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sarus-health/mailqueue/internal/alerting/mattermost"
	"github.com/sarus-health/mailqueue/internal/config"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/filestore"
	"github.com/sarus-health/mailqueue/internal/mailqueue/logtransport"
	mqpostgres "github.com/sarus-health/mailqueue/internal/mailqueue/postgres"
	mqredis "github.com/sarus-health/mailqueue/internal/mailqueue/redis"
	"github.com/sarus-health/mailqueue/internal/mailqueue/smtp"
	"github.com/sarus-health/mailqueue/internal/mailqueue/sqlite"
	"github.com/sarus-health/mailqueue/internal/pkg/postgres"
)

// Storage is an open queue store. Pool is set for the postgres driver only.
type Storage struct {
	Store *mailqueue.Store
	Pool  *pgxpool.Pool
}

// Close releases the backend.
func (s *Storage) Close() error {
	err := s.Store.Close()
	if s.Pool != nil {
		s.Pool.Close()
	}
	return err
}

// OpenStorage opens the backend selected by cfg.Driver.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	var (
		repo mailqueue.Repository
		pool *pgxpool.Pool
		err  error
	)

	switch cfg.Driver {
	case config.DriverMemory:
		repo = mailqueue.NewMemoryRepository()
	case config.DriverFile:
		repo, err = filestore.New(cfg.File.Path)
	case config.DriverSQLite:
		repo, err = sqlite.Open(ctx, cfg.SQLite.Path)
	case config.DriverRedis:
		repo, err = mqredis.Open(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
	case config.DriverPostgres:
		pool, err = openPostgres(ctx, cfg.Postgres)
		if err == nil {
			repo = mqpostgres.NewRepository(pool)
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}

	slog.Info("queue storage opened", "driver", cfg.Driver)
	return &Storage{Store: mailqueue.NewStore(repo), Pool: pool}, nil
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.AutoMigrate {
		version, err := mqpostgres.Migrate(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("database schema up to date", "version", version)
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	return postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	})
}

// NewTransport builds the configured outbound transport. It returns a nil
// transport when delivery is disabled.
func NewTransport(cfg config.EmailConfig) (mailqueue.Transport, mailqueue.ErrorClassifier, error) {
	switch cfg.Transport {
	case config.TransportNone:
		slog.Warn("email transport is disabled: queued mail will not be delivered")
		return nil, nil, nil
	case config.TransportLog:
		slog.Warn("email transport is log: messages are written to the log, not sent")
		return logtransport.New(""), nil, nil
	case config.TransportSMTP:
		t, err := smtp.New(smtp.Config{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			From:        cfg.SMTP.From,
			ImplicitTLS: cfg.SMTP.ImplicitTLS,
			Timeout:     cfg.SMTP.Timeout,
			LocalName:   cfg.SMTP.LocalName,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, smtp.Classify, nil
	default:
		return nil, nil, fmt.Errorf("unknown email transport %q", cfg.Transport)
	}
}

// NewProcessor builds the queue processor with the configured transport,
// retry policy and alerter. It returns nil when delivery is disabled.
func NewProcessor(cfg *config.Config, store *mailqueue.Store) (*mailqueue.Processor, error) {
	transport, classifier, err := NewTransport(cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("create email transport: %w", err)
	}
	if transport == nil {
		return nil, nil
	}

	var opts []mailqueue.ProcessorOption
	if classifier != nil {
		opts = append(opts, mailqueue.WithErrorClassifier(classifier))
	}

	if cfg.Alerts.MattermostWebhookURL != "" {
		alerter, err := mattermost.New(mattermost.Config{
			WebhookURL: cfg.Alerts.MattermostWebhookURL,
			Channel:    cfg.Alerts.MattermostChannel,
			Username:   cfg.Alerts.MattermostUsername,
		})
		if err != nil {
			return nil, fmt.Errorf("create mattermost alerter: %w", err)
		}
		opts = append(opts, mailqueue.WithAlerter(alerter))
	}

	policy := mailqueue.RetryPolicy{
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
		Multiplier:     cfg.Queue.BackoffMultiplier,
	}

	return mailqueue.NewProcessor(store, transport, policy, opts...), nil
}
