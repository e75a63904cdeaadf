package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/hedgeworks/hedgebot/internal/blob/s3"
	"github.com/hedgeworks/hedgebot/internal/cache/redis"
	"github.com/hedgeworks/hedgebot/internal/config"
	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/feed"
	"github.com/hedgeworks/hedgebot/internal/notify"
	"github.com/hedgeworks/hedgebot/internal/paper"
	"github.com/hedgeworks/hedgebot/internal/store/postgres"
	"github.com/hedgeworks/hedgebot/internal/venue"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	OrderStore    domain.OrderStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache domain.PriceCache
	SignalBus  domain.SignalBus

	// Venue access. In paper mode all three are served by the simulated
	// venue; in monitor mode Venue and Wallet stay nil.
	Venue  domain.ExecutionVenue
	Wallet domain.WalletProvider
	Feed   domain.PriceFeed

	// WS is the live websocket feed when one was wired; its Run loop is the
	// caller's responsibility.
	WS *feed.VenueWS

	// Paper is the simulated venue in paper mode, exposed so the mode can
	// seed prices and balances.
	Paper *paper.Venue

	// Blob storage, nil unless s3.enabled.
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier
}

// needsLiveVenue returns true for modes that place real orders.
func needsLiveVenue(mode string) bool {
	return mode == "live"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Venue, wallet and price feed, by mode ---
	switch {
	case needsLiveVenue(mode):
		client := venue.NewClient(cfg.Venue.RPCURL)
		deps.Venue = client
		deps.Wallet = client

		ws := feed.NewVenueWS(cfg.Venue.WSURL, cfg.Venue.Instruments, deps.PriceCache, logger)
		closers = append(closers, ws.Close)
		deps.WS = ws
		deps.Feed = ws

	case mode == "paper":
		sim := paper.NewVenue(logger)
		deps.Paper = sim
		deps.Venue = sim
		deps.Wallet = sim
		deps.Feed = sim

		// With a websocket URL configured, live ticks drive the simulated
		// book; otherwise prices must be seeded through the paper venue.
		if cfg.Venue.WSURL != "" {
			ws := feed.NewVenueWS(cfg.Venue.WSURL, cfg.Venue.Instruments, deps.PriceCache, logger)
			closers = append(closers, ws.Close)
			deps.WS = ws
		}

	default:
		// Monitor mode is read-only. The websocket feed still runs when
		// configured so positions are marked against live prices.
		if cfg.Venue.WSURL != "" {
			ws := feed.NewVenueWS(cfg.Venue.WSURL, cfg.Venue.Instruments, deps.PriceCache, logger)
			closers = append(closers, ws.Close)
			deps.WS = ws
			deps.Feed = ws
		}
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			logger,
			deps.BlobWriter,
			deps.PositionStore,
			deps.OrderStore,
			deps.AuditStore,
			cfg.Trader.UserID,
			cfg.Archive.RetentionDays,
			cfg.Archive.Interval.Duration,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
