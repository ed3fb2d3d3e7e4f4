package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/gateway"
	"github.com/khattaby/collaborative-whiteboard/internal/mirror"
	"github.com/khattaby/collaborative-whiteboard/internal/router"
	"github.com/khattaby/collaborative-whiteboard/internal/session"
	"github.com/khattaby/collaborative-whiteboard/internal/store"
)

// Services wires the sync core together.
type Services struct {
	Manager *gateway.ConnectionManager
	Handler *gateway.Handler
	Mirror  mirror.Publisher

	pool *pgxpool.Pool
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	limiter := session.NewRateLimiter(clock, config.RateLimit.EventsPerWindow, config.rateWindow())
	registry := session.NewRegistry(limiter)

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	tracker := gateway.NewTracker(manager)

	var (
		backing store.Store = store.NopStore{}
		pool    *pgxpool.Pool
	)
	if config.Persistence.PostgresURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, config.Persistence.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		backing = store.NewPostgresStore(pool)
		log.Info().Msg("postgres persistence enabled")
	} else {
		log.Warn().Msg("no DATABASE_URL configured, sessions are memory-only")
	}
	saver := store.NewSaver(backing, registry.Snapshot, clock, config.saveDelay())

	var publisher mirror.Publisher = mirror.NopPublisher{}
	if config.Mirror.NATSURL != "" {
		natsConfig := mirror.DefaultNATSConfig()
		natsConfig.URL = config.Mirror.NATSURL
		natsConfig.SubjectPrefix = config.Mirror.SubjectPrefix
		p, err := mirror.NewNATSPublisher(natsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event mirror: %w", err)
		}
		publisher = p
		log.Info().Str("url", config.Mirror.NATSURL).Msg("event mirror enabled")
	}

	eventRouter := router.New(registry, manager, tracker, router.AllowAll{}, saver, publisher)
	manager.SetHandler(eventRouter)

	verifier := gateway.NewTokenVerifier(config.Auth.JWTSecret)
	if verifier == nil {
		log.Warn().Msg("no JWT_SECRET configured, connections are trusted on their claimed identity")
	}
	handler := gateway.NewHandler(manager, verifier)

	return &Services{
		Manager: manager,
		Handler: handler,
		Mirror:  publisher,
		pool:    pool,
	}, nil
}

// Close releases external resources.
func (s *Services) Close() {
	if s.Mirror != nil {
		s.Mirror.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
