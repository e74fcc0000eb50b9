package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	database "github.com/FACorreiaa/go-trip-planner/app/db"
	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	"github.com/FACorreiaa/go-trip-planner/config"
	"github.com/FACorreiaa/go-trip-planner/internal/api/destinations"
	generativeAI "github.com/FACorreiaa/go-trip-planner/internal/api/generative_ai"
	"github.com/FACorreiaa/go-trip-planner/internal/api/itinerary"
	"github.com/FACorreiaa/go-trip-planner/internal/api/preferences"
	"github.com/FACorreiaa/go-trip-planner/internal/api/propagator"
	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
)

// Container holds all application dependencies
type Container struct {
	Config              *config.Config
	Logger              *slog.Logger
	Pool                *pgxpool.Pool
	Redis               *redis.Client
	Snapshots           snapshot.Store
	Propagator          *propagator.Propagator
	PreferencesHandler  *preferences.Handler
	DestinationsHandler *destinations.Handler
	ItineraryHandler    *itinerary.Handler
	ItineraryService    *itinerary.ServiceImpl
}

// NewContainer wires repositories, services and handlers over an open pool.
// appMetrics may be nil.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, appMetrics *metrics.AppMetrics, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
		Pool:   pool,
	}

	switch cfg.Planner.SnapshotBackend {
	case "redis":
		client, err := database.InitRedis(ctx, cfg.Repositories.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
		}
		c.Redis = client
		c.Snapshots = snapshot.NewRedisStore(client, cfg.Planner.SessionTTL)
	case "memory":
		c.Snapshots = snapshot.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Planner.SnapshotBackend)
	}

	aiClient, err := generativeAI.NewAIClient(ctx, cfg.AI, appMetrics, logger)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize AI client: %w", err)
	}

	c.Propagator = propagator.New(c.Snapshots, propagator.Options{
		ProgressInterval: cfg.Planner.ProgressInterval,
		ProgressCap:      cfg.Planner.ProgressCap,
		Metrics:          appMetrics,
	}, logger)

	// preferences
	preferencesRepo := preferences.NewRepository(pool, logger)
	preferencesService := preferences.NewService(preferencesRepo, c.Snapshots, c.Propagator, logger)
	c.PreferencesHandler = preferences.NewHandler(preferencesService, logger)

	// destinations
	destinationsRepo := destinations.NewRepository(pool, appMetrics, logger)
	destinationsService := destinations.NewService(destinationsRepo, aiClient, c.Snapshots, destinations.Options{
		CacheTTL:     cfg.Planner.CacheTTL,
		CacheCleanup: cfg.Planner.CacheCleanup,
		Temperature:  cfg.AI.Temperature,
		Metrics:      appMetrics,
	}, logger)
	c.DestinationsHandler = destinations.NewHandler(destinationsService, logger)

	// itinerary
	itineraryRepo := itinerary.NewRepository(pool, appMetrics, logger)
	c.ItineraryService = itinerary.NewService(itineraryRepo, aiClient, c.Propagator, itinerary.Options{
		Temperature: cfg.AI.Temperature,
		Metrics:     appMetrics,
	}, logger)
	c.ItineraryHandler = itinerary.NewHandler(c.ItineraryService, logger)

	return c, nil
}

// Shutdown waits for background itinerary generations, then releases resources.
func (c *Container) Shutdown(ctx context.Context) error {
	var err error
	if c.ItineraryService != nil {
		if waitErr := c.ItineraryService.Wait(ctx); waitErr != nil {
			err = fmt.Errorf("itinerary generations still running: %w", waitErr)
		}
	}
	return errors.Join(err, c.Close())
}

// Close releases the snapshot store connection. The pool is owned by the caller.
func (c *Container) Close() error {
	if c.Redis != nil {
		return c.Redis.Close()
	}
	return nil
}
