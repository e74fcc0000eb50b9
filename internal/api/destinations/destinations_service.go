package destinations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/genai"

	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	generativeAI "github.com/FACorreiaa/go-trip-planner/internal/api/generative_ai"
	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const defaultTemperature = 0.5

var _ Service = (*ServiceImpl)(nil)

type Service interface {
	// Resolve returns destinations for prefs: a cached or stored result for
	// the same preference fingerprint when one exists, the AI backend otherwise.
	Resolve(ctx context.Context, userID *uuid.UUID, prefs types.PreferenceSet) ([]types.Destination, error)
	// ResolveSession resolves the session's selected preferences and stores
	// the list as the session's destinations.
	ResolveSession(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID) ([]types.Destination, error)
	Details(ctx context.Context, sessionID *uuid.UUID, title, description string) (*types.DestinationDetails, error)
	Select(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, title string) (*types.Destination, error)
}

type Options struct {
	CacheTTL     time.Duration
	CacheCleanup time.Duration
	Temperature  float32
	Metrics      *metrics.AppMetrics
}

type ServiceImpl struct {
	logger      *slog.Logger
	repo        Repository
	ai          generativeAI.ContentGenerator
	snapshots   snapshot.Store
	cache       *cache.Cache
	group       singleflight.Group
	temperature float32
	metrics     *metrics.AppMetrics
}

func NewService(repo Repository, ai generativeAI.ContentGenerator, snapshots snapshot.Store, opts Options, logger *slog.Logger) *ServiceImpl {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cleanup := opts.CacheCleanup
	if cleanup <= 0 {
		cleanup = 1 * time.Hour
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &ServiceImpl{
		logger:      logger,
		repo:        repo,
		ai:          ai,
		snapshots:   snapshots,
		cache:       cache.New(ttl, cleanup),
		temperature: temperature,
		metrics:     opts.Metrics,
	}
}

func searchCacheKey(userID *uuid.UUID, fingerprint string) string {
	owner := "anonymous"
	if userID != nil {
		owner = userID.String()
	}
	return "search:" + owner + ":" + fingerprint
}

func detailsCacheKey(destinationKey uuid.UUID) string {
	return "details:" + destinationKey.String()
}

func (s *ServiceImpl) Resolve(ctx context.Context, userID *uuid.UUID, prefs types.PreferenceSet) ([]types.Destination, error) {
	fingerprint := prefs.Fingerprint()
	ctx, span := otel.Tracer("DestinationsService").Start(ctx, "Resolve", trace.WithAttributes(
		attribute.String("preferences.fingerprint", fingerprint),
		attribute.Bool("user.authenticated", userID != nil),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Resolve"), slog.String("fingerprint", fingerprint))

	cacheKey := searchCacheKey(userID, fingerprint)
	if cached, found := s.cache.Get(cacheKey); found {
		s.countLookup(ctx, "search", true)
		l.DebugContext(ctx, "Destinations served from cache")
		span.SetStatus(codes.Ok, "Cache hit")
		return cloneDestinations(cached.([]types.Destination)), nil
	}
	s.countLookup(ctx, "search", false)

	result, err, shared := s.group.Do(cacheKey, func() (interface{}, error) {
		return s.resolveUncached(context.WithoutCancel(ctx), l, userID, prefs, cacheKey)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Resolve failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("singleflight.shared", shared))
	span.SetStatus(codes.Ok, "Destinations resolved")
	return cloneDestinations(result.([]types.Destination)), nil
}

func (s *ServiceImpl) resolveUncached(ctx context.Context, l *slog.Logger, userID *uuid.UUID, prefs types.PreferenceSet, cacheKey string) ([]types.Destination, error) {
	fingerprint := prefs.Fingerprint()

	if userID != nil {
		stored, err := s.repo.FindSearch(ctx, *userID, fingerprint)
		switch {
		case err == nil:
			l.InfoContext(ctx, "Destinations served from stored search", slog.Int("count", len(stored)))
			s.cache.Set(cacheKey, stored, cache.DefaultExpiration)
			return stored, nil
		case errors.Is(err, types.ErrNotFound):
		default:
			l.ErrorContext(ctx, "Failed to read stored search", slog.Any("error", err))
			return nil, err
		}
	}

	text, err := s.ai.GenerateContent(ctx, generateDestinationsPrompt(prefs), s.generationConfig())
	if err != nil {
		l.ErrorContext(ctx, "AI destination request failed", slog.Any("error", err))
		return nil, fmt.Errorf("error generating destinations: %w", err)
	}

	var parsed []types.Destination
	if err := generativeAI.DecodeJSON(text, '[', &parsed); err != nil {
		l.ErrorContext(ctx, "Failed to parse destinations", slog.Any("error", err))
		return nil, fmt.Errorf("error parsing destinations: %w", err)
	}
	destinations := make([]types.Destination, 0, len(parsed))
	for _, d := range parsed {
		if d.Title == "" {
			continue
		}
		destinations = append(destinations, d)
	}
	if len(destinations) == 0 {
		return nil, fmt.Errorf("%w: response held no titled destinations", types.ErrParseFailure)
	}

	if userID != nil {
		if err := s.repo.SaveSearch(ctx, *userID, prefs, destinations); err != nil {
			s.countPersistenceFailure(ctx, "search_criteria")
			l.WarnContext(ctx, "Failed to persist search, continuing", slog.Any("error", err))
		}
	}
	s.cache.Set(cacheKey, destinations, cache.DefaultExpiration)
	l.InfoContext(ctx, "Destinations generated", slog.Int("count", len(destinations)))
	return destinations, nil
}

func (s *ServiceImpl) ResolveSession(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID) ([]types.Destination, error) {
	ctx, span := otel.Tracer("DestinationsService").Start(ctx, "ResolveSession", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	var prefs types.PreferenceSet
	found, err := s.snapshots.Get(ctx, snapshot.SelectedPreferencesKey(sessionID), &prefs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read session preferences: %w", err)
	}
	if !found || len(prefs) == 0 {
		span.SetStatus(codes.Error, "No preferences")
		return nil, fmt.Errorf("%w: no preferences selected for session %s", types.ErrInvalidInput, sessionID)
	}

	destinations, err := s.Resolve(ctx, userID, prefs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Resolve failed")
		return nil, err
	}
	if err := s.snapshots.Set(ctx, snapshot.DestinationsKey(sessionID), destinations); err != nil {
		s.logger.WarnContext(ctx, "Failed to store session destinations", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	span.SetStatus(codes.Ok, "Session destinations resolved")
	return destinations, nil
}

// Details returns the stored details of a destination, generating and
// storing them on first request. With a session the details are also
// attached to the session's copy of the destination.
func (s *ServiceImpl) Details(ctx context.Context, sessionID *uuid.UUID, title, description string) (*types.DestinationDetails, error) {
	key := types.DestinationKey(title)
	ctx, span := otel.Tracer("DestinationsService").Start(ctx, "Details", trace.WithAttributes(
		attribute.String("destination.title", title),
		attribute.String("destination.key", key.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Details"), slog.String("title", title))

	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: destination title is required", types.ErrInvalidInput)
	}

	result, err, _ := s.group.Do(detailsCacheKey(key), func() (interface{}, error) {
		return s.details(context.WithoutCancel(ctx), l, key, title, description)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Details failed")
		return nil, err
	}
	details := result.(*types.DestinationDetails)

	if sessionID != nil {
		s.attachDetails(ctx, *sessionID, key, details)
	}
	span.SetStatus(codes.Ok, "Details resolved")
	copied := *details
	return &copied, nil
}

func (s *ServiceImpl) details(ctx context.Context, l *slog.Logger, key uuid.UUID, title, description string) (*types.DestinationDetails, error) {
	cacheKey := detailsCacheKey(key)
	if cached, found := s.cache.Get(cacheKey); found {
		s.countLookup(ctx, "details", true)
		return cached.(*types.DestinationDetails), nil
	}
	s.countLookup(ctx, "details", false)

	stored, err := s.repo.GetDetails(ctx, key)
	switch {
	case err == nil:
		l.DebugContext(ctx, "Details served from store")
		s.cache.Set(cacheKey, stored, cache.DefaultExpiration)
		return stored, nil
	case errors.Is(err, types.ErrNotFound):
	default:
		l.ErrorContext(ctx, "Failed to read stored details", slog.Any("error", err))
		return nil, err
	}

	text, err := s.ai.GenerateContent(ctx, generateDetailsPrompt(title, description), s.generationConfig())
	if err != nil {
		l.ErrorContext(ctx, "AI details request failed", slog.Any("error", err))
		return nil, fmt.Errorf("error generating destination details: %w", err)
	}
	var details types.DestinationDetails
	if err := generativeAI.DecodeJSON(text, '{', &details); err != nil {
		l.ErrorContext(ctx, "Failed to parse destination details", slog.Any("error", err))
		return nil, fmt.Errorf("error parsing destination details: %w", err)
	}

	if err := s.repo.SaveDetails(ctx, key, title, &details); err != nil {
		s.countPersistenceFailure(ctx, "destination_details")
		l.WarnContext(ctx, "Failed to persist destination details, continuing", slog.Any("error", err))
	}
	s.cache.Set(cacheKey, &details, cache.DefaultExpiration)
	return &details, nil
}

// attachDetails adds details to the session's copies of the destination.
// Each key is updated in place so an itinerary published meanwhile survives.
func (s *ServiceImpl) attachDetails(ctx context.Context, sessionID uuid.UUID, key uuid.UUID, details *types.DestinationDetails) {
	var destinations []types.Destination
	err := s.snapshots.Update(ctx, snapshot.DestinationsKey(sessionID), &destinations, func(found bool) bool {
		changed := false
		for i := range destinations {
			if types.DestinationKey(destinations[i].Title) == key {
				copied := *details
				destinations[i].Details = &copied
				changed = true
			}
		}
		return found && changed
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to attach details to session destinations", slog.Any("error", err))
	}

	var selected types.Destination
	err = s.snapshots.Update(ctx, snapshot.SelectedDestinationKey(sessionID), &selected, func(found bool) bool {
		if !found || types.DestinationKey(selected.Title) != key {
			return false
		}
		copied := *details
		selected.Details = &copied
		return true
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to attach details to selected destination", slog.Any("error", err))
	}
}

// Select makes one of the session's resolved destinations the selected one.
func (s *ServiceImpl) Select(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, title string) (*types.Destination, error) {
	ctx, span := otel.Tracer("DestinationsService").Start(ctx, "Select", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("destination.title", title),
	))
	defer span.End()

	var destinations []types.Destination
	found, err := s.snapshots.Get(ctx, snapshot.DestinationsKey(sessionID), &destinations)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read session destinations: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no destinations resolved for session %s: %w", sessionID, types.ErrNotFound)
	}

	key := types.DestinationKey(title)
	var selected *types.Destination
	for i := range destinations {
		if types.DestinationKey(destinations[i].Title) == key {
			selected = &destinations[i]
			break
		}
	}
	if selected == nil {
		span.SetStatus(codes.Error, "Unknown destination")
		return nil, fmt.Errorf("destination %q is not among the session's results: %w", title, types.ErrNotFound)
	}

	if err := s.snapshots.Set(ctx, snapshot.SelectedDestinationKey(sessionID), selected); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store selected destination: %w", err)
	}
	if userID != nil {
		if err := s.repo.SaveSelection(ctx, *userID, *selected); err != nil {
			s.countPersistenceFailure(ctx, "destinations")
			s.logger.WarnContext(ctx, "Failed to record selected destination, continuing", slog.Any("error", err))
		}
	}
	span.SetStatus(codes.Ok, "Destination selected")
	return selected, nil
}

func (s *ServiceImpl) generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](s.temperature)}
}

func (s *ServiceImpl) countLookup(ctx context.Context, kind string, hit bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", kind),
		attribute.Bool("hit", hit),
	))
}

func (s *ServiceImpl) countPersistenceFailure(ctx context.Context, table string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PersistenceFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

func cloneDestinations(in []types.Destination) []types.Destination {
	out := make([]types.Destination, len(in))
	copy(out, in)
	return out
}
