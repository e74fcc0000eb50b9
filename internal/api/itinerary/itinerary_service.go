package itinerary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/genai"

	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	generativeAI "github.com/FACorreiaa/go-trip-planner/internal/api/generative_ai"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const defaultTemperature = 0.5

// Broadcaster keeps every view of a session in sync with its itinerary.
type Broadcaster interface {
	BeginGeneration(ctx context.Context, sessionID uuid.UUID)
	Publish(ctx context.Context, sessionID uuid.UUID, itinerary *types.Itinerary, destination *types.Destination)
	Fail(ctx context.Context, sessionID uuid.UUID, cause error)
	Cancel(ctx context.Context, sessionID uuid.UUID)
	Mutate(ctx context.Context, sessionID uuid.UUID, edit func(*types.Itinerary) error) (*types.Itinerary, error)
	Snapshot(ctx context.Context, sessionID uuid.UUID) (types.SessionSnapshot, error)
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan types.ItineraryEvent, func())
}

var _ Service = (*ServiceImpl)(nil)

type Service interface {
	// Generate builds an itinerary for destination starting at startDate.
	Generate(ctx context.Context, userID *uuid.UUID, destination types.Destination, prefs types.PreferenceSet, startDate time.Time) (*types.Itinerary, error)
	// StartGeneration runs Generate for the session's selected destination in
	// the background; the outcome reaches subscribers through the broadcaster.
	StartGeneration(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, startDate time.Time) error
	Current(ctx context.Context, sessionID uuid.UUID) (types.SessionSnapshot, error)
	Events(ctx context.Context, sessionID uuid.UUID) (<-chan types.ItineraryEvent, func())
	Cancel(ctx context.Context, sessionID uuid.UUID)
	Reorder(ctx context.Context, sessionID uuid.UUID, day, from, to int) (*types.Itinerary, error)
	RemoveActivity(ctx context.Context, sessionID uuid.UUID, day, index int) (*types.Itinerary, error)
	SetVisibility(ctx context.Context, userID uuid.UUID, destinationTitle string, public bool) error
	List(ctx context.Context, userID uuid.UUID) ([]types.SavedItinerary, error)
	// Wait blocks until background generations finish or ctx is done.
	Wait(ctx context.Context) error
}

type Options struct {
	Temperature float32
	Metrics     *metrics.AppMetrics
}

type ServiceImpl struct {
	logger      *slog.Logger
	repo        Repository
	ai          generativeAI.ContentGenerator
	broadcaster Broadcaster
	group       singleflight.Group
	inflight    sync.WaitGroup
	temperature float32
	metrics     *metrics.AppMetrics
}

func NewService(repo Repository, ai generativeAI.ContentGenerator, broadcaster Broadcaster, opts Options, logger *slog.Logger) *ServiceImpl {
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &ServiceImpl{
		logger:      logger,
		repo:        repo,
		ai:          ai,
		broadcaster: broadcaster,
		temperature: temperature,
		metrics:     opts.Metrics,
	}
}

func (s *ServiceImpl) Generate(ctx context.Context, userID *uuid.UUID, destination types.Destination, prefs types.PreferenceSet, startDate time.Time) (*types.Itinerary, error) {
	key := types.DestinationKey(destination.Title)
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "Generate", trace.WithAttributes(
		attribute.String("destination.title", destination.Title),
		attribute.String("destination.key", key.String()),
		attribute.String("itinerary.start_date", startDate.Format(types.DateLayout)),
		attribute.Bool("user.authenticated", userID != nil),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Generate"), slog.String("destination", destination.Title))

	if strings.TrimSpace(destination.Title) == "" {
		return nil, fmt.Errorf("%w: destination title is required", types.ErrInvalidInput)
	}
	if startDate.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", types.ErrInvalidInput)
	}

	flightKey := strings.Join([]string{key.String(), prefs.Fingerprint(), startDate.Format(types.DateLayout)}, "|")
	result, err, shared := s.group.Do(flightKey, func() (interface{}, error) {
		return s.produce(context.WithoutCancel(ctx), l, key, destination, prefs, startDate)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Generation failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("singleflight.shared", shared))
	itinerary := result.(*types.Itinerary).Clone()

	if userID != nil {
		s.persist(ctx, l, *userID, key, destination, prefs, startDate, itinerary)
	}

	span.SetStatus(codes.Ok, "Itinerary generated")
	return itinerary, nil
}

// produce prefers a public itinerary for the destination, shifted to
// startDate, over a new AI generation.
func (s *ServiceImpl) produce(ctx context.Context, l *slog.Logger, key uuid.UUID, destination types.Destination, prefs types.PreferenceSet, startDate time.Time) (*types.Itinerary, error) {
	var itinerary *types.Itinerary

	public, err := s.repo.FindPublicItinerary(ctx, key)
	switch {
	case err == nil:
		l.InfoContext(ctx, "Reusing public itinerary", slog.String("itinerary_id", public.ID.String()), slog.Int("days", len(public.Itinerary.Days)))
		itinerary = public.Itinerary.ShiftDates(startDate)
	case errors.Is(err, types.ErrNotFound):
		itinerary, err = s.generateWithAI(ctx, l, destination, prefs, startDate)
		if err != nil {
			return nil, err
		}
	default:
		l.ErrorContext(ctx, "Failed to look up public itinerary", slog.Any("error", err))
		return nil, err
	}

	s.saveLocations(ctx, l, itinerary)
	return itinerary, nil
}

func (s *ServiceImpl) generateWithAI(ctx context.Context, l *slog.Logger, destination types.Destination, prefs types.PreferenceSet, startDate time.Time) (*types.Itinerary, error) {
	days := tripLength(prefs)
	prompt := generateItineraryPrompt(destination, prefs, startDate, days)
	config := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](s.temperature)}

	text, err := s.ai.GenerateContent(ctx, prompt, config)
	if err != nil {
		l.ErrorContext(ctx, "AI itinerary request failed", slog.Any("error", err))
		return nil, fmt.Errorf("error generating itinerary: %w", err)
	}

	var parsed types.Itinerary
	if err := generativeAI.DecodeJSON(text, '{', &parsed); err != nil {
		l.ErrorContext(ctx, "Failed to parse itinerary", slog.Any("error", err))
		return nil, fmt.Errorf("error parsing itinerary: %w", err)
	}
	if len(parsed.Days) == 0 {
		return nil, fmt.Errorf("%w: itinerary has no days", types.ErrParseFailure)
	}
	for i := range parsed.Days {
		for j := range parsed.Days[i].Activities {
			a := &parsed.Days[i].Activities[j]
			a.Category = types.NormalizeActivityCategory(a.Category)
		}
		if parsed.Days[i].Activities == nil {
			parsed.Days[i].Activities = []types.Activity{}
		}
	}

	l.InfoContext(ctx, "Itinerary generated", slog.Int("requested_days", days), slog.Int("days", len(parsed.Days)))
	return parsed.ShiftDates(startDate), nil
}

// saveLocations caches the coordinates of every activity that has them,
// under the activity's place name and under its city. Failures are logged.
func (s *ServiceImpl) saveLocations(ctx context.Context, l *slog.Logger, itinerary *types.Itinerary) {
	seen := make(map[string]struct{})
	for _, day := range itinerary.Days {
		for _, activity := range day.Activities {
			if !activity.HasCoordinates() {
				continue
			}
			for _, name := range locationNames(activity) {
				if _, ok := seen[name]; ok {
					continue
				}
				seen[name] = struct{}{}
				err := s.repo.UpsertLocation(ctx, types.Location{
					Name:      name,
					Latitude:  *activity.Latitude,
					Longitude: *activity.Longitude,
				})
				if err != nil {
					s.countPersistenceFailure(ctx, "locations")
					l.WarnContext(ctx, "Failed to save location, continuing", slog.String("location", name), slog.Any("error", err))
				}
			}
		}
	}
}

// locationNames returns the activity-level name and the city-level name,
// the trailing comma separated segment of the location.
func locationNames(activity types.Activity) []string {
	place := strings.TrimSpace(activity.Location)
	if place == "" {
		place = strings.TrimSpace(activity.Title)
	}
	if place == "" {
		return nil
	}
	names := []string{place}
	if idx := strings.LastIndex(place, ","); idx >= 0 {
		if city := strings.TrimSpace(place[idx+1:]); city != "" && city != place {
			names = append(names, city)
		}
	}
	return names
}

// persist stores the first itinerary a user gets for a destination, public
// by default. Later generations for the same pair are not stored.
func (s *ServiceImpl) persist(ctx context.Context, l *slog.Logger, userID, key uuid.UUID, destination types.Destination, prefs types.PreferenceSet, startDate time.Time, itinerary *types.Itinerary) {
	exists, err := s.repo.ItineraryExists(ctx, userID, key)
	if err != nil {
		l.WarnContext(ctx, "Failed to check for an existing itinerary, skipping save", slog.Any("error", err))
		return
	}
	if exists {
		return
	}
	id, err := s.repo.SaveItinerary(ctx, types.SavedItinerary{
		UserID:           userID,
		DestinationID:    key,
		DestinationTitle: destination.Title,
		Preferences:      prefs,
		StartDate:        startDate.Format(types.DateLayout),
		Itinerary:        *itinerary,
		IsPublic:         true,
	})
	if err != nil {
		s.countPersistenceFailure(ctx, "itineraries")
		l.WarnContext(ctx, "Failed to save itinerary, continuing", slog.Any("error", err))
		return
	}
	l.InfoContext(ctx, "Itinerary saved", slog.String("itinerary_id", id.String()))
}

func (s *ServiceImpl) StartGeneration(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, startDate time.Time) error {
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "StartGeneration", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	snap, err := s.broadcaster.Snapshot(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read session state: %w", err)
	}
	if snap.Destination == nil {
		span.SetStatus(codes.Error, "No destination")
		return fmt.Errorf("%w: select a destination first", types.ErrInvalidInput)
	}
	if startDate.IsZero() {
		return fmt.Errorf("%w: start date is required", types.ErrInvalidInput)
	}

	destination := *snap.Destination
	destination.Itinerary = nil
	prefs := snap.Preferences.Clone()

	s.broadcaster.BeginGeneration(ctx, sessionID)
	s.inflight.Add(1)
	go func(ctx context.Context) {
		defer s.inflight.Done()
		itinerary, err := s.Generate(ctx, userID, destination, prefs, startDate)
		if err != nil {
			s.logger.ErrorContext(ctx, "Background generation failed", slog.String("session_id", sessionID.String()), slog.Any("error", err))
			s.broadcaster.Fail(ctx, sessionID, err)
			return
		}
		s.broadcaster.Publish(ctx, sessionID, itinerary, &destination)
	}(context.WithoutCancel(ctx))

	span.SetStatus(codes.Ok, "Generation started")
	return nil
}

func (s *ServiceImpl) Current(ctx context.Context, sessionID uuid.UUID) (types.SessionSnapshot, error) {
	return s.broadcaster.Snapshot(ctx, sessionID)
}

func (s *ServiceImpl) Events(ctx context.Context, sessionID uuid.UUID) (<-chan types.ItineraryEvent, func()) {
	return s.broadcaster.Subscribe(ctx, sessionID)
}

// Cancel discards the session's in-progress view state. A generation
// already running is not interrupted.
func (s *ServiceImpl) Cancel(ctx context.Context, sessionID uuid.UUID) {
	s.broadcaster.Cancel(ctx, sessionID)
}

func (s *ServiceImpl) Reorder(ctx context.Context, sessionID uuid.UUID, day, from, to int) (*types.Itinerary, error) {
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "Reorder", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.Int("day", day),
	))
	defer span.End()

	itinerary, err := s.broadcaster.Mutate(ctx, sessionID, func(it *types.Itinerary) error {
		return it.MoveActivity(day, from, to)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return itinerary, nil
}

func (s *ServiceImpl) RemoveActivity(ctx context.Context, sessionID uuid.UUID, day, index int) (*types.Itinerary, error) {
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "RemoveActivity", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.Int("day", day),
	))
	defer span.End()

	itinerary, err := s.broadcaster.Mutate(ctx, sessionID, func(it *types.Itinerary) error {
		return it.RemoveActivity(day, index)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return itinerary, nil
}

func (s *ServiceImpl) SetVisibility(ctx context.Context, userID uuid.UUID, destinationTitle string, public bool) error {
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "SetVisibility", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("destination.title", destinationTitle),
		attribute.Bool("itinerary.public", public),
	))
	defer span.End()

	if strings.TrimSpace(destinationTitle) == "" {
		return fmt.Errorf("%w: destination title is required", types.ErrInvalidInput)
	}
	if err := s.repo.SetVisibility(ctx, userID, types.DestinationKey(destinationTitle), public); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to set visibility")
		return fmt.Errorf("error setting itinerary visibility: %w", err)
	}
	span.SetStatus(codes.Ok, "Visibility set")
	return nil
}

func (s *ServiceImpl) List(ctx context.Context, userID uuid.UUID) ([]types.SavedItinerary, error) {
	ctx, span := otel.Tracer("ItineraryService").Start(ctx, "List", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	itineraries, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list itineraries")
		return nil, fmt.Errorf("error listing itineraries: %w", err)
	}
	if itineraries == nil {
		itineraries = []types.SavedItinerary{}
	}
	span.SetStatus(codes.Ok, "Itineraries listed")
	return itineraries, nil
}

func (s *ServiceImpl) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ServiceImpl) countPersistenceFailure(ctx context.Context, table string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PersistenceFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}
