package itinerary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	db "github.com/FACorreiaa/go-trip-planner/app/db"
	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

type Repository interface {
	// FindPublicItinerary returns the oldest public itinerary for a destination.
	FindPublicItinerary(ctx context.Context, destinationKey uuid.UUID) (*types.SavedItinerary, error)
	ItineraryExists(ctx context.Context, userID, destinationKey uuid.UUID) (bool, error)
	SaveItinerary(ctx context.Context, itinerary types.SavedItinerary) (uuid.UUID, error)
	// UpsertLocation stores a coordinate for name unless one is already known.
	UpsertLocation(ctx context.Context, location types.Location) error
	SetVisibility(ctx context.Context, userID, destinationKey uuid.UUID, public bool) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]types.SavedItinerary, error)
}

var itineraryColumns = []string{
	"id", "user_id", "destination_key", "destination_title", "preferences",
	"start_date", "days", "is_public", "created_at",
}

type RepositoryImpl struct {
	logger  *slog.Logger
	db      db.Querier
	psql    sq.StatementBuilderType
	metrics *metrics.AppMetrics
}

func NewRepository(querier db.Querier, appMetrics *metrics.AppMetrics, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger:  logger,
		db:      querier,
		psql:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		metrics: appMetrics,
	}
}

func (r *RepositoryImpl) FindPublicItinerary(ctx context.Context, destinationKey uuid.UUID) (*types.SavedItinerary, error) {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "FindPublicItinerary", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "itineraries"),
		attribute.String("destination.key", destinationKey.String()),
	))
	defer span.End()
	defer r.observe(ctx, "find_public_itinerary", time.Now())

	query, args, err := r.psql.Select(itineraryColumns...).
		From("itineraries").
		Where(sq.Eq{"destination_key": destinationKey, "is_public": true}).
		OrderBy("created_at ASC").
		Limit(1).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build public itinerary query: %w", err)
	}

	saved, err := scanItinerary(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "No public itinerary")
			return nil, types.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to query public itinerary", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("%w: database error fetching public itinerary: %w", types.ErrBackend, err)
	}
	span.SetStatus(codes.Ok, "Public itinerary found")
	return saved, nil
}

func (r *RepositoryImpl) ItineraryExists(ctx context.Context, userID, destinationKey uuid.UUID) (bool, error) {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "ItineraryExists", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "itineraries"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()
	defer r.observe(ctx, "itinerary_exists", time.Now())

	query, args, err := r.psql.Select("1").
		From("itineraries").
		Where(sq.Eq{"user_id": userID, "destination_key": destinationKey}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build exists query: %w", err)
	}

	var one int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return false, fmt.Errorf("%w: database error checking itinerary: %w", types.ErrBackend, err)
	}
	return true, nil
}

func (r *RepositoryImpl) SaveItinerary(ctx context.Context, saved types.SavedItinerary) (uuid.UUID, error) {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "SaveItinerary", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "itineraries"),
		attribute.String("destination.title", saved.DestinationTitle),
	))
	defer span.End()
	defer r.observe(ctx, "save_itinerary", time.Now())

	prefs, err := json.Marshal(saved.Preferences.Canonical())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode preferences: %w", err)
	}
	days, err := json.Marshal(saved.Itinerary.Days)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode days: %w", err)
	}

	query, args, err := r.psql.Insert("itineraries").
		Columns("user_id", "destination_key", "destination_title", "preferences", "start_date", "days", "is_public").
		Values(saved.UserID, saved.DestinationID, saved.DestinationTitle, prefs, saved.StartDate, days, saved.IsPublic).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("failed to build insert: %w", err)
	}

	var id uuid.UUID
	if err := r.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert itinerary", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Insert failed")
		return uuid.Nil, fmt.Errorf("%w: itinerary: %w", types.ErrPersistence, err)
	}
	span.SetStatus(codes.Ok, "Itinerary saved")
	return id, nil
}

func (r *RepositoryImpl) UpsertLocation(ctx context.Context, location types.Location) error {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "UpsertLocation", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "locations"),
		attribute.String("location.name", location.Name),
	))
	defer span.End()
	defer r.observe(ctx, "upsert_location", time.Now())

	query, args, err := r.psql.Insert("locations").
		Columns("name", "latitude", "longitude").
		Values(location.Name, location.Latitude, location.Longitude).
		Suffix("ON CONFLICT (name) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Upsert failed")
		return fmt.Errorf("%w: location %q: %w", types.ErrPersistence, location.Name, err)
	}
	return nil
}

func (r *RepositoryImpl) SetVisibility(ctx context.Context, userID, destinationKey uuid.UUID, public bool) error {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "SetVisibility", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "itineraries"),
		attribute.Bool("itinerary.public", public),
	))
	defer span.End()
	defer r.observe(ctx, "set_visibility", time.Now())

	query, args, err := r.psql.Update("itineraries").
		Set("is_public", public).
		Where(sq.Eq{"user_id": userID, "destination_key": destinationKey}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Update failed")
		return fmt.Errorf("%w: itinerary visibility: %w", types.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "No rows")
		return fmt.Errorf("no itinerary for this destination: %w", types.ErrNotFound)
	}
	span.SetStatus(codes.Ok, "Visibility updated")
	return nil
}

func (r *RepositoryImpl) ListByUser(ctx context.Context, userID uuid.UUID) ([]types.SavedItinerary, error) {
	ctx, span := otel.Tracer("ItineraryRepository").Start(ctx, "ListByUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "itineraries"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()
	defer r.observe(ctx, "list_itineraries", time.Now())

	query, args, err := r.psql.Select(itineraryColumns...).
		From("itineraries").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list itineraries", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("%w: database error listing itineraries: %w", types.ErrBackend, err)
	}
	defer rows.Close()

	var itineraries []types.SavedItinerary
	for rows.Next() {
		saved, err := scanItinerary(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning itinerary: %w", err)
		}
		itineraries = append(itineraries, *saved)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading itineraries: %w", err)
	}
	span.SetStatus(codes.Ok, "Itineraries listed")
	return itineraries, nil
}

func scanItinerary(row pgx.Row) (*types.SavedItinerary, error) {
	var (
		saved     types.SavedItinerary
		prefs     []byte
		days      []byte
		startDate time.Time
	)
	if err := row.Scan(
		&saved.ID, &saved.UserID, &saved.DestinationID, &saved.DestinationTitle, &prefs,
		&startDate, &days, &saved.IsPublic, &saved.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &saved.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
	}
	if err := json.Unmarshal(days, &saved.Itinerary.Days); err != nil {
		return nil, fmt.Errorf("failed to decode days: %w", err)
	}
	saved.StartDate = startDate.Format(types.DateLayout)
	return &saved, nil
}

func (r *RepositoryImpl) observe(ctx context.Context, operation string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.DbQueryDurationSeconds.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("operation", operation)))
}
