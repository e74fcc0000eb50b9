package destinations

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
	// FindSearch returns the destinations stored for an earlier search by the
	// same user with a structurally identical preference set.
	FindSearch(ctx context.Context, userID uuid.UUID, fingerprint string) ([]types.Destination, error)
	SaveSearch(ctx context.Context, userID uuid.UUID, prefs types.PreferenceSet, destinations []types.Destination) error

	GetDetails(ctx context.Context, destinationKey uuid.UUID) (*types.DestinationDetails, error)
	// SaveDetails keeps the first details stored for a destination.
	SaveDetails(ctx context.Context, destinationKey uuid.UUID, title string, details *types.DestinationDetails) error

	SaveSelection(ctx context.Context, userID uuid.UUID, destination types.Destination) error
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

func (r *RepositoryImpl) FindSearch(ctx context.Context, userID uuid.UUID, fingerprint string) ([]types.Destination, error) {
	ctx, span := otel.Tracer("DestinationsRepository").Start(ctx, "FindSearch", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "search_criteria"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()
	defer r.observe(ctx, "find_search", time.Now())

	query, args, err := r.psql.Select("destinations").
		From("search_criteria").
		Where(sq.Eq{"user_id": userID, "fingerprint": fingerprint}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	var raw []byte
	if err := r.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "No stored search")
			return nil, types.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to query stored search", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("%w: database error fetching stored search: %w", types.ErrBackend, err)
	}

	var destinations []types.Destination
	if err := json.Unmarshal(raw, &destinations); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode stored destinations: %w", err)
	}
	span.SetStatus(codes.Ok, "Stored search found")
	return destinations, nil
}

func (r *RepositoryImpl) SaveSearch(ctx context.Context, userID uuid.UUID, prefs types.PreferenceSet, destinations []types.Destination) error {
	ctx, span := otel.Tracer("DestinationsRepository").Start(ctx, "SaveSearch", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "search_criteria"),
		attribute.Int("destinations.count", len(destinations)),
	))
	defer span.End()
	defer r.observe(ctx, "save_search", time.Now())

	criteria, err := json.Marshal(prefs.Canonical())
	if err != nil {
		return fmt.Errorf("failed to encode criteria: %w", err)
	}
	payload, err := json.Marshal(destinations)
	if err != nil {
		return fmt.Errorf("failed to encode destinations: %w", err)
	}

	query, args, err := r.psql.Insert("search_criteria").
		Columns("user_id", "fingerprint", "criteria", "destinations").
		Values(userID, prefs.Fingerprint(), criteria, payload).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Insert failed")
		return fmt.Errorf("%w: search criteria: %w", types.ErrPersistence, err)
	}
	span.SetStatus(codes.Ok, "Search saved")
	return nil
}

func (r *RepositoryImpl) GetDetails(ctx context.Context, destinationKey uuid.UUID) (*types.DestinationDetails, error) {
	ctx, span := otel.Tracer("DestinationsRepository").Start(ctx, "GetDetails", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "destination_details"),
		attribute.String("destination.key", destinationKey.String()),
	))
	defer span.End()
	defer r.observe(ctx, "get_details", time.Now())

	query, args, err := r.psql.Select("details").
		From("destination_details").
		Where(sq.Eq{"destination_key": destinationKey}).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build details query: %w", err)
	}

	var raw []byte
	if err := r.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "No stored details")
			return nil, types.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to query destination details", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("%w: database error fetching details: %w", types.ErrBackend, err)
	}

	var details types.DestinationDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode stored details: %w", err)
	}
	span.SetStatus(codes.Ok, "Details found")
	return &details, nil
}

func (r *RepositoryImpl) SaveDetails(ctx context.Context, destinationKey uuid.UUID, title string, details *types.DestinationDetails) error {
	ctx, span := otel.Tracer("DestinationsRepository").Start(ctx, "SaveDetails", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "destination_details"),
		attribute.String("destination.key", destinationKey.String()),
	))
	defer span.End()
	defer r.observe(ctx, "save_details", time.Now())

	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	query, args, err := r.psql.Insert("destination_details").
		Columns("destination_key", "title", "details").
		Values(destinationKey, title, payload).
		Suffix("ON CONFLICT (destination_key) DO NOTHING").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Insert failed")
		return fmt.Errorf("%w: destination details: %w", types.ErrPersistence, err)
	}
	span.SetStatus(codes.Ok, "Details saved")
	return nil
}

func (r *RepositoryImpl) SaveSelection(ctx context.Context, userID uuid.UUID, destination types.Destination) error {
	ctx, span := otel.Tracer("DestinationsRepository").Start(ctx, "SaveSelection", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "destinations"),
		attribute.String("destination.title", destination.Title),
	))
	defer span.End()
	defer r.observe(ctx, "save_selection", time.Now())

	payload, err := json.Marshal(destination)
	if err != nil {
		return fmt.Errorf("failed to encode destination: %w", err)
	}
	query, args, err := r.psql.Insert("destinations").
		Columns("user_id", "destination_key", "title", "payload").
		Values(userID, types.DestinationKey(destination.Title), destination.Title, payload).
		Suffix("ON CONFLICT (user_id, destination_key) DO UPDATE SET payload = EXCLUDED.payload").
		ToSql()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Insert failed")
		return fmt.Errorf("%w: destination: %w", types.ErrPersistence, err)
	}
	span.SetStatus(codes.Ok, "Selection saved")
	return nil
}

func (r *RepositoryImpl) observe(ctx context.Context, operation string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.DbQueryDurationSeconds.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("operation", operation)))
}
