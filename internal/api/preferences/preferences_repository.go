package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	db "github.com/FACorreiaa/go-trip-planner/app/db"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

type Repository interface {
	// GetProfilePreferences returns the user's saved default preferences.
	// Returns types.ErrNotFound when the user has no profile row.
	GetProfilePreferences(ctx context.Context, userID uuid.UUID) (types.PreferenceSet, error)
}

type RepositoryImpl struct {
	logger *slog.Logger
	db     db.Querier
	psql   sq.StatementBuilderType
}

func NewRepository(querier db.Querier, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		db:     querier,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *RepositoryImpl) GetProfilePreferences(ctx context.Context, userID uuid.UUID) (types.PreferenceSet, error) {
	ctx, span := otel.Tracer("PreferencesRepository").Start(ctx, "GetProfilePreferences", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "profiles"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "GetProfilePreferences"), slog.String("userID", userID.String()))

	query, args, err := r.psql.Select("preferences").
		From("profiles").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build profile query: %w", err)
	}

	var raw []byte
	if err := r.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l.DebugContext(ctx, "No profile found")
			span.SetStatus(codes.Ok, "No profile")
			return nil, fmt.Errorf("profile for user %s: %w", userID, types.ErrNotFound)
		}
		l.ErrorContext(ctx, "Failed to query profile", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("%w: database error fetching profile: %w", types.ErrBackend, err)
	}

	prefs := types.PreferenceSet{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &prefs); err != nil {
			l.ErrorContext(ctx, "Stored profile preferences are not valid JSON", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("failed to decode profile preferences: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "Profile fetched")
	return prefs.Clone(), nil
}
