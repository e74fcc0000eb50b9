package destinations

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-trip-planner/internal/api"
	"github.com/FACorreiaa/go-trip-planner/internal/api/auth"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

type SelectRequest struct {
	Title string `json:"title"`
}

type DetailsRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
}

// Resolve suggests destinations for the session's selected preferences.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("DestinationsHandler").Start(r.Context(), "Resolve", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/destinations"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Resolve"))

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		span.SetStatus(codes.Error, "Invalid session id")
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}

	destinations, err := h.service.ResolveSession(ctx, sessionID, auth.UserFromContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Resolve failed")
		h.writeError(w, r, l, err, []types.Destination{})
		return
	}

	span.SetStatus(codes.Ok, "Destinations resolved")
	api.WriteJSONResponse(w, r, http.StatusOK, destinations)
}

func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("DestinationsHandler").Start(r.Context(), "Select", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/destinations/select"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Select"))

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	var req SelectRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	destination, err := h.service.Select(ctx, sessionID, auth.UserFromContext(ctx), req.Title)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Select failed")
		h.writeError(w, r, l, err, nil)
		return
	}
	span.SetStatus(codes.Ok, "Destination selected")
	api.WriteJSONResponse(w, r, http.StatusOK, destination)
}

func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("DestinationsHandler").Start(r.Context(), "Details", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/destinations/details"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Details"))

	var req DetailsRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	details, err := h.service.Details(ctx, req.SessionID, req.Title, req.Description)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Details failed")
		h.writeError(w, r, l, err, nil)
		return
	}
	span.SetStatus(codes.Ok, "Details resolved")
	api.WriteJSONResponse(w, r, http.StatusOK, details)
}

// writeError turns AI and backend failures into a retryable message; the
// core never retries on its own.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, l *slog.Logger, err error, empty interface{}) {
	status := api.StatusForError(err)
	switch {
	case errors.Is(err, types.ErrParseFailure):
		l.WarnContext(r.Context(), "AI response could not be parsed", slog.Any("error", err))
		api.RetryableErrorResponse(w, r, status, "We couldn't read the suggestions. Please try again.", empty)
	case errors.Is(err, types.ErrBackend):
		l.ErrorContext(r.Context(), "Backend failure", slog.Any("error", err))
		api.RetryableErrorResponse(w, r, status, "The suggestion service is unavailable. Please try again.", empty)
	case status >= http.StatusInternalServerError:
		l.ErrorContext(r.Context(), "Destination request failed", slog.Any("error", err))
		api.ErrorResponse(w, r, status, "Something went wrong")
	default:
		l.WarnContext(r.Context(), "Destination request rejected", slog.Any("error", err))
		api.ErrorResponse(w, r, status, err.Error())
	}
}
