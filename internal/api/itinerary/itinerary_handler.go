package itinerary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-trip-planner/internal/api"
	"github.com/FACorreiaa/go-trip-planner/internal/api/auth"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const sseKeepAlive = 15 * time.Second

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

type GenerateRequest struct {
	StartDate string `json:"start_date"`
}

type ReorderRequest struct {
	Day  int `json:"day"`
	From int `json:"from"`
	To   int `json:"to"`
}

type VisibilityRequest struct {
	Destination string `json:"destination"`
	IsPublic    bool   `json:"is_public"`
}

// Generate starts itinerary generation for the session's selected
// destination. Progress and the result arrive on the events stream.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "Generate", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/itinerary"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Generate"))

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	var req GenerateRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	startDate, err := time.Parse(types.DateLayout, req.StartDate)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "start_date must be formatted as YYYY-MM-DD")
		return
	}

	if err := h.service.StartGeneration(ctx, sessionID, auth.UserFromContext(ctx), startDate); err != nil {
		l.WarnContext(ctx, "Failed to start generation", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to start generation")
		api.ErrorResponse(w, r, api.StatusForError(err), err.Error())
		return
	}

	span.SetStatus(codes.Ok, "Generation started")
	api.WriteJSONResponse(w, r, http.StatusAccepted, map[string]interface{}{
		"session_id": sessionID,
		"status":     types.StatusGenerating,
	})
}

// Get returns the stored itinerary state, for views that reload.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "Get", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/itinerary"),
	))
	defer span.End()

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	snap, err := h.service.Current(ctx, sessionID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to read itinerary snapshot", slog.Any("error", err))
		span.RecordError(err)
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to read itinerary")
		return
	}
	span.SetStatus(codes.Ok, "Snapshot read")
	api.WriteJSONResponse(w, r, http.StatusOK, snap)
}

// Events streams itinerary events as Server-Sent Events. The first event
// carries the stored state.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that has the response
	// cannot miss events published right after.
	ctx := r.Context()
	events, unsubscribe := h.service.Events(ctx, sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.InfoContext(ctx, "Itinerary stream opened", slog.String("session_id", sessionID.String()))

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.ErrorContext(ctx, "Failed to marshal event", slog.Any("error", err))
				continue
			}
			fmt.Fprintf(w, "id: %s\n", event.EventID)
			fmt.Fprintf(w, "event: %s\n", event.Status)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-ctx.Done():
			h.logger.InfoContext(ctx, "Client disconnected", slog.String("session_id", sessionID.String()))
			return
		}
	}
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	h.service.Cancel(r.Context(), sessionID)
	api.WriteJSONResponse(w, r, http.StatusNoContent, nil)
}

func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "Reorder", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/itinerary/reorder"),
	))
	defer span.End()

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	var req ReorderRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	itinerary, err := h.service.Reorder(ctx, sessionID, req.Day, req.From, req.To)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Reorder failed")
		api.ErrorResponse(w, r, api.StatusForError(err), err.Error())
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, itinerary)
}

func (h *Handler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "DeleteActivity", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions/{sessionID}/itinerary/days/{day}/activities/{index}"),
	))
	defer span.End()

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}
	day, dayErr := strconv.Atoi(chi.URLParam(r, "day"))
	index, indexErr := strconv.Atoi(chi.URLParam(r, "index"))
	if dayErr != nil || indexErr != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, "day and index must be integers")
		return
	}

	itinerary, err := h.service.RemoveActivity(ctx, sessionID, day, index)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Delete failed")
		api.ErrorResponse(w, r, api.StatusForError(err), err.Error())
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, itinerary)
}

// List returns the authenticated user's saved itineraries.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "List", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/itineraries"),
	))
	defer span.End()

	userID, ok := auth.GetUserIDFromContext(ctx)
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}
	itineraries, err := h.service.List(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list itineraries", slog.Any("error", err))
		span.RecordError(err)
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to list itineraries")
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, itineraries)
}

func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ItineraryHandler").Start(r.Context(), "SetVisibility", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/itineraries/visibility"),
	))
	defer span.End()

	userID, ok := auth.GetUserIDFromContext(ctx)
	if !ok {
		api.ErrorResponse(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}
	var req VisibilityRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.SetVisibility(ctx, userID, req.Destination, req.IsPublic); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to set visibility")
		status := api.StatusForError(err)
		message := err.Error()
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "Failed to set visibility", slog.Any("error", err))
			message = "Failed to update visibility"
		}
		api.ErrorResponse(w, r, status, message)
		return
	}
	api.WriteJSONResponse(w, r, http.StatusOK, map[string]interface{}{
		"destination": req.Destination,
		"is_public":   req.IsPublic,
	})
}
