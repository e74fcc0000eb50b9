package preferences

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

// FlowResponse is what the client renders: the flow plus the choices of
// the current category.
type FlowResponse struct {
	SessionID       uuid.UUID  `json:"session_id"`
	CurrentCategory string     `json:"current_category,omitempty"`
	CategoryLabel   string     `json:"category_label,omitempty"`
	Options         []string   `json:"options,omitempty"`
	Flow            *FlowState `json:"flow"`
}

type SelectionRequest struct {
	Category string `json:"category"`
	Option   string `json:"option"`
}

func newFlowResponse(sessionID uuid.UUID, state *FlowState) FlowResponse {
	current := state.CurrentCategory()
	resp := FlowResponse{SessionID: sessionID, CurrentCategory: current, Flow: state}
	if current != "" {
		resp.CategoryLabel = types.CategoryLabel(current)
		resp.Options = types.OptionsFor(current)
	}
	return resp
}

// CreateSession mints a planning session and starts its preference flow.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("PreferencesHandler").Start(r.Context(), "CreateSession", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/api/v1/sessions"),
	))
	defer span.End()

	sessionID := uuid.New()
	state, err := h.service.Start(ctx, sessionID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to start session", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to start session")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to start planning session")
		return
	}
	span.SetStatus(codes.Ok, "Session created")
	api.WriteJSONResponse(w, r, http.StatusCreated, newFlowResponse(sessionID, state))
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "GetState", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		return h.service.State(r.Context(), sessionID)
	})
}

func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "Select", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		var req SelectionRequest
		if err := api.DecodeJSONBody(w, r, &req); err != nil {
			return nil, errors.Join(types.ErrInvalidInput, err)
		}
		return h.service.RecordSelection(r.Context(), sessionID, auth.UserFromContext(r.Context()), req.Category, req.Option)
	})
}

func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "Advance", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		return h.service.Advance(r.Context(), sessionID)
	})
}

func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "Back", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		return h.service.Back(r.Context(), sessionID)
	})
}

func (h *Handler) ImportProfile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "ImportProfile", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		userID, ok := auth.GetUserIDFromContext(r.Context())
		if !ok {
			return nil, types.ErrUnauthenticated
		}
		return h.service.ImportProfile(r.Context(), sessionID, userID)
	})
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "Restart", func(r *http.Request, sessionID uuid.UUID) (*FlowState, error) {
		return h.service.Restart(r.Context(), sessionID)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, name string, op func(*http.Request, uuid.UUID) (*FlowState, error)) {
	ctx, span := otel.Tracer("PreferencesHandler").Start(r.Context(), name, trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String(r.URL.Path),
	))
	defer span.End()
	r = r.WithContext(ctx)

	l := h.logger.With(slog.String("handler", name))

	sessionID, err := api.SessionIDParam(r)
	if err != nil {
		span.SetStatus(codes.Error, "Invalid session id")
		api.ErrorResponse(w, r, http.StatusBadRequest, "Invalid session id")
		return
	}

	state, err := op(r, sessionID)
	if err != nil {
		status := api.StatusForError(err)
		message := err.Error()
		if status >= http.StatusInternalServerError {
			l.ErrorContext(ctx, "Preference operation failed", slog.Any("error", err))
			message = "Failed to update preferences"
		} else {
			l.WarnContext(ctx, "Preference operation rejected", slog.Any("error", err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Preference operation failed")
		api.ErrorResponse(w, r, status, message)
		return
	}

	span.SetStatus(codes.Ok, "OK")
	api.WriteJSONResponse(w, r, http.StatusOK, newFlowResponse(sessionID, state))
}
