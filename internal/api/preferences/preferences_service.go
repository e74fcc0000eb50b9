package preferences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

// FlowState is the guided preference flow of one planning session.
type FlowState struct {
	Categories    []string            `json:"categories"`
	CategoryIndex int                 `json:"category_index"`
	Customizing   bool                `json:"customizing"`
	Complete      bool                `json:"complete"`
	Preferences   types.PreferenceSet `json:"preferences"`
}

// CurrentCategory is the category the flow is waiting on, "" once complete.
func (f *FlowState) CurrentCategory() string {
	if f.Complete || f.CategoryIndex < 0 || f.CategoryIndex >= len(f.Categories) {
		return ""
	}
	return f.Categories[f.CategoryIndex]
}

func newFlowState() *FlowState {
	return &FlowState{
		Categories:  slices.Clone(types.BaseCategories),
		Preferences: types.PreferenceSet{},
	}
}

// ItineraryClearer empties every view of a session's itinerary.
type ItineraryClearer interface {
	Clear(ctx context.Context, sessionID uuid.UUID)
}

var _ Service = (*ServiceImpl)(nil)

type Service interface {
	Start(ctx context.Context, sessionID uuid.UUID) (*FlowState, error)
	State(ctx context.Context, sessionID uuid.UUID) (*FlowState, error)
	RecordSelection(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, category, option string) (*FlowState, error)
	Advance(ctx context.Context, sessionID uuid.UUID) (*FlowState, error)
	Back(ctx context.Context, sessionID uuid.UUID) (*FlowState, error)
	ImportProfile(ctx context.Context, sessionID uuid.UUID, userID uuid.UUID) (*FlowState, error)
	Restart(ctx context.Context, sessionID uuid.UUID) (*FlowState, error)
}

type ServiceImpl struct {
	logger    *slog.Logger
	repo      Repository
	snapshots snapshot.Store
	itinerary ItineraryClearer
}

func NewService(repo Repository, snapshots snapshot.Store, itinerary ItineraryClearer, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:    logger,
		repo:      repo,
		snapshots: snapshots,
		itinerary: itinerary,
	}
}

func (s *ServiceImpl) Start(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "Start", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	state := newFlowState()
	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store flow state")
		return nil, err
	}
	s.logger.InfoContext(ctx, "Preference flow started", slog.String("session_id", sessionID.String()))
	span.SetStatus(codes.Ok, "Flow started")
	return state, nil
}

func (s *ServiceImpl) State(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "State", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	state, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return state, nil
}

// RecordSelection toggles option within category. The trip preference
// category is exclusive instead: the option replaces the whole set and
// either merges the user's profile defaults or opens the customization
// categories.
func (s *ServiceImpl) RecordSelection(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, category, option string) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "RecordSelection", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("preference.category", category),
		attribute.String("preference.option", option),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "RecordSelection"), slog.String("session_id", sessionID.String()))

	state, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !slices.Contains(state.Categories, category) {
		span.SetStatus(codes.Error, "Category not in flow")
		return nil, fmt.Errorf("%w: category %q is not part of this flow", types.ErrInvalidInput, category)
	}
	if !types.IsKnownOption(category, option) {
		span.SetStatus(codes.Error, "Unknown option")
		return nil, fmt.Errorf("%w: %q is not an option of %s", types.ErrInvalidInput, option, category)
	}

	if category == types.CategoryTripPreferences {
		state.Preferences.Replace(category, option)
		switch option {
		case types.TripPreferenceUseProfile:
			s.disableCustomization(state)
			if userID == nil {
				l.InfoContext(ctx, "Anonymous session asked for profile preferences, no defaults applied")
			} else {
				s.mergeProfile(ctx, state, *userID)
			}
		case types.TripPreferenceCustomize:
			s.enableCustomization(state)
		}
	} else {
		state.Preferences.Toggle(category, option)
	}

	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store flow state")
		return nil, err
	}
	s.invalidateDestinations(ctx, sessionID)

	l.DebugContext(ctx, "Selection recorded", slog.String("category", category), slog.String("option", option))
	span.SetStatus(codes.Ok, "Selection recorded")
	return state, nil
}

// Advance moves to the next category. With nothing selected in the
// current category the state is returned unchanged.
func (s *ServiceImpl) Advance(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "Advance", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	state, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	current := state.CurrentCategory()
	if current == "" || !state.Preferences.Has(current) {
		span.SetStatus(codes.Ok, "Advance ignored")
		return state, nil
	}

	state.CategoryIndex++
	if state.CategoryIndex >= len(state.Categories) {
		state.CategoryIndex = len(state.Categories) - 1
		state.Complete = true
	}
	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "Advanced")
	return state, nil
}

// Back re-opens the previous category. Selections are kept.
func (s *ServiceImpl) Back(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "Back", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	state, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	switch {
	case state.Complete:
		state.Complete = false
	case state.CategoryIndex > 0:
		state.CategoryIndex--
	default:
		return state, nil
	}
	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "Moved back")
	return state, nil
}

func (s *ServiceImpl) ImportProfile(ctx context.Context, sessionID uuid.UUID, userID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "ImportProfile", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	state, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	profile, err := s.repo.GetProfilePreferences(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load profile")
		return nil, fmt.Errorf("error importing profile preferences: %w", err)
	}
	delete(profile, types.CategoryTripPreferences)
	state.Preferences.Merge(profile)
	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.invalidateDestinations(ctx, sessionID)
	span.SetStatus(codes.Ok, "Profile imported")
	return state, nil
}

// Restart discards the whole session: preferences, flow position,
// destinations and itinerary.
func (s *ServiceImpl) Restart(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	ctx, span := otel.Tracer("PreferencesService").Start(ctx, "Restart", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
	defer span.End()

	if err := s.snapshots.Delete(ctx,
		snapshot.SelectedPreferencesKey(sessionID),
		snapshot.SelectedDestinationKey(sessionID),
		snapshot.DestinationsKey(sessionID),
	); err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "Failed to clear session snapshots", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	s.itinerary.Clear(ctx, sessionID)

	state := newFlowState()
	if err := s.save(ctx, sessionID, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store flow state")
		return nil, err
	}
	span.SetStatus(codes.Ok, "Session restarted")
	return state, nil
}

func (s *ServiceImpl) mergeProfile(ctx context.Context, state *FlowState, userID uuid.UUID) {
	profile, err := s.repo.GetProfilePreferences(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.logger.InfoContext(ctx, "User has no profile preferences", slog.String("user_id", userID.String()))
			return
		}
		s.logger.WarnContext(ctx, "Failed to load profile preferences", slog.String("user_id", userID.String()), slog.Any("error", err))
		return
	}
	// The mode choice itself stays exclusive.
	delete(profile, types.CategoryTripPreferences)
	state.Preferences.Merge(profile)
}

func (s *ServiceImpl) enableCustomization(state *FlowState) {
	if state.Customizing {
		return
	}
	state.Customizing = true
	state.Complete = false
	for _, category := range types.CustomizationCategories {
		if !slices.Contains(state.Categories, category) {
			state.Categories = append(state.Categories, category)
		}
	}
}

// disableCustomization drops the customization categories from the flow;
// anything already chosen in them stays in the preference set.
func (s *ServiceImpl) disableCustomization(state *FlowState) {
	if !state.Customizing {
		return
	}
	state.Customizing = false
	state.Categories = slices.DeleteFunc(state.Categories, func(c string) bool {
		return slices.Contains(types.CustomizationCategories, c)
	})
	if state.CategoryIndex >= len(state.Categories) {
		state.CategoryIndex = len(state.Categories) - 1
	}
}

func (s *ServiceImpl) invalidateDestinations(ctx context.Context, sessionID uuid.UUID) {
	if err := s.snapshots.Delete(ctx, snapshot.DestinationsKey(sessionID), snapshot.SelectedDestinationKey(sessionID)); err != nil {
		s.logger.WarnContext(ctx, "Failed to invalidate destination snapshots", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
}

func (s *ServiceImpl) load(ctx context.Context, sessionID uuid.UUID) (*FlowState, error) {
	var state FlowState
	found, err := s.snapshots.Get(ctx, snapshot.FlowKey(sessionID), &state)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if state.Preferences == nil {
		state.Preferences = types.PreferenceSet{}
	}
	return &state, nil
}

// save writes the flow and mirrors its preferences to the selected
// preferences snapshot.
func (s *ServiceImpl) save(ctx context.Context, sessionID uuid.UUID, state *FlowState) error {
	if err := s.snapshots.Set(ctx, snapshot.FlowKey(sessionID), state); err != nil {
		return fmt.Errorf("failed to store flow state: %w", err)
	}
	if err := s.snapshots.Set(ctx, snapshot.SelectedPreferencesKey(sessionID), state.Preferences); err != nil {
		return fmt.Errorf("failed to store selected preferences: %w", err)
	}
	return nil
}
