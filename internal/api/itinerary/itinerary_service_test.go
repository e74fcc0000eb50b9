package itinerary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/FACorreiaa/go-trip-planner/internal/api/propagator"
	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) FindPublicItinerary(ctx context.Context, destinationKey uuid.UUID) (*types.SavedItinerary, error) {
	args := m.Called(ctx, destinationKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.SavedItinerary), args.Error(1)
}

func (m *MockRepository) ItineraryExists(ctx context.Context, userID, destinationKey uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID, destinationKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) SaveItinerary(ctx context.Context, itinerary types.SavedItinerary) (uuid.UUID, error) {
	args := m.Called(ctx, itinerary)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockRepository) UpsertLocation(ctx context.Context, location types.Location) error {
	args := m.Called(ctx, location)
	return args.Error(0)
}

func (m *MockRepository) SetVisibility(ctx context.Context, userID, destinationKey uuid.UUID, public bool) error {
	args := m.Called(ctx, userID, destinationKey, public)
	return args.Error(0)
}

func (m *MockRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]types.SavedItinerary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.SavedItinerary), args.Error(1)
}

type MockAI struct {
	mock.Mock
}

func (m *MockAI) GenerateContent(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error) {
	args := m.Called(ctx, prompt, config)
	return args.String(0), args.Error(1)
}

func (m *MockAI) Model() string { return "test-model" }

func ptr(v float64) *float64 { return &v }

var kyoto = types.Destination{
	ID:          types.DestinationKey("Kyoto, Japan"),
	Title:       "Kyoto, Japan",
	Description: "Temples and gardens.",
}

func weekPreferences() types.PreferenceSet {
	return types.PreferenceSet{
		types.CategoryTravelMonth:     {"April"},
		types.CategoryTripPreferences: {types.TripPreferenceUseProfile},
		types.CategoryDuration:        {"1 week"},
	}
}

func storedKyoto() *types.SavedItinerary {
	return &types.SavedItinerary{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		DestinationID:    kyoto.ID,
		DestinationTitle: kyoto.Title,
		StartDate:        "2023-01-10",
		IsPublic:         true,
		Itinerary: types.Itinerary{Days: []types.Day{
			{Date: "2023-01-10", Activities: []types.Activity{
				{Time: "09:00", Title: "Fushimi Inari", Duration: "2h", Location: "Fushimi Inari Taisha, Kyoto", Category: "culture", Latitude: ptr(34.9671), Longitude: ptr(135.7727)},
			}},
			{Date: "2023-01-11", Activities: []types.Activity{
				{Time: "10:00", Title: "Arashiyama Bamboo Grove", Duration: "3h", Location: "Arashiyama, Kyoto", Category: "nature"},
			}},
			{Date: "2023-01-12", Activities: []types.Activity{
				{Time: "18:00", Title: "Gion evening walk", Duration: "2h", Location: "Gion, Kyoto", Category: "sightseeing", Latitude: ptr(35.0037), Longitude: ptr(135.7788)},
			}},
		}},
	}
}

func setupServiceTest(t *testing.T) (*ServiceImpl, *MockRepository, *MockAI, *propagator.Propagator, snapshot.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockRepository)
	ai := new(MockAI)
	store := snapshot.NewMemoryStore()
	hub := propagator.New(store, propagator.Options{ProgressInterval: time.Hour}, logger)
	return NewService(repo, ai, hub, Options{}, logger), repo, ai, hub, store
}

func TestGenerate_ShiftsPublicItinerary(t *testing.T) {
	service, repo, ai, _, _ := setupServiceTest(t)
	stored := storedKyoto()
	repo.On("FindPublicItinerary", mock.Anything, kyoto.ID).Return(stored, nil).Once()
	repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(nil)

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), start)
	require.NoError(t, err)

	require.Len(t, got.Days, 3)
	assert.Equal(t, "2024-04-01", got.Days[0].Date)
	assert.Equal(t, "2024-04-02", got.Days[1].Date)
	assert.Equal(t, "2024-04-03", got.Days[2].Date)
	for i := range got.Days {
		assert.Equal(t, stored.Itinerary.Days[i].Activities, got.Days[i].Activities)
	}
	assert.Equal(t, "2023-01-10", stored.Itinerary.Days[0].Date, "stored record is not modified")

	ai.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertCalled(t, "UpsertLocation", mock.Anything, types.Location{Name: "Fushimi Inari Taisha, Kyoto", Latitude: 34.9671, Longitude: 135.7727})
	repo.AssertCalled(t, "UpsertLocation", mock.Anything, types.Location{Name: "Kyoto", Latitude: 34.9671, Longitude: 135.7727})
	repo.AssertCalled(t, "UpsertLocation", mock.Anything, types.Location{Name: "Gion, Kyoto", Latitude: 35.0037, Longitude: 135.7788})
	repo.AssertNumberOfCalls(t, "UpsertLocation", 3)
}

func TestGenerate_FallsBackToAI(t *testing.T) {
	service, repo, ai, _, _ := setupServiceTest(t)
	repo.On("FindPublicItinerary", mock.Anything, kyoto.ID).Return(nil, types.ErrNotFound).Once()

	response := "Here is your plan:\n```json\n" + `{"days": [
		{"date": "2024-05-01", "activities": [{"time": "09:00", "title": "Kiyomizu-dera", "duration": "2h", "location": "Higashiyama, Kyoto", "category": "Culture"}]},
		{"date": "2024-05-02", "activities": [{"time": "12:00", "title": "Nishiki Market", "duration": "1h", "location": "Nakagyo, Kyoto", "category": "street food"}]}
	]}` + "\n```"
	ai.On("GenerateContent", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "Plan a 7-day trip to Kyoto, Japan starting on 2024-04-01")
	}), mock.Anything).Return(response, nil).Once()

	got, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got.Days, 2)
	assert.Equal(t, "2024-04-01", got.Days[0].Date)
	assert.Equal(t, "2024-04-02", got.Days[1].Date)
	assert.Equal(t, types.ActivityCategoryCulture, got.Days[0].Activities[0].Category)
	assert.Empty(t, got.Days[1].Activities[0].Category, "unknown categories are dropped")
	repo.AssertNotCalled(t, "UpsertLocation", mock.Anything, mock.Anything)
	ai.AssertExpectations(t)
}

func TestGenerate_Failures(t *testing.T) {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("backend failure propagates", func(t *testing.T) {
		service, repo, ai, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return("", fmt.Errorf("%w: quota", types.ErrBackend)).Once()

		_, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), start)
		assert.ErrorIs(t, err, types.ErrBackend)
	})

	t.Run("truncated response is a parse failure", func(t *testing.T) {
		service, repo, ai, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(`{"days": [{"date": "2024-04-01", "activities": [`, nil).Once()

		_, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), start)
		assert.ErrorIs(t, err, types.ErrParseFailure)
	})

	t.Run("empty plan is a parse failure", func(t *testing.T) {
		service, repo, ai, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(`{"days": []}`, nil).Once()

		_, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), start)
		assert.ErrorIs(t, err, types.ErrParseFailure)
	})

	t.Run("missing start date", func(t *testing.T) {
		service, _, _, _, _ := setupServiceTest(t)
		_, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), time.Time{})
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})
}

func TestGenerate_LocationFailuresAreSwallowed(t *testing.T) {
	service, repo, _, _, _ := setupServiceTest(t)
	repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(storedKyoto(), nil).Once()
	repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(types.ErrPersistence)

	got, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, got.Days, 3)
}

func TestGenerate_PersistsFirstItineraryForUser(t *testing.T) {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	userID := uuid.New()

	t.Run("new pair is saved as public", func(t *testing.T) {
		service, repo, _, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(storedKyoto(), nil).Once()
		repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(nil)
		repo.On("ItineraryExists", mock.Anything, userID, kyoto.ID).Return(false, nil).Once()
		repo.On("SaveItinerary", mock.Anything, mock.MatchedBy(func(saved types.SavedItinerary) bool {
			return saved.UserID == userID && saved.IsPublic && saved.StartDate == "2024-04-01" && len(saved.Itinerary.Days) == 3
		})).Return(uuid.New(), nil).Once()

		_, err := service.Generate(context.Background(), &userID, kyoto, weekPreferences(), start)
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("existing pair is not saved again", func(t *testing.T) {
		service, repo, _, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(storedKyoto(), nil).Once()
		repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(nil)
		repo.On("ItineraryExists", mock.Anything, userID, kyoto.ID).Return(true, nil).Once()

		_, err := service.Generate(context.Background(), &userID, kyoto, weekPreferences(), start)
		require.NoError(t, err)
		repo.AssertNotCalled(t, "SaveItinerary", mock.Anything, mock.Anything)
	})

	t.Run("save failure is swallowed", func(t *testing.T) {
		service, repo, _, _, _ := setupServiceTest(t)
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(storedKyoto(), nil).Once()
		repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(nil)
		repo.On("ItineraryExists", mock.Anything, userID, kyoto.ID).Return(false, nil).Once()
		repo.On("SaveItinerary", mock.Anything, mock.Anything).Return(uuid.Nil, types.ErrPersistence).Once()

		got, err := service.Generate(context.Background(), &userID, kyoto, weekPreferences(), start)
		require.NoError(t, err)
		assert.Len(t, got.Days, 3)
	})
}

func TestGenerate_ConcurrentCallsShareOneRequest(t *testing.T) {
	service, repo, ai, _, _ := setupServiceTest(t)
	repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
	ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		After(50*time.Millisecond).
		Return(`{"days": [{"date": "2024-04-01", "activities": []}]}`, nil).Once()

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := service.Generate(context.Background(), nil, kyoto, weekPreferences(), start)
			assert.NoError(t, err)
			assert.Len(t, got.Days, 1)
		}()
	}
	wg.Wait()
	ai.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func waitFor(t *testing.T, events <-chan types.ItineraryEvent, status types.ItineraryStatus) types.ItineraryEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", status)
		}
	}
}

func TestStartGeneration(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("requires a selected destination", func(t *testing.T) {
		service, _, _, _, _ := setupServiceTest(t)
		err := service.StartGeneration(ctx, uuid.New(), nil, start)
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})

	t.Run("publishes the result", func(t *testing.T) {
		service, repo, _, hub, store := setupServiceTest(t)
		sessionID := uuid.New()
		require.NoError(t, store.Set(ctx, snapshot.SelectedDestinationKey(sessionID), kyoto))
		require.NoError(t, store.Set(ctx, snapshot.SelectedPreferencesKey(sessionID), weekPreferences()))
		repo.On("FindPublicItinerary", mock.Anything, kyoto.ID).Return(storedKyoto(), nil).Once()
		repo.On("UpsertLocation", mock.Anything, mock.Anything).Return(nil)

		events, unsubscribe := hub.Subscribe(ctx, sessionID)
		defer unsubscribe()

		require.NoError(t, service.StartGeneration(ctx, sessionID, nil, start))
		ev := waitFor(t, events, types.StatusComplete)
		require.NotNil(t, ev.Itinerary)
		assert.Equal(t, "2024-04-01", ev.Itinerary.Days[0].Date)
		require.NoError(t, service.Wait(ctx))

		snap, err := service.Current(ctx, sessionID)
		require.NoError(t, err)
		require.NotNil(t, snap.Destination)
		require.NotNil(t, snap.Destination.Itinerary)
		assert.Len(t, snap.Destination.Itinerary.Days, 3)
		assert.Equal(t, ev.Marker, snap.Marker)
	})

	t.Run("reports failures", func(t *testing.T) {
		service, repo, ai, hub, store := setupServiceTest(t)
		sessionID := uuid.New()
		require.NoError(t, store.Set(ctx, snapshot.SelectedDestinationKey(sessionID), kyoto))
		repo.On("FindPublicItinerary", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return("", errors.Join(types.ErrBackend, errors.New("unavailable"))).Once()

		events, unsubscribe := hub.Subscribe(ctx, sessionID)
		defer unsubscribe()

		require.NoError(t, service.StartGeneration(ctx, sessionID, nil, start))
		ev := waitFor(t, events, types.StatusError)
		assert.NotEmpty(t, ev.Error)
		require.NoError(t, service.Wait(ctx))
	})
}

func TestEditsGoThroughTheSnapshot(t *testing.T) {
	service, repo, _, hub, _ := setupServiceTest(t)
	ctx := context.Background()
	sessionID := uuid.New()

	two := &types.Itinerary{Days: []types.Day{{Date: "2024-04-01", Activities: []types.Activity{
		{Title: "Breakfast"}, {Title: "Temple"}, {Title: "Dinner"},
	}}}}
	hub.Publish(ctx, sessionID, two, &kyoto)

	got, err := service.Reorder(ctx, sessionID, 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "Dinner", got.Days[0].Activities[0].Title)

	got, err = service.RemoveActivity(ctx, sessionID, 0, 1)
	require.NoError(t, err)
	require.Len(t, got.Days[0].Activities, 2)
	assert.Equal(t, "Dinner", got.Days[0].Activities[0].Title)
	assert.Equal(t, "Temple", got.Days[0].Activities[1].Title)

	_, err = service.RemoveActivity(ctx, sessionID, 3, 0)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	repo.AssertNotCalled(t, "SaveItinerary", mock.Anything, mock.Anything)
}

func TestSetVisibilityAndList(t *testing.T) {
	service, repo, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	userID := uuid.New()

	repo.On("SetVisibility", mock.Anything, userID, types.DestinationKey("Kyoto, Japan"), false).Return(nil).Once()
	require.NoError(t, service.SetVisibility(ctx, userID, "kyoto,  japan", false))

	repo.On("SetVisibility", mock.Anything, userID, types.DestinationKey("Oslo, Norway"), true).Return(types.ErrNotFound).Once()
	assert.ErrorIs(t, service.SetVisibility(ctx, userID, "Oslo, Norway", true), types.ErrNotFound)

	assert.ErrorIs(t, service.SetVisibility(ctx, userID, "", true), types.ErrInvalidInput)

	repo.On("ListByUser", mock.Anything, userID).Return(nil, nil).Once()
	list, err := service.List(ctx, userID)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
	repo.AssertExpectations(t)
}

func TestTripLength(t *testing.T) {
	tests := []struct {
		name     string
		duration []string
		want     int
	}{
		{"one week", []string{"1 week"}, 7},
		{"two weeks", []string{"2 weeks"}, 7},
		{"more than two weeks", []string{"More than 2 weeks"}, 7},
		{"match is case sensitive", []string{"A WEEKEND away"}, 3},
		{"weekend getaway", []string{"Weekend getaway"}, 3},
		{"weekend alongside a week", []string{"Weekend getaway", "1 week"}, 7},
		{"short trip", []string{"3-5 days"}, 3},
		{"no duration", nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := types.PreferenceSet{}
			if tt.duration != nil {
				prefs[types.CategoryDuration] = tt.duration
			}
			assert.Equal(t, tt.want, tripLength(prefs))
		})
	}
}

func TestLocationNames(t *testing.T) {
	assert.Equal(t, []string{"Gion, Kyoto", "Kyoto"}, locationNames(types.Activity{Location: "Gion, Kyoto"}))
	assert.Equal(t, []string{"Shinkansen"}, locationNames(types.Activity{Title: "Shinkansen"}))
	assert.Equal(t, []string{"Higashiyama, Kyoto, Japan", "Japan"}, locationNames(types.Activity{Location: "Higashiyama, Kyoto, Japan"}))
	assert.Nil(t, locationNames(types.Activity{}))
}
