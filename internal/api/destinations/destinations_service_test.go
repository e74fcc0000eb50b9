package destinations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

func (m *MockRepository) FindSearch(ctx context.Context, userID uuid.UUID, fingerprint string) ([]types.Destination, error) {
	args := m.Called(ctx, userID, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Destination), args.Error(1)
}

func (m *MockRepository) SaveSearch(ctx context.Context, userID uuid.UUID, prefs types.PreferenceSet, destinations []types.Destination) error {
	args := m.Called(ctx, userID, prefs, destinations)
	return args.Error(0)
}

func (m *MockRepository) GetDetails(ctx context.Context, destinationKey uuid.UUID) (*types.DestinationDetails, error) {
	args := m.Called(ctx, destinationKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.DestinationDetails), args.Error(1)
}

func (m *MockRepository) SaveDetails(ctx context.Context, destinationKey uuid.UUID, title string, details *types.DestinationDetails) error {
	args := m.Called(ctx, destinationKey, title, details)
	return args.Error(0)
}

func (m *MockRepository) SaveSelection(ctx context.Context, userID uuid.UUID, destination types.Destination) error {
	args := m.Called(ctx, userID, destination)
	return args.Error(0)
}

type MockAI struct {
	mock.Mock
}

func (m *MockAI) GenerateContent(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error) {
	args := m.Called(ctx, prompt, config)
	return args.String(0), args.Error(1)
}

func (m *MockAI) Model() string { return "test-model" }

const threeDestinations = `Here are my picks!
[
  {"title": "Kyoto, Japan", "description": "Temples and gardens.", "matchPercentage": "92%", "rating": "4.8", "priceRange": "$$"},
  {"title": "Lisbon, Portugal", "description": "Hills and tiles.", "matchPercentage": 87, "rating": 4.6, "priceRange": "$$"},
  {"title": "Cusco, Peru", "description": "Gateway to the Andes.", "matchPercentage": 81.4, "rating": 4.5, "priceRange": "$"}
]
Enjoy your trip.`

func setupServiceTest(t *testing.T) (*ServiceImpl, *MockRepository, *MockAI, snapshot.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockRepository)
	ai := new(MockAI)
	store := snapshot.NewMemoryStore()
	return NewService(repo, ai, store, Options{}, logger), repo, ai, store
}

func scenarioPreferences() types.PreferenceSet {
	return types.PreferenceSet{
		types.CategoryTravelMonth:     {"June"},
		types.CategoryTripPreferences: {types.TripPreferenceUseProfile},
		types.CategoryDuration:        {"1 week"},
	}
}

func TestResolve_CacheBeforeGenerate(t *testing.T) {
	service, repo, ai, _ := setupServiceTest(t)
	ctx := context.Background()
	userID := uuid.New()
	prefs := scenarioPreferences()

	repo.On("FindSearch", mock.Anything, userID, prefs.Fingerprint()).Return(nil, types.ErrNotFound).Once()
	ai.On("GenerateContent", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(threeDestinations, nil).Once()
	repo.On("SaveSearch", mock.Anything, userID, prefs, mock.AnythingOfType("[]types.Destination")).Return(nil).Once()

	first, err := service.Resolve(ctx, &userID, prefs)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "Kyoto, Japan", first[0].Title)
	assert.Equal(t, 92, first[0].MatchPercentage)
	assert.InDelta(t, 4.8, first[0].Rating, 0.001)
	assert.Equal(t, 81, first[2].MatchPercentage)
	assert.Equal(t, types.DestinationKey("Kyoto, Japan"), first[0].ID)

	reordered := types.PreferenceSet{
		types.CategoryDuration:        {"1 week"},
		types.CategoryTravelMonth:     {"June"},
		types.CategoryTripPreferences: {types.TripPreferenceUseProfile},
	}
	second, err := service.Resolve(ctx, &userID, reordered)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	ai.AssertNumberOfCalls(t, "GenerateContent", 1)
	repo.AssertExpectations(t)
}

func TestResolve_StoredSearchIsReturnedVerbatim(t *testing.T) {
	service, repo, ai, _ := setupServiceTest(t)
	userID := uuid.New()
	prefs := scenarioPreferences()
	stored := []types.Destination{
		{ID: types.DestinationKey("Porto, Portugal"), Title: "Porto, Portugal", MatchPercentage: 70, Rating: 4.1},
	}
	repo.On("FindSearch", mock.Anything, userID, prefs.Fingerprint()).Return(stored, nil).Once()

	got, err := service.Resolve(context.Background(), &userID, prefs)
	require.NoError(t, err)
	assert.Equal(t, stored, got)
	ai.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_AnonymousSkipsStore(t *testing.T) {
	service, repo, ai, _ := setupServiceTest(t)
	prefs := scenarioPreferences()
	ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(threeDestinations, nil).Once()

	got, err := service.Resolve(context.Background(), nil, prefs)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	repo.AssertNotCalled(t, "FindSearch", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SaveSearch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = service.Resolve(context.Background(), nil, prefs)
	require.NoError(t, err)
	ai.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func TestResolve_ConcurrentCallsShareOneRequest(t *testing.T) {
	service, _, ai, _ := setupServiceTest(t)
	prefs := scenarioPreferences()
	ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		After(50*time.Millisecond).
		Return(threeDestinations, nil).Once()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := service.Resolve(context.Background(), nil, prefs)
			assert.NoError(t, err)
			assert.Len(t, got, 3)
		}()
	}
	wg.Wait()
	ai.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func TestResolve_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed response is a parse failure", func(t *testing.T) {
		service, _, ai, _ := setupServiceTest(t)
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
			Return(`Sure! [{"title": "Kyoto, Japan", "rating": 4.`, nil).Once()
		_, err := service.Resolve(ctx, nil, scenarioPreferences())
		assert.ErrorIs(t, err, types.ErrParseFailure)
	})

	t.Run("backend failure propagates", func(t *testing.T) {
		service, _, ai, _ := setupServiceTest(t)
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: quota exceeded", types.ErrBackend)).Once()
		_, err := service.Resolve(ctx, nil, scenarioPreferences())
		assert.ErrorIs(t, err, types.ErrBackend)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		service, _, ai, _ := setupServiceTest(t)
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: timeout", types.ErrBackend)).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
			Return(threeDestinations, nil).Once()

		_, err := service.Resolve(ctx, nil, scenarioPreferences())
		require.Error(t, err)
		got, err := service.Resolve(ctx, nil, scenarioPreferences())
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("persistence failure is swallowed", func(t *testing.T) {
		service, repo, ai, _ := setupServiceTest(t)
		userID := uuid.New()
		repo.On("FindSearch", mock.Anything, userID, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(threeDestinations, nil).Once()
		repo.On("SaveSearch", mock.Anything, userID, mock.Anything, mock.Anything).Return(types.ErrPersistence).Once()

		got, err := service.Resolve(ctx, &userID, scenarioPreferences())
		require.NoError(t, err)
		assert.Len(t, got, 3)
		repo.AssertExpectations(t)
	})

	t.Run("store read failure propagates", func(t *testing.T) {
		service, repo, ai, _ := setupServiceTest(t)
		userID := uuid.New()
		repo.On("FindSearch", mock.Anything, userID, mock.Anything).Return(nil, fmt.Errorf("%w: db down", types.ErrBackend)).Once()

		_, err := service.Resolve(ctx, &userID, scenarioPreferences())
		assert.ErrorIs(t, err, types.ErrBackend)
		ai.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestResolveSession(t *testing.T) {
	service, _, ai, store := setupServiceTest(t)
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := service.ResolveSession(ctx, sessionID, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	require.NoError(t, store.Set(ctx, snapshot.SelectedPreferencesKey(sessionID), scenarioPreferences()))
	ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(threeDestinations, nil).Once()

	got, err := service.ResolveSession(ctx, sessionID, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)

	var stored []types.Destination
	found, err := store.Get(ctx, snapshot.DestinationsKey(sessionID), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, got, stored)
}

func TestDetails(t *testing.T) {
	ctx := context.Background()

	t.Run("stored row is returned without AI", func(t *testing.T) {
		service, repo, ai, _ := setupServiceTest(t)
		stored := &types.DestinationDetails{Overview: "Old capital of Japan.", Highlights: []string{"Kinkaku-ji"}}
		repo.On("GetDetails", mock.Anything, types.DestinationKey("Kyoto, Japan")).Return(stored, nil).Once()

		got, err := service.Details(ctx, nil, "Kyoto, Japan", "")
		require.NoError(t, err)
		assert.Equal(t, stored, got)

		_, err = service.Details(ctx, nil, "  kyoto,   japan ", "")
		require.NoError(t, err)
		ai.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("leading commentary is ignored", func(t *testing.T) {
		service, repo, ai, _ := setupServiceTest(t)
		key := types.DestinationKey("Lisbon, Portugal")
		repo.On("GetDetails", mock.Anything, key).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(
			"Absolutely, here is everything you need to know about Lisbon:\n"+
				`{ "activities": [{"title": "Ride tram 28", "description": "Through Alfama."}], "overview": "Seven hills.", "highlights": ["Belém Tower"] }`+
				"\nLet me know if you need more.", nil).Once()
		repo.On("SaveDetails", mock.Anything, key, "Lisbon, Portugal", mock.AnythingOfType("*types.DestinationDetails")).Return(nil).Once()

		got, err := service.Details(ctx, nil, "Lisbon, Portugal", "Hills and tiles.")
		require.NoError(t, err)
		assert.Equal(t, "Seven hills.", got.Overview)
		require.Len(t, got.Activities, 1)
		assert.Equal(t, "Ride tram 28", got.Activities[0].Title)
		repo.AssertExpectations(t)
	})

	t.Run("persistence failure is swallowed", func(t *testing.T) {
		service, repo, ai, _ := setupServiceTest(t)
		repo.On("GetDetails", mock.Anything, mock.Anything).Return(nil, types.ErrNotFound).Once()
		ai.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).Return(`{"overview": "Andes."}`, nil).Once()
		repo.On("SaveDetails", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("unique violation")).Once()

		got, err := service.Details(ctx, nil, "Cusco, Peru", "")
		require.NoError(t, err)
		assert.Equal(t, "Andes.", got.Overview)
	})

	t.Run("details are attached to the session", func(t *testing.T) {
		service, repo, _, store := setupServiceTest(t)
		sessionID := uuid.New()
		require.NoError(t, store.Set(ctx, snapshot.DestinationsKey(sessionID), []types.Destination{
			{Title: "Kyoto, Japan"}, {Title: "Lisbon, Portugal"},
		}))
		repo.On("GetDetails", mock.Anything, mock.Anything).Return(&types.DestinationDetails{Overview: "Temples."}, nil).Once()

		_, err := service.Details(ctx, &sessionID, "Kyoto, Japan", "")
		require.NoError(t, err)

		var stored []types.Destination
		_, err = store.Get(ctx, snapshot.DestinationsKey(sessionID), &stored)
		require.NoError(t, err)
		require.NotNil(t, stored[0].Details)
		assert.Equal(t, "Temples.", stored[0].Details.Overview)
		assert.Nil(t, stored[1].Details)
	})

	t.Run("attached details keep the itinerary", func(t *testing.T) {
		service, repo, _, store := setupServiceTest(t)
		sessionID := uuid.New()
		plan := &types.Itinerary{Days: []types.Day{{Date: "2024-04-01", Activities: []types.Activity{{Title: "Gion walk"}}}}}
		require.NoError(t, store.Set(ctx, snapshot.SelectedDestinationKey(sessionID), types.Destination{Title: "Kyoto, Japan", Itinerary: plan}))
		repo.On("GetDetails", mock.Anything, mock.Anything).Return(&types.DestinationDetails{Overview: "Temples."}, nil).Once()

		_, err := service.Details(ctx, &sessionID, "Kyoto, Japan", "")
		require.NoError(t, err)

		var selected types.Destination
		found, err := store.Get(ctx, snapshot.SelectedDestinationKey(sessionID), &selected)
		require.NoError(t, err)
		require.True(t, found)
		require.NotNil(t, selected.Details)
		assert.Equal(t, "Temples.", selected.Details.Overview)
		require.NotNil(t, selected.Itinerary)
		assert.Equal(t, "Gion walk", selected.Itinerary.Days[0].Activities[0].Title)
	})

	t.Run("details and a concurrent publish both survive", func(t *testing.T) {
		service, repo, _, store := setupServiceTest(t)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		hub := propagator.New(store, propagator.Options{ProgressInterval: time.Hour}, logger)
		kyoto := types.Destination{ID: types.DestinationKey("Kyoto, Japan"), Title: "Kyoto, Japan"}
		plan := &types.Itinerary{Days: []types.Day{{Date: "2024-04-01", Activities: []types.Activity{{Title: "Gion walk"}}}}}
		repo.On("GetDetails", mock.Anything, mock.Anything).Return(&types.DestinationDetails{Overview: "Temples."}, nil)

		for range 25 {
			sessionID := uuid.New()
			require.NoError(t, store.Set(ctx, snapshot.SelectedDestinationKey(sessionID), kyoto))

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := service.Details(ctx, &sessionID, "Kyoto, Japan", "")
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				hub.Publish(ctx, sessionID, plan, &kyoto)
			}()
			wg.Wait()

			var selected types.Destination
			_, err := store.Get(ctx, snapshot.SelectedDestinationKey(sessionID), &selected)
			require.NoError(t, err)
			assert.NotNil(t, selected.Details)
			assert.NotNil(t, selected.Itinerary)
		}
	})

	t.Run("title is required", func(t *testing.T) {
		service, _, _, _ := setupServiceTest(t)
		_, err := service.Details(ctx, nil, "  ", "")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})
}

func TestSelect(t *testing.T) {
	service, repo, _, store := setupServiceTest(t)
	ctx := context.Background()
	sessionID := uuid.New()
	userID := uuid.New()

	_, err := service.Select(ctx, sessionID, nil, "Kyoto, Japan")
	assert.ErrorIs(t, err, types.ErrNotFound)

	resolved := []types.Destination{
		{ID: types.DestinationKey("Kyoto, Japan"), Title: "Kyoto, Japan", MatchPercentage: 92},
		{ID: types.DestinationKey("Lisbon, Portugal"), Title: "Lisbon, Portugal", MatchPercentage: 87},
	}
	require.NoError(t, store.Set(ctx, snapshot.DestinationsKey(sessionID), resolved))

	_, err = service.Select(ctx, sessionID, nil, "Oslo, Norway")
	assert.ErrorIs(t, err, types.ErrNotFound)

	repo.On("SaveSelection", mock.Anything, userID, resolved[1]).Return(errors.New("db down")).Once()
	selected, err := service.Select(ctx, sessionID, &userID, "lisbon, portugal")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon, Portugal", selected.Title)

	var stored types.Destination
	found, err := store.Get(ctx, snapshot.SelectedDestinationKey(sessionID), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, resolved[1], stored)
	repo.AssertExpectations(t)
}
