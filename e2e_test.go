package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/suite"
	"google.golang.org/genai"

	"github.com/FACorreiaa/go-trip-planner/config"
	"github.com/FACorreiaa/go-trip-planner/internal/api/destinations"
	"github.com/FACorreiaa/go-trip-planner/internal/api/itinerary"
	"github.com/FACorreiaa/go-trip-planner/internal/api/preferences"
	"github.com/FACorreiaa/go-trip-planner/internal/api/propagator"
	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
	"github.com/FACorreiaa/go-trip-planner/internal/router"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const (
	destinationsReply = "Here are some ideas:\n```json\n" + `[
  {"title": "Kyoto, Japan", "description": "Temples and gardens.", "matchPercentage": "94%", "rating": 4.8},
  {"title": "Porto, Portugal", "description": "Riverside wine cellars.", "matchPercentage": 81, "rating": "4.6"}
]` + "\n```"
	itineraryReply = `{"days": [
  {"date": "2030-01-01", "activities": [{"time": "09:00", "title": "Fushimi Inari", "duration": "2h", "location": "Fushimi, Kyoto", "category": "culture"}]},
  {"date": "2030-01-02", "activities": [{"time": "10:00", "title": "Nishiki Market", "duration": "1h", "location": "Nakagyo, Kyoto", "category": "food"}]}
]}`
)

// scriptedAI answers destination prompts with a list and itinerary prompts
// with a plan.
type scriptedAI struct {
	calls atomic.Int32
}

func (a *scriptedAI) GenerateContent(_ context.Context, prompt string, _ *genai.GenerateContentConfig) (string, error) {
	a.calls.Add(1)
	if strings.Contains(prompt, "Plan a ") {
		return itineraryReply, nil
	}
	return destinationsReply, nil
}

func (a *scriptedAI) Model() string { return "scripted" }

// E2ETestSuite drives a planning session through the HTTP API.
type E2ETestSuite struct {
	suite.Suite
	server   *httptest.Server
	client   *http.Client
	ai       *scriptedAI
	mockPool pgxmock.PgxPoolIface
	itin     *itinerary.ServiceImpl
}

func (s *E2ETestSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockPool, err := pgxmock.NewPool()
	s.Require().NoError(err)
	s.mockPool = mockPool
	s.ai = &scriptedAI{}

	store := snapshot.NewMemoryStore()
	hub := propagator.New(store, propagator.Options{ProgressInterval: 10 * time.Millisecond}, logger)

	prefService := preferences.NewService(preferences.NewRepository(mockPool, logger), store, hub, logger)
	destService := destinations.NewService(destinations.NewRepository(mockPool, nil, logger), s.ai, store, destinations.Options{}, logger)
	s.itin = itinerary.NewService(itinerary.NewRepository(mockPool, nil, logger), s.ai, hub, itinerary.Options{}, logger)

	s.server = httptest.NewServer(router.SetupRouter(&router.Config{
		PreferencesHandler:  preferences.NewHandler(prefService, logger),
		DestinationsHandler: destinations.NewHandler(destService, logger),
		ItineraryHandler:    itinerary.NewHandler(s.itin, logger),
		JWT:                 config.JWTConfig{SecretKey: "e2e-secret", Issuer: "trip-planner", Audience: "trip-planner-web"},
		AIRequestsPerMinute: 100,
		Logger:              logger,
	}))
	s.client = s.server.Client()
}

func (s *E2ETestSuite) TearDownTest() {
	s.Require().NoError(s.itin.Wait(context.Background()))
	s.server.Close()
	s.mockPool.Close()
}

func (s *E2ETestSuite) call(method, path string, body interface{}, dst interface{}) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode < http.StatusBadRequest {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func (s *E2ETestSuite) collectPreferences(session string) {
	choices := []preferences.SelectionRequest{
		{Category: types.CategoryTravelMonth, Option: "April"},
		{Category: types.CategoryTripPreferences, Option: types.TripPreferenceUseProfile},
		{Category: types.CategoryDuration, Option: "1 week"},
	}
	var flow preferences.FlowResponse
	for _, choice := range choices {
		s.Equal(choice.Category, s.currentCategory(session))
		s.Equal(http.StatusOK, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/preferences/select", choice, nil))
		s.Equal(http.StatusOK, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/preferences/advance", nil, &flow))
	}
	s.True(flow.Flow.Complete)
}

func (s *E2ETestSuite) currentCategory(session string) string {
	var flow preferences.FlowResponse
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/v1/sessions/"+session+"/preferences", nil, &flow))
	return flow.CurrentCategory
}

func (s *E2ETestSuite) TestPlanningSessionEndToEnd() {
	var created preferences.FlowResponse
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/v1/sessions", nil, &created))
	session := created.SessionID.String()
	s.collectPreferences(session)

	var suggestions []types.Destination
	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/destinations", nil, &suggestions))
	s.Require().Len(suggestions, 2)
	s.Equal(94, suggestions[0].MatchPercentage)
	s.InDelta(4.6, suggestions[1].Rating, 0.001)

	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/destinations/select", destinations.SelectRequest{Title: "Kyoto, Japan"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/api/v1/sessions/"+session+"/itinerary/events", nil)
	s.Require().NoError(err)
	stream, err := s.client.Do(req)
	s.Require().NoError(err)
	defer stream.Body.Close()

	s.mockPool.ExpectQuery("FROM itineraries").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).WillReturnError(pgx.ErrNoRows)
	s.Require().Equal(http.StatusAccepted, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/itinerary", itinerary.GenerateRequest{StartDate: "2024-04-01"}, nil))

	var statuses []types.ItineraryStatus
	var complete types.ItineraryEvent
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev types.ItineraryEvent
		s.Require().NoError(json.Unmarshal([]byte(line), &ev))
		statuses = append(statuses, ev.Status)
		if ev.Status == types.StatusComplete {
			complete = ev
			break
		}
	}
	s.Contains(statuses, types.StatusGenerating)
	s.Require().NotNil(complete.Itinerary)
	s.Equal("2024-04-01", complete.Itinerary.Days[0].Date)
	s.Equal("2024-04-02", complete.Itinerary.Days[1].Date)

	var snap types.SessionSnapshot
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/v1/sessions/"+session+"/itinerary", nil, &snap))
	s.Require().NotNil(snap.Destination)
	s.Equal("Kyoto, Japan", snap.Destination.Title)
	s.Require().NotNil(snap.Destination.Itinerary)
	s.Len(snap.Destination.Itinerary.Days, 2)
	s.Equal(complete.Marker, snap.Marker)
	s.EqualValues(2, s.ai.calls.Load())

	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/api/v1/sessions/"+session+"/restart", nil, nil))
	snap = types.SessionSnapshot{}
	s.Require().Equal(http.StatusOK, s.call(http.MethodGet, "/api/v1/sessions/"+session+"/itinerary", nil, &snap))
	s.Nil(snap.Itinerary)
	s.Nil(snap.Destination)
	s.Greater(snap.Marker, complete.Marker)
	s.Equal(types.CategoryTravelMonth, s.currentCategory(session))
	s.NoError(s.mockPool.ExpectationsWereMet())
}

func (s *E2ETestSuite) TestResolveBeforePreferencesIsRejected() {
	var created preferences.FlowResponse
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/api/v1/sessions", nil, &created))
	s.Equal(http.StatusBadRequest, s.call(http.MethodPost, "/api/v1/sessions/"+created.SessionID.String()+"/destinations", nil, nil))
	s.Equal(http.StatusBadRequest, s.call(http.MethodPost, "/api/v1/sessions/"+created.SessionID.String()+"/itinerary", itinerary.GenerateRequest{StartDate: "2024-04-01"}, nil))
	s.Zero(s.ai.calls.Load())
}

func (s *E2ETestSuite) TestSavedItinerariesNeedAToken() {
	s.Equal(http.StatusUnauthorized, s.call(http.MethodGet, "/api/v1/itineraries", nil, nil))
}

func TestE2E(t *testing.T) {
	suite.Run(t, new(E2ETestSuite))
}
