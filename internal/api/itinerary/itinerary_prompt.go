package itinerary

import (
	"fmt"
	"strings"
	"time"

	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const (
	shortTripDays = 3
	weekTripDays  = 7
)

// tripLength is a week when any chosen duration mentions one. The match is
// case-sensitive, so "Weekend getaway" stays a short trip.
func tripLength(prefs types.PreferenceSet) int {
	for _, option := range prefs.Values(types.CategoryDuration) {
		if strings.Contains(option, "week") {
			return weekTripDays
		}
	}
	return shortTripDays
}

func generateItineraryPrompt(destination types.Destination, prefs types.PreferenceSet, startDate time.Time, days int) string {
	return fmt.Sprintf(`
        Plan a %d-day trip to %s starting on %s.
        About the destination: %s
        The traveller's preferences are:
        %s
        Give each day 3 to 5 activities in chronological order.
        Return the response STRICTLY as a JSON object with:
        {
        "days": [
            {
            "date": "YYYY-MM-DD",
            "activities": [
                {
                "time": "HH:MM",
                "title": "Name of the activity",
                "duration": "e.g. 2 hours",
                "location": "Place, Neighbourhood, City",
                "description": "One or two sentences.",
                "category": "one of sightseeing, food, culture, nature, shopping, entertainment, relaxation, transport",
                "latitude": <float>,
                "longitude": <float>
                }
            ]
            }
        ]
        }`, days, destination.Title, startDate.Format(types.DateLayout), destination.Description, prefs.Describe())
}
