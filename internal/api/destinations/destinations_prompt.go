package destinations

import (
	"fmt"

	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

func generateDestinationsPrompt(prefs types.PreferenceSet) string {
	return fmt.Sprintf(`
        Suggest 3 travel destinations for a traveller with these preferences:
        %s
        Return the response STRICTLY as a JSON array with:
        [
            {
            "title": "City, Country",
            "description": "2-3 sentences on why this destination fits the preferences.",
            "image": "A URL of a representative photo, or an empty string",
            "matchPercentage": <integer 0-100, how well it matches>,
            "rating": <float 0-5>,
            "priceRange": "$, $$ or $$$"
            }
        ]`, prefs.Describe())
}

func generateDetailsPrompt(title, description string) string {
	extra := ""
	if description != "" {
		extra = fmt.Sprintf("\n        Context: %s", description)
	}
	return fmt.Sprintf(`
        Describe %s as a travel destination.%s
        Return the response STRICTLY as a JSON object with:
        {
        "overview": "A short paragraph about the destination.",
        "highlights": ["Top sight", "..."],
        "activities": [
            {
            "title": "Name of the activity",
            "description": "One sentence about it."
            }
        ],
        "bestTimeToVisit": "Months and why.",
        "localTips": ["Tip", "..."],
        "cuisine": ["Dish", "..."],
        "weather": "Typical weather across the year."
        }`, title, extra)
}
