package types

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the ISO calendar date format used for itinerary days.
const DateLayout = "2006-01-02"

// Activity category tags used for display colouring.
const (
	ActivityCategorySightseeing   = "sightseeing"
	ActivityCategoryFood          = "food"
	ActivityCategoryCulture       = "culture"
	ActivityCategoryNature        = "nature"
	ActivityCategoryShopping      = "shopping"
	ActivityCategoryEntertainment = "entertainment"
	ActivityCategoryRelaxation    = "relaxation"
	ActivityCategoryTransport     = "transport"
)

var activityCategories = []string{
	ActivityCategorySightseeing,
	ActivityCategoryFood,
	ActivityCategoryCulture,
	ActivityCategoryNature,
	ActivityCategoryShopping,
	ActivityCategoryEntertainment,
	ActivityCategoryRelaxation,
	ActivityCategoryTransport,
}

// NormalizeActivityCategory returns the known tag for category, or "" when unknown.
func NormalizeActivityCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if slices.Contains(activityCategories, c) {
		return c
	}
	return ""
}

type Itinerary struct {
	Days []Day `json:"days"`
}

type Day struct {
	Date       string     `json:"date"`
	Activities []Activity `json:"activities"`
}

type Activity struct {
	Time        string   `json:"time"`
	Title       string   `json:"title"`
	Duration    string   `json:"duration"`
	Location    string   `json:"location"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether the activity carries both latitude and longitude.
func (a Activity) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := &Itinerary{Days: make([]Day, len(it.Days))}
	for i, day := range it.Days {
		activities := make([]Activity, len(day.Activities))
		for j, a := range day.Activities {
			if a.Latitude != nil {
				lat := *a.Latitude
				a.Latitude = &lat
			}
			if a.Longitude != nil {
				lon := *a.Longitude
				a.Longitude = &lon
			}
			activities[j] = a
		}
		out.Days[i] = Day{Date: day.Date, Activities: activities}
	}
	return out
}

// ShiftDates returns a copy whose day i is dated start + i days.
// Activity content is left untouched.
func (it *Itinerary) ShiftDates(start time.Time) *Itinerary {
	out := it.Clone()
	if out == nil {
		return nil
	}
	base := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for i := range out.Days {
		out.Days[i].Date = base.AddDate(0, 0, i).Format(DateLayout)
	}
	return out
}

func (it *Itinerary) ActivityCount() int {
	if it == nil {
		return 0
	}
	n := 0
	for _, day := range it.Days {
		n += len(day.Activities)
	}
	return n
}

// MoveActivity moves the activity at index from to index to within one day.
func (it *Itinerary) MoveActivity(day, from, to int) error {
	if day < 0 || day >= len(it.Days) {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidInput, day)
	}
	activities := it.Days[day].Activities
	if from < 0 || from >= len(activities) || to < 0 || to >= len(activities) {
		return fmt.Errorf("%w: activity index out of range", ErrInvalidInput)
	}
	moved := activities[from]
	activities = slices.Delete(activities, from, from+1)
	activities = slices.Insert(activities, to, moved)
	it.Days[day].Activities = activities
	return nil
}

// RemoveActivity deletes the activity at index from a day.
func (it *Itinerary) RemoveActivity(day, index int) error {
	if day < 0 || day >= len(it.Days) {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidInput, day)
	}
	activities := it.Days[day].Activities
	if index < 0 || index >= len(activities) {
		return fmt.Errorf("%w: activity %d out of range", ErrInvalidInput, index)
	}
	it.Days[day].Activities = slices.Delete(activities, index, index+1)
	return nil
}

// SavedItinerary is a persisted itinerary row.
type SavedItinerary struct {
	ID               uuid.UUID     `json:"id"`
	UserID           uuid.UUID     `json:"user_id"`
	DestinationID    uuid.UUID     `json:"destination_id"`
	DestinationTitle string        `json:"destination_title"`
	Preferences      PreferenceSet `json:"preferences"`
	StartDate        string        `json:"start_date"`
	Itinerary        Itinerary     `json:"itinerary"`
	IsPublic         bool          `json:"is_public"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Location is a cached map coordinate for a named place.
type Location struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
