package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Preference category keys.
const (
	CategoryTravelMonth     = "travelMonth"
	CategoryTripPreferences = "tripPreferences"
	CategoryDuration        = "duration"
	CategoryTravelType      = "travelType"
	CategoryTravelStyle     = "travelStyle"
	CategoryInterests       = "interests"
	CategoryBudget          = "budget"
	CategoryAccommodation   = "accommodation"
	CategoryTransportation  = "transportation"
)

// Options of the tripPreferences category.
const (
	TripPreferenceUseProfile = "Use my profile preferences"
	TripPreferenceCustomize  = "Customize preferences"
)

// BaseCategories is the guided flow every session walks through.
var BaseCategories = []string{
	CategoryTravelMonth,
	CategoryTripPreferences,
	CategoryDuration,
}

// CustomizationCategories are appended to the flow when the user asks to customize.
var CustomizationCategories = []string{
	CategoryTravelType,
	CategoryTravelStyle,
	CategoryInterests,
	CategoryBudget,
	CategoryAccommodation,
	CategoryTransportation,
}

var categoryLabels = map[string]string{
	CategoryTravelMonth:     "Travel month",
	CategoryTripPreferences: "Trip preferences",
	CategoryDuration:        "Duration",
	CategoryTravelType:      "Travel type",
	CategoryTravelStyle:     "Travel style",
	CategoryInterests:       "Interests",
	CategoryBudget:          "Budget",
	CategoryAccommodation:   "Accommodation",
	CategoryTransportation:  "Transportation",
}

// categoryOptions lists the choices offered for each category.
var categoryOptions = map[string][]string{
	CategoryTravelMonth: {
		"January", "February", "March", "April", "May", "June", "July",
		"August", "September", "October", "November", "December", "Flexible",
	},
	CategoryTripPreferences: {TripPreferenceUseProfile, TripPreferenceCustomize},
	CategoryDuration:        {"Weekend getaway", "3-5 days", "1 week", "2 weeks", "More than 2 weeks"},
	CategoryTravelType:      {"Solo", "Couple", "Family", "Friends", "Business"},
	CategoryTravelStyle:     {"Relaxed", "Adventurous", "Cultural", "Luxury", "Budget-friendly"},
	CategoryInterests: {
		"Food & drink", "History", "Nature", "Nightlife", "Art & museums",
		"Shopping", "Beaches", "Outdoor sports",
	},
	CategoryBudget:         {"Budget", "Moderate", "Luxury"},
	CategoryAccommodation:  {"Hotel", "Hostel", "Apartment", "Resort", "Boutique"},
	CategoryTransportation: {"Public transport", "Rental car", "Walking", "Cycling", "Taxi & rideshare"},
}

// OptionsFor returns the choices offered for category, nil when the category is unknown.
func OptionsFor(category string) []string {
	return slices.Clone(categoryOptions[category])
}

// IsKnownOption reports whether option is offered for category.
func IsKnownOption(category, option string) bool {
	return slices.Contains(categoryOptions[category], option)
}

// CategoryLabel is the human readable name of category.
func CategoryLabel(category string) string {
	if label, ok := categoryLabels[category]; ok {
		return label
	}
	return category
}

// PreferenceSet maps a category to the set of options chosen for it.
// A category present in the map always holds at least one option.
type PreferenceSet map[string][]string

// Values returns the options chosen for category.
func (p PreferenceSet) Values(category string) []string {
	return p[category]
}

func (p PreferenceSet) Has(category string) bool {
	return len(p[category]) > 0
}

// Toggle adds option to category when absent and removes it when present.
func (p PreferenceSet) Toggle(category, option string) {
	current := p[category]
	if idx := slices.Index(current, option); idx >= 0 {
		current = slices.Delete(slices.Clone(current), idx, idx+1)
		if len(current) == 0 {
			delete(p, category)
			return
		}
		p[category] = current
		return
	}
	p[category] = append(slices.Clone(current), option)
}

// Replace sets the options of category to exactly options.
// An empty options list removes the category.
func (p PreferenceSet) Replace(category string, options ...string) {
	deduped := dedupe(options)
	if len(deduped) == 0 {
		delete(p, category)
		return
	}
	p[category] = deduped
}

// Merge unions other into p category by category.
func (p PreferenceSet) Merge(other PreferenceSet) {
	for category, options := range other {
		merged := slices.Clone(p[category])
		for _, option := range options {
			if option != "" && !slices.Contains(merged, option) {
				merged = append(merged, option)
			}
		}
		if len(merged) > 0 {
			p[category] = merged
		}
	}
}

func (p PreferenceSet) Clone() PreferenceSet {
	out := make(PreferenceSet, len(p))
	for category, options := range p {
		if len(options) == 0 {
			continue
		}
		out[category] = slices.Clone(options)
	}
	return out
}

// Canonical returns a copy with sorted, de-duplicated options and no empty categories.
func (p PreferenceSet) Canonical() PreferenceSet {
	out := make(PreferenceSet, len(p))
	for category, options := range p {
		deduped := dedupe(options)
		if len(deduped) == 0 {
			continue
		}
		sort.Strings(deduped)
		out[category] = deduped
	}
	return out
}

// Fingerprint identifies the set by structure: the same categories with the
// same options produce the same fingerprint regardless of selection order.
func (p PreferenceSet) Fingerprint() string {
	// encoding/json sorts map keys, so the canonical form serializes deterministically.
	raw, err := json.Marshal(p.Canonical())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Describe renders the set as prompt text, one category per line.
func (p PreferenceSet) Describe() string {
	canonical := p.Canonical()
	categories := make([]string, 0, len(canonical))
	for category := range canonical {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, category := range categories {
		fmt.Fprintf(&b, "- %s: %s\n", CategoryLabel(category), strings.Join(canonical[category], ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func dedupe(options []string) []string {
	out := make([]string, 0, len(options))
	for _, option := range options {
		if option == "" || slices.Contains(out, option) {
			continue
		}
		out = append(out, option)
	}
	return out
}
