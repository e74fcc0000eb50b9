package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// destinationNamespace seeds the name-based UUIDs minted for destination titles.
var destinationNamespace = uuid.MustParse("6f1c4c1e-2a44-5d8e-9b0a-7e3f1d9a4c21")

// NormalizeTitle lower-cases a title and collapses its whitespace.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// DestinationKey is the stable identifier for a destination title.
// "Kyoto, Japan" and "  kyoto,  JAPAN" map to the same key.
func DestinationKey(title string) uuid.UUID {
	return uuid.NewSHA1(destinationNamespace, []byte(NormalizeTitle(title)))
}

type Destination struct {
	ID              uuid.UUID           `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Image           string              `json:"image,omitempty"`
	MatchPercentage int                 `json:"matchPercentage"`
	Rating          float64             `json:"rating"`
	PriceRange      string              `json:"priceRange,omitempty"`
	Details         *DestinationDetails `json:"details,omitempty"`
	Itinerary       *Itinerary          `json:"itinerary,omitempty"`
}

// UnmarshalJSON accepts matchPercentage and rating as numbers or numeric strings.
func (d *Destination) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              uuid.UUID           `json:"id"`
		Title           string              `json:"title"`
		Description     string              `json:"description"`
		Image           string              `json:"image"`
		ImageURL        string              `json:"imageUrl"`
		MatchPercentage flexNumber          `json:"matchPercentage"`
		Rating          flexNumber          `json:"rating"`
		PriceRange      string              `json:"priceRange"`
		Details         *DestinationDetails `json:"details"`
		Itinerary       *Itinerary          `json:"itinerary"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Destination{
		ID:              raw.ID,
		Title:           strings.TrimSpace(raw.Title),
		Description:     raw.Description,
		Image:           raw.Image,
		MatchPercentage: clampInt(int(math.Round(float64(raw.MatchPercentage))), 0, 100),
		Rating:          clampFloat(float64(raw.Rating), 0, 5),
		PriceRange:      raw.PriceRange,
		Details:         raw.Details,
		Itinerary:       raw.Itinerary,
	}
	if d.Image == "" {
		d.Image = raw.ImageURL
	}
	if d.ID == uuid.Nil && d.Title != "" {
		d.ID = DestinationKey(d.Title)
	}
	return nil
}

// DestinationDetails is the rich content shown when a destination is opened.
type DestinationDetails struct {
	Overview        string           `json:"overview"`
	Highlights      []string         `json:"highlights,omitempty"`
	Activities      []DetailActivity `json:"activities,omitempty"`
	BestTimeToVisit string           `json:"bestTimeToVisit,omitempty"`
	LocalTips       []string         `json:"localTips,omitempty"`
	Cuisine         []string         `json:"cuisine,omitempty"`
	Weather         string           `json:"weather,omitempty"`
}

type DetailActivity struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// flexNumber decodes a JSON number, a numeric string ("87", "87%", "4.5") or null.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q: %w", s, err)
		}
		*f = flexNumber(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
