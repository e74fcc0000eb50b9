package types

import (
	"time"

	"github.com/google/uuid"
)

// ItineraryStatus is the state carried by an itinerary notification.
type ItineraryStatus string

const (
	StatusGenerating ItineraryStatus = "generating"
	StatusComplete   ItineraryStatus = "complete"
	StatusError      ItineraryStatus = "error"
	StatusClear      ItineraryStatus = "clear"
)

// ItineraryEvent is broadcast to every subscriber of a planning session.
type ItineraryEvent struct {
	EventID   string          `json:"event_id"`
	SessionID uuid.UUID       `json:"session_id"`
	Status    ItineraryStatus `json:"status"`
	Progress  *int            `json:"progress,omitempty"`
	Itinerary *Itinerary      `json:"itinerary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Marker    int64           `json:"marker,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionSnapshot is the durable state of a session as a late view reads it.
type SessionSnapshot struct {
	Itinerary   *Itinerary    `json:"itinerary,omitempty"`
	Destination *Destination  `json:"destination,omitempty"`
	Preferences PreferenceSet `json:"preferences,omitempty"`
	Marker      int64         `json:"marker"`
}
