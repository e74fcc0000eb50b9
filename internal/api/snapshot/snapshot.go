// Package snapshot is the durable key/value store behind a planning session.
// Values are JSON documents; a reload reads them back to resume mid-flow.
package snapshot

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Store persists JSON-serializable values by key.
type Store interface {
	// Get decodes the value at key into dst and reports whether it existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
	// Update decodes the value at key into dst, calls apply and stores dst
	// when apply returns true. Updates of the same key never interleave, so
	// fields written by another writer survive. dst is zeroed before each
	// read; apply may run more than once.
	Update(ctx context.Context, key string, dst any, apply func(found bool) bool) error
}

// Per-session keys.
func SelectedDestinationKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:selected_destination", sessionID)
}

func SelectedPreferencesKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:selected_preferences", sessionID)
}

func GeneratedItineraryKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:generated_itinerary", sessionID)
}

func UpdateMarkerKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:update_marker", sessionID)
}

func FlowKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:flow", sessionID)
}

func DestinationsKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:destinations", sessionID)
}

// zero resets the value dst points to, so a retried decode starts clean.
func zero(dst any) {
	if v := reflect.ValueOf(dst); v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().SetZero()
	}
}
