// Package propagator keeps every view of a planning session on the same
// itinerary. It is the single source of truth: state is written to the
// snapshot store and then pushed to subscribers, and a subscriber that
// joins late is handed the stored state before any live event.
package propagator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	"github.com/FACorreiaa/go-trip-planner/internal/api/snapshot"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const (
	defaultProgressInterval = 2 * time.Second
	defaultProgressCap      = 95
	subscriberBuffer        = 16
)

type Options struct {
	ProgressInterval time.Duration
	ProgressCap      int
	Metrics          *metrics.AppMetrics
}

type Propagator struct {
	snapshots   snapshot.Store
	logger      *slog.Logger
	metrics     *metrics.AppMetrics
	interval    time.Duration
	progressCap int
	randIntN    func(n int) int
	now         func() time.Time

	mu      sync.Mutex
	subs    map[uuid.UUID]map[uint64]*subscriber
	nextSub uint64
	runs    map[uuid.UUID]*progressRun

	markerMu sync.Mutex
}

// subscriber queues live events in pending until its replay has been sent.
type subscriber struct {
	ch      chan types.ItineraryEvent
	pending []types.ItineraryEvent
	ready   bool
}

func New(snapshots snapshot.Store, opts Options, logger *slog.Logger) *Propagator {
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	progressCap := opts.ProgressCap
	if progressCap <= 0 || progressCap > 100 {
		progressCap = defaultProgressCap
	}
	return &Propagator{
		snapshots:   snapshots,
		logger:      logger,
		metrics:     opts.Metrics,
		interval:    interval,
		progressCap: progressCap,
		randIntN:    rand.IntN,
		now:         time.Now,
		subs:        make(map[uuid.UUID]map[uint64]*subscriber),
		runs:        make(map[uuid.UUID]*progressRun),
	}
}

// Subscribe registers a view of sessionID. The first event replays the
// stored itinerary (and the running progress, if any), so the view never
// depends on having been mounted before the last broadcast. The
// subscription ends when ctx is done or the returned func is called.
func (p *Propagator) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan types.ItineraryEvent, func()) {
	sub := &subscriber{ch: make(chan types.ItineraryEvent, subscriberBuffer)}

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[uint64]*subscriber)
	}
	p.subs[sessionID][id] = sub
	p.mu.Unlock()

	// The store is read without p.mu; events sent meanwhile wait in pending.
	snap, err := p.readSnapshot(ctx, sessionID)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to read snapshot for new subscriber", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}

	p.mu.Lock()
	if snap.Itinerary != nil {
		deliver(sub.ch, p.event(sessionID, types.StatusComplete, nil, snap.Itinerary, "", snap.Marker))
	}
	for _, ev := range sub.pending {
		if ev.Marker != 0 && ev.Marker <= snap.Marker {
			continue
		}
		deliver(sub.ch, ev)
	}
	sub.pending = nil
	sub.ready = true
	if run, ok := p.runs[sessionID]; ok {
		progress := run.progress
		deliver(sub.ch, p.event(sessionID, types.StatusGenerating, &progress, nil, "", 0))
	}
	p.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if subs, ok := p.subs[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(p.subs, sessionID)
				}
			}
			close(sub.ch)
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return sub.ch, func() {
		stop()
		unsubscribe()
	}
}

// Publish stores a finished itinerary and broadcasts it. In order: the
// itinerary and its destination (with the itinerary attached) are written
// to the snapshot store, the update marker is advanced, subscribers are
// notified with status complete. Write failures are logged; the broadcast
// always happens. Preferences are owned by the preferences flow and are
// never written here.
func (p *Propagator) Publish(ctx context.Context, sessionID uuid.UUID, itinerary *types.Itinerary, destination *types.Destination) {
	ctx, span := otel.Tracer("Propagator").Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.Int("itinerary.days", len(itinerary.Days)),
	))
	defer span.End()

	p.stopProgress(sessionID)

	stored := itinerary.Clone()
	if err := p.snapshots.Set(ctx, snapshot.GeneratedItineraryKey(sessionID), stored); err != nil {
		span.RecordError(err)
		p.logger.ErrorContext(ctx, "Failed to store itinerary snapshot", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	if destination != nil {
		if err := p.attachToDestination(ctx, sessionID, *destination, stored); err != nil {
			span.RecordError(err)
			p.logger.ErrorContext(ctx, "Failed to store destination snapshot", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
	}

	marker := p.advanceMarker(ctx, sessionID)
	p.notify(ctx, sessionID, p.event(sessionID, types.StatusComplete, nil, stored, "", marker))
	p.logger.InfoContext(ctx, "Itinerary published",
		slog.String("session_id", sessionID.String()),
		slog.Int("days", len(stored.Days)),
		slog.Int64("marker", marker))
}

// attachToDestination stores destination with itinerary attached. Details
// already stored for the same destination are kept.
func (p *Propagator) attachToDestination(ctx context.Context, sessionID uuid.UUID, destination types.Destination, itinerary *types.Itinerary) error {
	var current types.Destination
	return p.snapshots.Update(ctx, snapshot.SelectedDestinationKey(sessionID), &current, func(found bool) bool {
		details := current.Details
		sameTitle := found && current.Title == destination.Title
		current = destination
		if sameTitle && details != nil {
			current.Details = details
		}
		current.Itinerary = itinerary
		return true
	})
}

// Fail stops the progress animation and broadcasts the error. Stored state is kept.
func (p *Propagator) Fail(ctx context.Context, sessionID uuid.UUID, cause error) {
	p.stopProgress(sessionID)
	msg := "itinerary generation failed"
	if cause != nil {
		msg = userMessage(cause)
	}
	p.notify(ctx, sessionID, p.event(sessionID, types.StatusError, nil, nil, msg, 0))
}

// Cancel discards the in-progress view state. It does not abort the
// generation call already in flight; if that call finishes it still publishes.
func (p *Propagator) Cancel(ctx context.Context, sessionID uuid.UUID) {
	p.stopProgress(sessionID)
	p.notify(ctx, sessionID, p.event(sessionID, types.StatusClear, nil, &types.Itinerary{Days: []types.Day{}}, "", 0))
}

// Clear removes the stored itinerary and tells every view to empty its
// day and activity lists.
func (p *Propagator) Clear(ctx context.Context, sessionID uuid.UUID) {
	p.stopProgress(sessionID)
	if err := p.snapshots.Delete(ctx, snapshot.GeneratedItineraryKey(sessionID)); err != nil {
		p.logger.ErrorContext(ctx, "Failed to delete itinerary snapshot", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	marker := p.advanceMarker(ctx, sessionID)
	p.notify(ctx, sessionID, p.event(sessionID, types.StatusClear, nil, &types.Itinerary{Days: []types.Day{}}, "", marker))
}

// Mutate applies a client-side edit (reorder, delete) to the stored
// itinerary and broadcasts the result. The relational store is not touched.
func (p *Propagator) Mutate(ctx context.Context, sessionID uuid.UUID, edit func(*types.Itinerary) error) (*types.Itinerary, error) {
	var (
		itinerary types.Itinerary
		found     bool
		editErr   error
	)
	err := p.snapshots.Update(ctx, snapshot.GeneratedItineraryKey(sessionID), &itinerary, func(ok bool) bool {
		found = ok
		if !ok {
			return false
		}
		editErr = edit(&itinerary)
		return editErr == nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update itinerary snapshot: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no itinerary for session %s: %w", sessionID, types.ErrNotFound)
	}
	if editErr != nil {
		return nil, editErr
	}

	var destination types.Destination
	err = p.snapshots.Update(ctx, snapshot.SelectedDestinationKey(sessionID), &destination, func(ok bool) bool {
		if !ok {
			return false
		}
		destination.Itinerary = itinerary.Clone()
		return true
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to refresh destination snapshot", slog.Any("error", err))
	}

	marker := p.advanceMarker(ctx, sessionID)
	p.notify(ctx, sessionID, p.event(sessionID, types.StatusComplete, nil, itinerary.Clone(), "", marker))
	return &itinerary, nil
}

// Snapshot reads the durable state of a session.
func (p *Propagator) Snapshot(ctx context.Context, sessionID uuid.UUID) (types.SessionSnapshot, error) {
	return p.readSnapshot(ctx, sessionID)
}

func (p *Propagator) readSnapshot(ctx context.Context, sessionID uuid.UUID) (types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	var errs []error

	// The marker goes first: state read after it is never older than it.
	if _, err := p.snapshots.Get(ctx, snapshot.UpdateMarkerKey(sessionID), &snap.Marker); err != nil {
		errs = append(errs, err)
	}
	var itinerary types.Itinerary
	if ok, err := p.snapshots.Get(ctx, snapshot.GeneratedItineraryKey(sessionID), &itinerary); err != nil {
		errs = append(errs, err)
	} else if ok {
		snap.Itinerary = &itinerary
	}
	var destination types.Destination
	if ok, err := p.snapshots.Get(ctx, snapshot.SelectedDestinationKey(sessionID), &destination); err != nil {
		errs = append(errs, err)
	} else if ok {
		snap.Destination = &destination
	}
	var prefs types.PreferenceSet
	if ok, err := p.snapshots.Get(ctx, snapshot.SelectedPreferencesKey(sessionID), &prefs); err != nil {
		errs = append(errs, err)
	} else if ok {
		snap.Preferences = prefs
	}
	return snap, errors.Join(errs...)
}

// advanceMarker writes a marker strictly greater than the previous one.
func (p *Propagator) advanceMarker(ctx context.Context, sessionID uuid.UUID) int64 {
	p.markerMu.Lock()
	defer p.markerMu.Unlock()

	key := snapshot.UpdateMarkerKey(sessionID)
	var previous int64
	if _, err := p.snapshots.Get(ctx, key, &previous); err != nil {
		p.logger.WarnContext(ctx, "Failed to read update marker", slog.Any("error", err))
	}
	next := max(p.now().UnixMilli(), previous+1)
	if err := p.snapshots.Set(ctx, key, next); err != nil {
		p.logger.ErrorContext(ctx, "Failed to write update marker", slog.Any("error", err))
	}
	return next
}

func (p *Propagator) event(sessionID uuid.UUID, status types.ItineraryStatus, progress *int, itinerary *types.Itinerary, errMsg string, marker int64) types.ItineraryEvent {
	return types.ItineraryEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Status:    status,
		Progress:  progress,
		Itinerary: itinerary,
		Error:     errMsg,
		Marker:    marker,
		Timestamp: p.now(),
	}
}

func (p *Propagator) notify(ctx context.Context, sessionID uuid.UUID, ev types.ItineraryEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyLocked(ctx, sessionID, ev)
}

func (p *Propagator) notifyLocked(ctx context.Context, sessionID uuid.UUID, ev types.ItineraryEvent) {
	for _, sub := range p.subs[sessionID] {
		if !sub.ready {
			sub.pending = append(sub.pending, ev)
			continue
		}
		deliver(sub.ch, ev)
	}
	if p.metrics != nil {
		p.metrics.EventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(ev.Status))))
	}
}

// deliver never blocks. A full buffer loses its oldest event so the newest
// state always reaches the subscriber. Callers hold p.mu, so the hub is the
// only sender.
func deliver(ch chan types.ItineraryEvent, ev types.ItineraryEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrParseFailure):
		return "The itinerary could not be read. Please try again."
	case errors.Is(err, types.ErrBackend):
		return "The itinerary service is unavailable. Please try again."
	default:
		return "Itinerary generation failed. Please try again."
	}
}
