package metrics

import (
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds the application's metric instruments.
type AppMetrics struct {
	AIRequestsTotal          metric.Int64Counter
	AIRequestDurationSeconds metric.Float64Histogram
	CacheLookupsTotal        metric.Int64Counter
	PersistenceFailuresTotal metric.Int64Counter
	EventsPublishedTotal     metric.Int64Counter
	DbQueryDurationSeconds   metric.Float64Histogram
}

var (
	appMetrics *AppMetrics
	once       sync.Once
)

// New creates the instruments on meter.
func New(meter metric.Meter) (*AppMetrics, error) {
	var err error
	m := &AppMetrics{}

	m.AIRequestsTotal, err = meter.Int64Counter(
		"ai_requests_total",
		metric.WithDescription("Total number of generative AI requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("ai_requests_total: %w", err)
	}

	m.AIRequestDurationSeconds, err = meter.Float64Histogram(
		"ai_request_duration_seconds",
		metric.WithDescription("Duration of generative AI requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("ai_request_duration_seconds: %w", err)
	}

	m.CacheLookupsTotal, err = meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Cache lookups before AI generation, labelled by source (memory, database, miss)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("cache_lookups_total: %w", err)
	}

	m.PersistenceFailuresTotal, err = meter.Int64Counter(
		"persistence_failures_total",
		metric.WithDescription("Auxiliary writes that failed and were swallowed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("persistence_failures_total: %w", err)
	}

	m.EventsPublishedTotal, err = meter.Int64Counter(
		"itinerary_events_published_total",
		metric.WithDescription("Itinerary notifications broadcast to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("itinerary_events_published_total: %w", err)
	}

	m.DbQueryDurationSeconds, err = meter.Float64Histogram(
		"db_query_duration_seconds",
		metric.WithDescription("Duration of database queries in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("db_query_duration_seconds: %w", err)
	}

	return m, nil
}

// InitAppMetrics initializes the global metrics instruments ONLY ONCE.
// It gets the Meter from the globally configured MeterProvider.
func InitAppMetrics() {
	once.Do(func() {
		meter := otel.GetMeterProvider().Meter("TripPlanner")
		m, err := New(meter)
		if err != nil {
			log.Fatalf("Metrics: %v", err)
		}
		log.Println("Application metrics instruments initialized.")
		appMetrics = m
	})
}

// Get returns the globally initialized AppMetrics instance.
// Panics if InitAppMetrics was not called first.
func Get() *AppMetrics {
	if appMetrics == nil {
		panic("metrics instruments not initialized. Call metrics.InitAppMetrics() first.")
	}
	return appMetrics
}
