package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the crewdash instruments. A nil *Metrics is valid at every
// call site and means "not recording".
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	HubClients           metric.Int64UpDownCounter
	HubBroadcasts        metric.Int64Counter
	HubEvictions         metric.Int64Counter
	HubDebounced         metric.Int64Counter
	EventsStored         metric.Int64Counter
	TranscriptLines      metric.Int64Counter
	TranscriptSkipped    metric.Int64Counter
	WatcherNotifications metric.Int64Counter
	ScanDuration         metric.Float64Histogram
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("crewdash.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.HubClients, err = meter.Int64UpDownCounter("crewdash.hub.clients",
		metric.WithDescription("Currently connected push subscribers"),
	); err != nil {
		return nil, err
	}
	if m.HubBroadcasts, err = meter.Int64Counter("crewdash.hub.broadcasts",
		metric.WithDescription("Envelopes fanned out to subscribers"),
	); err != nil {
		return nil, err
	}
	if m.HubEvictions, err = meter.Int64Counter("crewdash.hub.evictions",
		metric.WithDescription("Subscribers dropped because their queue was full"),
	); err != nil {
		return nil, err
	}
	if m.HubDebounced, err = meter.Int64Counter("crewdash.hub.debounced",
		metric.WithDescription("Activity notifications suppressed by the debouncer"),
	); err != nil {
		return nil, err
	}
	if m.EventsStored, err = meter.Int64Counter("crewdash.events.stored",
		metric.WithDescription("Conversation events appended to the store"),
	); err != nil {
		return nil, err
	}
	if m.TranscriptLines, err = meter.Int64Counter("crewdash.transcript.lines",
		metric.WithDescription("Transcript lines parsed"),
	); err != nil {
		return nil, err
	}
	if m.TranscriptSkipped, err = meter.Int64Counter("crewdash.transcript.skipped",
		metric.WithDescription("Transcript lines skipped as malformed or filtered"),
	); err != nil {
		return nil, err
	}
	if m.WatcherNotifications, err = meter.Int64Counter("crewdash.watcher.notifications",
		metric.WithDescription("Manifest file changes detected by polling"),
	); err != nil {
		return nil, err
	}
	if m.ScanDuration, err = meter.Float64Histogram("crewdash.scan.duration",
		metric.WithDescription("Full changeset rescan duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest records one HTTP request's duration tagged with method and
// status code.
func (m *Metrics) RecordRequest(ctx context.Context, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.Int("http.status_code", status),
	))
}
