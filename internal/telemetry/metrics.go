package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/hemobras/esocial"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Signing metrics
	SignTotal       metric.Int64Counter
	SignErrorsTotal metric.Int64Counter
	SignDuration    metric.Float64Histogram

	// Transport metrics
	TransportRequestsTotal   metric.Int64Counter
	TransportErrorsTotal     metric.Int64Counter
	TransportRequestDuration metric.Float64Histogram
	PoolWaitDuration         metric.Float64Histogram
	PoolExhaustedTotal       metric.Int64Counter
	ActiveLeases             metric.Int64UpDownCounter

	// Key store metrics
	KeystoreReloadsTotal metric.Int64Counter

	// Journal metrics
	JournalEntriesTotal metric.Int64Counter
	JournalBytesWritten metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SignTotal, _ = meter.Int64Counter(
		"esocial.sign.total",
		metric.WithDescription("Total number of document signing attempts"),
		metric.WithUnit("{document}"),
	)

	m.SignErrorsTotal, _ = meter.Int64Counter(
		"esocial.sign.errors.total",
		metric.WithDescription("Total number of document signing failures by stage"),
		metric.WithUnit("{error}"),
	)

	m.SignDuration, _ = meter.Float64Histogram(
		"esocial.sign.duration",
		metric.WithDescription("Duration of document signing"),
		metric.WithUnit("ms"),
	)

	m.TransportRequestsTotal, _ = meter.Int64Counter(
		"esocial.transport.requests.total",
		metric.WithDescription("Total number of requests sent to the remote service"),
		metric.WithUnit("{request}"),
	)

	m.TransportErrorsTotal, _ = meter.Int64Counter(
		"esocial.transport.errors.total",
		metric.WithDescription("Total number of transport failures by stage"),
		metric.WithUnit("{error}"),
	)

	m.TransportRequestDuration, _ = meter.Float64Histogram(
		"esocial.transport.request.duration",
		metric.WithDescription("Duration of requests including reading the response body"),
		metric.WithUnit("ms"),
	)

	m.PoolWaitDuration, _ = meter.Float64Histogram(
		"esocial.transport.pool.wait.duration",
		metric.WithDescription("Time spent waiting for a connection lease"),
		metric.WithUnit("ms"),
	)

	m.PoolExhaustedTotal, _ = meter.Int64Counter(
		"esocial.transport.pool.exhausted.total",
		metric.WithDescription("Total number of requests rejected because no lease was available"),
		metric.WithUnit("{request}"),
	)

	m.ActiveLeases, _ = meter.Int64UpDownCounter(
		"esocial.transport.pool.leases.active",
		metric.WithDescription("Number of connection leases currently held"),
		metric.WithUnit("{lease}"),
	)

	m.KeystoreReloadsTotal, _ = meter.Int64Counter(
		"esocial.keystore.reloads.total",
		metric.WithDescription("Total number of key store reload attempts"),
		metric.WithUnit("{reload}"),
	)

	m.JournalEntriesTotal, _ = meter.Int64Counter(
		"esocial.journal.entries.total",
		metric.WithDescription("Total number of exchanges written to the journal"),
		metric.WithUnit("{entry}"),
	)

	m.JournalBytesWritten, _ = meter.Int64Counter(
		"esocial.journal.bytes.total",
		metric.WithDescription("Compressed bytes written to the journal"),
		metric.WithUnit("By"),
	)

	return m
}
