// Package metrics exports per-run gauges for the node-exporter textfile
// collector or a Pushgateway.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"halong/internal/domain"
)

const namespace = "halong"

// RunMetrics holds the gauges describing the last pipeline run.
type RunMetrics struct {
	registry *prometheus.Registry

	Candidates   prometheus.Gauge
	Unknown      prometheus.Gauge
	Confirmed    prometheus.Gauge
	Refreshed    prometheus.Gauge
	Stale        prometheus.Gauge
	Skipped      *prometheus.GaugeVec
	StoreRows    *prometheus.GaugeVec
	StoreSymbols *prometheus.GaugeVec
	Published    *prometheus.GaugeVec
	GatePassed   prometheus.Gauge
	Duration     prometheus.Gauge
	Failed       prometheus.Gauge
	LastSuccess  prometheus.Gauge
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "run", Name: name, Help: help})
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "run", Name: name, Help: help}, labels)
}

// New creates the gauges on a private registry.
func New() *RunMetrics {
	m := &RunMetrics{
		registry:     prometheus.NewRegistry(),
		Candidates:   gauge("candidates", "Spike candidates flagged by detection."),
		Unknown:      gauge("unknown_candidates", "Candidates with no split or dividend explanation."),
		Confirmed:    gauge("confirmed_symbols", "Symbols confirmed stale by the reconciler."),
		Refreshed:    gauge("refreshed_symbols", "Symbols whose raw history was replaced."),
		Stale:        gauge("stale_symbols", "Symbols recomputed because derived rows lagged raw prices."),
		Skipped:      gaugeVec("skipped_symbols", "Symbols skipped, by reason.", "reason"),
		StoreRows:    gaugeVec("store_rows", "Rows in each store after the run.", "store"),
		StoreSymbols: gaugeVec("store_symbols_replaced", "Symbols replaced in each store.", "store"),
		Published:    gaugeVec("published", "1 if the named output was published.", "output"),
		GatePassed:   gauge("gate_passed", "1 if the ranking sanity gate passed."),
		Duration:     gauge("duration_seconds", "Wall time of the run."),
		Failed:       gauge("failed", "1 if the last run returned an error."),
		LastSuccess:  gauge("last_success_timestamp_seconds", "Unix time the last run finished."),
	}
	m.registry.MustRegister(
		m.Candidates, m.Unknown, m.Confirmed, m.Refreshed, m.Stale, m.Skipped,
		m.StoreRows, m.StoreSymbols, m.Published, m.GatePassed, m.Duration,
		m.Failed, m.LastSuccess,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for promhttp.
func (m *RunMetrics) Registry() *prometheus.Registry { return m.registry }

// Record sets every gauge from res, which may be partial when runErr is
// set. The last-success timestamp only moves on success.
func (m *RunMetrics) Record(res domain.RunResult, runErr error) {
	m.Candidates.Set(float64(res.Candidates))
	m.Unknown.Set(float64(res.Unknown))
	m.Confirmed.Set(float64(len(res.Confirmed)))
	m.Refreshed.Set(float64(len(res.Refreshed)))
	m.Stale.Set(float64(len(res.Stale)))

	m.Skipped.Reset()
	for _, reason := range []domain.SkipReason{
		domain.SkipFetchFailed, domain.SkipInsufficientOverlap,
		domain.SkipInsufficientHistory, domain.SkipBelowThreshold,
	} {
		m.Skipped.WithLabelValues(string(reason)).Set(float64(res.SkippedCount(reason)))
	}

	m.StoreRows.Reset()
	m.StoreSymbols.Reset()
	for _, s := range res.Stores {
		m.StoreRows.WithLabelValues(s.Store).Set(float64(s.RowsAfter))
		m.StoreSymbols.WithLabelValues(s.Store).Set(float64(s.SymbolsHit))
	}

	m.Published.WithLabelValues("aggregate").Set(boolValue(res.AggregatePublished))
	m.Published.WithLabelValues("ranking").Set(boolValue(res.RankingPublished))
	m.Published.WithLabelValues("invalidation").Set(boolValue(res.InvalidationPublished))
	m.GatePassed.Set(boolValue(res.GatePassed))
	m.Failed.Set(boolValue(runErr != nil))
	if !res.Finished.IsZero() {
		m.Duration.Set(res.Finished.Sub(res.Started).Seconds())
		if runErr == nil {
			m.LastSuccess.Set(float64(res.Finished.Unix()))
		}
	}
}

// WriteTextfile writes the gauges in text exposition format. The write goes
// through a temp file and rename.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// Push sends the gauges to a Pushgateway under job "halong".
func (m *RunMetrics) Push(ctx context.Context, url string) error {
	if err := push.New(url, namespace).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
