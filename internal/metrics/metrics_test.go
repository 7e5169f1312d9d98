package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halong/internal/domain"
)

func sampleResult() domain.RunResult {
	start := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)
	return domain.RunResult{
		Candidates: 25,
		Confirmed:  []string{"AAA", "BBB"},
		Refreshed:  []string{"AAA"},
		Skipped: []domain.SkippedSymbol{
			{Symbol: "BBB", Reason: domain.SkipFetchFailed},
		},
		Stores: []domain.StoreResult{
			{Store: "technical", RowsAfter: 900, SymbolsHit: 1},
		},
		AggregatePublished:    true,
		InvalidationPublished: true,
		GatePassed:            true,
		Started:               start,
		Finished:              start.Add(90 * time.Second),
	}
}

func TestRecord(t *testing.T) {
	m := New()
	m.Record(sampleResult(), nil)

	assert.Equal(t, 25.0, testutil.ToFloat64(m.Candidates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Skipped.WithLabelValues("fetch_failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Skipped.WithLabelValues("insufficient_history")))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.StoreRows.WithLabelValues("technical")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Published.WithLabelValues("ranking")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.Duration))
}

func TestRecordFailedRunOverwritesPublished(t *testing.T) {
	m := New()
	ok := sampleResult()
	m.Record(ok, nil)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues("aggregate")))
	lastSuccess := testutil.ToFloat64(m.LastSuccess)

	failed := domain.RunResult{
		Candidates: 3,
		Started:    ok.Finished.Add(24 * time.Hour),
		Finished:   ok.Finished.Add(24*time.Hour + time.Minute),
	}
	m.Record(failed, errors.New("aggregate: disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Published.WithLabelValues("aggregate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Refreshed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Candidates))
	assert.Equal(t, lastSuccess, testutil.ToFloat64(m.LastSuccess))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Record(sampleResult(), nil)
	path := filepath.Join(t.TempDir(), "halong.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "halong_run_candidates 25")
	assert.Contains(t, string(b), `halong_run_published{output="aggregate"} 1`)
}

func TestPush(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.Record(sampleResult(), nil)
	require.NoError(t, m.Push(context.Background(), srv.URL))
	assert.True(t, strings.HasPrefix(path, "/metrics/job/halong"), path)
	assert.NotEmpty(t, body)
}
