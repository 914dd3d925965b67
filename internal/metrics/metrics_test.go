package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("store", time.Now(), nil)
	m.ObserveOperation("store", time.Now(), errors.New("boom"))
	m.RecordChecksumFailure()
	m.RecordIndexBuild(42, time.Millisecond)
	m.RecordCandidates(10)
	m.RecordCompression(3.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("store", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("store", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksumFailures))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IndexedDocuments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexBuilds))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("search", time.Now(), nil)
		m.RecordChecksumFailure()
		m.RecordIndexBuild(1, time.Second)
		m.RecordCandidates(1)
		m.RecordCompression(2)
	})
}
