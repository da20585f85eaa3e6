package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/store"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Admissions.WithLabelValues("accepted").Inc()
	m.Admissions.WithLabelValues("rate_limited").Add(2)
	m.QueueDepth.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Admissions.WithLabelValues("rate_limited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// Registering twice on the same registry panics
	assert.Panics(t, func() { New(reg) })
}

func TestStoreCollector(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.CreateJob(ctx, &models.Job{
			ID: id, Provider: "together", Status: models.JobStatusQueued, CreatedAt: time.Now(),
		}))
	}

	c := NewStoreCollector(s)
	expected := `
# HELP imagegen_jobs Persisted jobs by status.
# TYPE imagegen_jobs gauge
imagegen_jobs{status="queued"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "imagegen_jobs"))
}
