package s4ppmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.SessionsTotal.Inc()
	m.SequencesCommitted.Inc()
	m.SequencesRejected.WithLabelValues("bad_signature").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)
}
