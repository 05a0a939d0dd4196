package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IndependentInstances(t *testing.T) {
	// Two registries must not collide on collector registration.
	a := NewRegistry()
	b := NewRegistry()

	a.SignalsTotal.Inc()
	assert.Equal(t, 1.0, a.CounterValue("tradegate_signals_total"))
	assert.Equal(t, 0.0, b.CounterValue("tradegate_signals_total"))
}

func TestRegistry_CounterValueSumsLabels(t *testing.T) {
	r := NewRegistry()

	r.Admissions.WithLabelValues("rejected", "concurrency limit").Inc()
	r.Admissions.WithLabelValues("rejected", "position already open").Inc()
	r.Admissions.WithLabelValues("approved", "").Inc()

	assert.Equal(t, 3.0, r.CounterValue("tradegate_admissions_total"))
	assert.Equal(t, 0.0, r.CounterValue("tradegate_no_such_metric"))
}

func TestRegistry_HandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.SignalsTotal.Inc()
	r.OpenPositions.Set(2)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	assert.Contains(t, body, "tradegate_signals_total 1")
	assert.Contains(t, body, "tradegate_open_positions 2")
}
