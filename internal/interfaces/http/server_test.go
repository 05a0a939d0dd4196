package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjarvik/tradegate/internal/calibration"
	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
	"github.com/kjarvik/tradegate/internal/metrics"
)

type stubStatus struct {
	mode   domain.Mode
	paused bool
	health domain.HealthReport
}

func (s *stubStatus) Mode() domain.Mode { return s.mode }
func (s *stubStatus) Paused() bool      { return s.paused }
func (s *stubStatus) Snapshots() []domain.InstrumentState {
	return []domain.InstrumentState{{InstrumentID: "BTC-USD", Status: domain.StatusSet}}
}
func (s *stubStatus) OpenPositions() []domain.Position {
	return []domain.Position{{PositionID: "pos-1", InstrumentID: "BTC-USD"}}
}
func (s *stubStatus) Performance() domain.PerformanceSnapshot {
	return domain.PerformanceSnapshot{TotalTrades: 3, WinningTrades: 2}
}
func (s *stubStatus) Health(context.Context) domain.HealthReport { return s.health }

func newTestServer(t *testing.T, status *stubStatus) *httptest.Server {
	t.Helper()

	cal := calibration.NewEngine(config.Default().Calibration, nil)
	for i := 0; i < 60; i++ {
		cal.RecordOutcome(domain.Outcome{
			SignalType: "composite", Confidence: 0.7, Won: i%10 < 7,
			MoveAccuracy: 1, Timestamp: time.Now(),
		})
	}

	s := NewServer(":0", status, cal, metrics.NewRegistry().Handler(), http.NotFoundHandler())
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_Health(t *testing.T) {
	status := &stubStatus{
		mode: domain.ModeSingleInstrument,
		health: domain.HealthReport{
			Status:     domain.HealthHealthy,
			Components: map[string]bool{"bus": true},
		},
	}
	srv := newTestServer(t, status)

	var report domain.HealthReport
	resp := getJSON(t, srv.URL+"/health", &report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.HealthHealthy, report.Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_HealthDegradedReturns503(t *testing.T) {
	status := &stubStatus{
		health: domain.HealthReport{
			Status:     domain.HealthDegraded,
			Components: map[string]bool{"persistence": false},
		},
	}
	srv := newTestServer(t, status)

	resp := getJSON(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Status(t *testing.T) {
	srv := newTestServer(t, &stubStatus{mode: domain.ModeMultiInstrument})

	var body map[string]json.RawMessage
	resp := getJSON(t, srv.URL+"/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"MULTI_INSTRUMENT"`, string(body["mode"]))
	assert.Contains(t, body, "open_positions")
	assert.Contains(t, body, "performance")
}

func TestServer_Instruments(t *testing.T) {
	srv := newTestServer(t, &stubStatus{})

	var states []domain.InstrumentState
	resp := getJSON(t, srv.URL+"/instruments", &states)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, states, 1)
	assert.Equal(t, "BTC-USD", states[0].InstrumentID)
}

func TestServer_Calibration(t *testing.T) {
	srv := newTestServer(t, &stubStatus{})

	var body struct {
		Buckets []domain.CalibrationBucket `json:"buckets"`
		Report  calibration.Report         `json:"report"`
	}
	resp := getJSON(t, srv.URL+"/calibration", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body.Buckets, 10)
	assert.Equal(t, 60, body.Report.SampleCount)
}

func TestServer_PlattFit(t *testing.T) {
	srv := newTestServer(t, &stubStatus{})

	var res calibration.PlattResult
	resp := getJSON(t, srv.URL+"/calibration/platt", &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 60, res.SampleCount)
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, &stubStatus{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &stubStatus{})

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
