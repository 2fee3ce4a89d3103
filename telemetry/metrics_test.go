package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T) string {
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestInstrument(t *testing.T) {
	h := Instrument("test_missing", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	body := scrape(t)
	assert.Contains(t, body, `poolreg_requests_total{op="test_missing",status="4xx"} 1`)
	assert.Contains(t, body, `poolreg_in_flight_requests{op="test_missing"} 0`)
}

func TestObserveRequest(t *testing.T) {
	ObserveRequest("test_op", time.Now(), nil)
	ObserveRequest("test_op", time.Now(), errors.New("boom"))

	body := scrape(t)
	assert.Contains(t, body, `poolreg_requests_total{op="test_op",status="ok"} 1`)
	assert.Contains(t, body, `poolreg_requests_total{op="test_op",status="error"} 1`)
	assert.Equal(t, "failure", Result(errors.New("x")))
	assert.Equal(t, "success", Result(nil))
}

func TestBuildInfo(t *testing.T) {
	SetBuildInfo("test")
	assert.Contains(t, scrape(t), `poolreg_build_info{version="test"} 1`)
}
