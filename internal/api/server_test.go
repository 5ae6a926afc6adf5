package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/remotesensinginfo/eodatadown/internal/config"
)

func TestHealthz(t *testing.T) {
	srv := New(config.Config{}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(config.Config{}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "eodd_") {
		t.Fatalf("metrics body missing pipeline metrics")
	}
}
