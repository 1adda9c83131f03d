package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/services"
)

func TestHealthzReportsBuildInfo(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "prod", StartedAt: started}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := expectStatus(t, rr, http.StatusOK)
	if body["status"] != "ok" || body["version"] != "1.4.0" || body["commitSha"] != "abc123" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["uptime"] != "1m30s" {
		t.Fatalf("unexpected uptime %v", body["uptime"])
	}
	if body["timestamp"] != "2024-01-01T00:01:30Z" {
		t.Fatalf("unexpected timestamp %v", body["timestamp"])
	}
}

func TestReadyzWithoutSystemService(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	body := expectStatus(t, rr, http.StatusOK)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzAggregatesChecks(t *testing.T) {
	cases := []struct {
		name    string
		report  services.SystemHealthReport
		status  int
		details int
	}{
		{
			name: "all healthy",
			report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
					"redis":     {Status: domain.HealthStatusOK},
				},
			},
			status: http.StatusOK,
		},
		{
			name: "degraded dependency",
			report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"redis":     {Status: domain.HealthStatusError, Error: "dial tcp: connection refused"},
				},
			},
			status:  http.StatusServiceUnavailable,
			details: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{report: tc.report}))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			body := expectStatus(t, rr, tc.status)
			checks := body["checks"].(map[string]any)
			if len(checks) != len(tc.report.Checks) {
				t.Fatalf("unexpected checks %v", checks)
			}
			details, _ := body["details"].([]any)
			if len(details) != tc.details {
				t.Fatalf("expected %d details, got %v", tc.details, details)
			}
			if tc.details > 0 && details[0] != "redis: dial tcp: connection refused" {
				t.Fatalf("unexpected detail %v", details[0])
			}
		})
	}
}

func TestReadyzReportFailure(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("probe timeout")}))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	body := expectStatus(t, rr, http.StatusServiceUnavailable)
	if body["status"] != "error" {
		t.Fatalf("unexpected body %v", body)
	}
}
