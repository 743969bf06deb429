package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "written response", want: http.StatusAccepted},
		{name: "http error", err: echo.NewHTTPError(http.StatusTooManyRequests, "slow down"), want: http.StatusTooManyRequests},
		{name: "plain error", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/errors", nil), httptest.NewRecorder())
			if tt.err == nil {
				require.NoError(t, c.NoContent(http.StatusAccepted))
			}
			assert.Equal(t, tt.want, responseStatus(c, tt.err))
		})
	}
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/errors/:id/actions", routeLabel("/api/v1/errors/:id/actions"))
}

func TestIngestOutcomesExported(t *testing.T) {
	server := setupTestServer(t, func(c *Config, _ *Deps) {
		c.IngestRate = 0.5
		c.IngestBurst = 1
	})

	rec := server.do(t, http.MethodPost, "/api/v1/errors", sampleReport())
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = server.do(t, http.MethodPost, "/api/v1/errors", sampleReport())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = server.do(t, http.MethodPost, "/api/v1/errors", ReportRequest{Service: "api"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `errwatch_ingest_requests_total{outcome="accepted",service="api",severity="error"}`)
	assert.Contains(t, body, `errwatch_ingest_requests_total{outcome="throttled",service="api",severity="error"}`)
	assert.Contains(t, body, `errwatch_ingest_requests_total{outcome="invalid",service="api",severity="error"}`)
	assert.Contains(t, body, `errwatch_http_requests_total{method="POST",route="/api/v1/errors",status="429"}`)
	assert.Contains(t, body, `errwatch_http_requests_total{method="POST",route="/api/v1/errors",status="202"}`)
}
