package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := scrape(t)
	assert.Contains(t, body, `http_requests_total{endpoint="/ping",method="GET"} 1`)
	assert.Contains(t, body, "http_request_duration_seconds_count")
}

func TestGauges(t *testing.T) {
	SetSymbolsTracked(7)
	SetActivePollingJobs(2)
	SetAppVersion("9.9.9")

	body := scrape(t)
	assert.Contains(t, body, "symbols_tracked 7")
	assert.Contains(t, body, "polling_jobs_active 2")
	assert.Contains(t, body, `app_version{version="9.9.9"} 1`)
}

func TestRecordDataPoint(t *testing.T) {
	RecordDataPoint()

	body := scrape(t)
	assert.Contains(t, body, "market_data_points_total 1")
}
