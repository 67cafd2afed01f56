package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRateLimitTestRouter(limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return router
}

// Without a reachable Redis the limiter must fail open and admit traffic.
func TestRateLimiterFailsOpenWithoutRedis(t *testing.T) {
	limiter := NewRateLimiter("127.0.0.1:1", "", 0, 2, 60, nil)
	router := newRateLimitTestRouter(limiter)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/data", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimiterSkipsExemptPaths(t *testing.T) {
	limiter := NewRateLimiter("127.0.0.1:1", "", 0, 0, 60, nil)
	router := newRateLimitTestRouter(limiter)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
