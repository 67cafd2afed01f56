package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"market_data_service/middleware"
	"market_data_service/models"
	"market_data_service/services"
)

const (
	demoKey     = "Bearer demo-api-key-123"
	adminKey    = "Bearer admin-api-key-456"
	readonlyKey = "Bearer readonly-api-key-789"
)

type testEnv struct {
	router     *gin.Engine
	marketData *services.MarketDataService
	polling    *services.PollingService
	stream     *services.StreamService
}

// newTestEnv wires the full route table against an in-memory database. Redis,
// Kafka and the audit sink stay nil; the handlers treat them as unavailable.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrateMarketDataModels(db))

	marketData := services.NewMarketDataService(db)
	stream := services.NewStreamService()
	t.Cleanup(stream.Shutdown)
	polling := services.NewPollingService(services.NewSimulatedQuoteProvider(), "alpha_vantage", nil, nil, stream)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		polling.Stop(ctx)
	})

	router := gin.New()
	SetupRoutes(router, Dependencies{
		DB:         db,
		MarketData: marketData,
		Polling:    polling,
		Stream:     stream,
		Auth:       middleware.NewAPIKeyAuth(middleware.DefaultAPIKeys(), nil),
		KafkaTopic: "market_data",
		MAWindow:   5,
	})
	return &testEnv{router: router, marketData: marketData, polling: polling, stream: stream}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, symbol string, price float64, ts time.Time) {
	t.Helper()
	require.NoError(t, e.marketData.Create(&models.MarketData{
		Symbol:    symbol,
		Price:     price,
		Volume:    1000,
		Source:    "manual",
		Timestamp: ts,
	}))
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Detail
}

func TestListPricesEmptyArray(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/", demoKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestPricesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Authentication required", detail(t, w))
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	w = env.do(t, http.MethodGet, "/api/v1/prices/", "Bearer wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", detail(t, w))
}

func TestCreatePriceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/prices/", demoKey, map[string]interface{}{
		"symbol": "AAPL",
		"price":  150.25,
		"volume": 1000,
		"source": "manual",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.MarketData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, uint(1), created.ID)
	assert.Equal(t, "AAPL", created.Symbol)
	assert.Equal(t, 150.25, created.Price)
	assert.Equal(t, int64(1000), created.Volume)
	assert.False(t, created.Timestamp.IsZero())

	w = env.do(t, http.MethodGet, "/api/v1/prices/1", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched models.MarketData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)

	w = env.do(t, http.MethodGet, "/api/v1/prices/", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.MarketData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreatePriceValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   map[string]interface{}
		detail string
	}{
		{
			name:   "empty symbol",
			body:   map[string]interface{}{"symbol": "", "price": 1.0, "volume": 1, "source": "manual"},
			detail: "symbol must not be empty",
		},
		{
			name:   "missing price",
			body:   map[string]interface{}{"symbol": "AAPL", "volume": 1, "source": "manual"},
			detail: "price is required",
		},
		{
			name:   "negative price",
			body:   map[string]interface{}{"symbol": "AAPL", "price": -0.01, "volume": 1, "source": "manual"},
			detail: "price must be greater than or equal to 0",
		},
		{
			name:   "missing volume",
			body:   map[string]interface{}{"symbol": "AAPL", "price": 1.0, "source": "manual"},
			detail: "volume is required",
		},
		{
			name:   "zero volume",
			body:   map[string]interface{}{"symbol": "AAPL", "price": 1.0, "volume": 0, "source": "manual"},
			detail: "volume must be greater than 0",
		},
		{
			name:   "missing source",
			body:   map[string]interface{}{"symbol": "AAPL", "price": 1.0, "volume": 1},
			detail: "source is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/prices/", demoKey, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, tt.detail, detail(t, w))
		})
	}
}

func TestListPricesQueryValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		query  string
		detail string
	}{
		{"negative skip", "?skip=-1", "skip must be a non-negative integer"},
		{"non-numeric skip", "?skip=abc", "skip must be a non-negative integer"},
		{"zero limit", "?limit=0", "limit must be between 1 and 100"},
		{"oversized limit", "?limit=101", "limit must be between 1 and 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/prices/"+tt.query, demoKey, nil)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, tt.detail, detail(t, w))
		})
	}
}

func TestWritePermissions(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/prices/", readonlyKey, map[string]interface{}{
		"symbol": "AAPL", "price": 1.0, "volume": 1, "source": "manual",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient permissions. Required: write", detail(t, w))

	w = env.do(t, http.MethodDelete, "/api/v1/prices/1", demoKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient permissions. Required: delete", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/", readonlyKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetLatestPrice(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.seed(t, "AAPL", 100, base)
	env.seed(t, "AAPL", 105.5, base.Add(time.Minute))

	w := env.do(t, http.MethodGet, "/api/v1/prices/latest", demoKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "symbol query parameter is required", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/latest?symbol=TSLA", demoKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No data found for symbol TSLA", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/latest?symbol=AAPL", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
		Source string  `json:"source"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body.Symbol)
	assert.Equal(t, 105.5, body.Price)
	assert.Equal(t, "manual", body.Source)
}

func TestSymbolsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/symbols", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Symbols []string `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotNil(t, body.Symbols)
	assert.Empty(t, body.Symbols)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.seed(t, "AAPL", 100, base)
	env.seed(t, "MSFT", 200, base.Add(time.Minute))

	w = env.do(t, http.MethodGet, "/api/v1/prices/symbols", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, body.Symbols)
}

func TestMovingAverageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		env.seed(t, "AAPL", float64(100+i), base.Add(time.Duration(i)*time.Minute))
	}

	w := env.do(t, http.MethodGet, "/api/v1/prices/AAPL/moving-average?window=3", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Symbol        string  `json:"symbol"`
		MovingAverage float64 `json:"moving_average"`
		WindowSize    int     `json:"window_size"`
		Timestamp     string  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body.Symbol)
	assert.InDelta(t, 103.0, body.MovingAverage, 1e-9)
	assert.Equal(t, 3, body.WindowSize)
	assert.NotEmpty(t, body.Timestamp)

	// Default window comes from configuration
	w = env.do(t, http.MethodGet, "/api/v1/prices/AAPL/moving-average", demoKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 5, body.WindowSize)
	assert.InDelta(t, 102.0, body.MovingAverage, 1e-9)

	w = env.do(t, http.MethodGet, "/api/v1/prices/AAPL/moving-average?window=6", demoKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No data found for symbol AAPL", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/AAPL/moving-average?window=abc", demoKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "window must be a positive integer", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/AAPL/moving-average?window=0", demoKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUpdatePriceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "AAPL", 100, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	w := env.do(t, http.MethodPut, "/api/v1/prices/1", demoKey, map[string]interface{}{"price": 111.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.MarketData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, 111.5, updated.Price)
	assert.Equal(t, "AAPL", updated.Symbol)

	w = env.do(t, http.MethodPut, "/api/v1/prices/999", demoKey, map[string]interface{}{"price": 1.0})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Market data with id 999 not found", detail(t, w))

	w = env.do(t, http.MethodPut, "/api/v1/prices/abc", demoKey, map[string]interface{}{"price": 1.0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "Invalid market data id", detail(t, w))
}

func TestDeletePriceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "AAPL", 100, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	w := env.do(t, http.MethodDelete, "/api/v1/prices/1", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Market data deleted successfully", body.Message)

	w = env.do(t, http.MethodGet, "/api/v1/prices/1", demoKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Market data with id 1 not found", detail(t, w))

	w = env.do(t, http.MethodDelete, "/api/v1/prices/1", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// The route table shares one parameter position between numeric ids and
// symbols; a plain GET on a symbol behaves like a bad id.
func TestGetPriceNonNumericID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/AAPL", demoKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "Invalid market data id", detail(t, w))
}

func TestStatisticsWithoutCache(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/AAPL/statistics", demoKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No data found for symbol AAPL", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/AAPL/statistics?window=abc", demoKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "window must be a positive integer", detail(t, w))
}

func TestPollingJobAPI(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/prices/poll", adminKey, map[string]interface{}{
		"symbols":  []string{"AAPL"},
		"interval": 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		JobID   string                 `json:"job_id"`
		Status  string                 `json:"status"`
		Message string                 `json:"message"`
		Config  services.PollingConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "poll_1", created.JobID)
	assert.Equal(t, "created", created.Status)
	assert.Equal(t, "Polling job started successfully", created.Message)
	assert.Equal(t, []string{"AAPL"}, created.Config.Symbols)
	assert.Equal(t, 3600, created.Config.Interval)

	w = env.do(t, http.MethodGet, "/api/v1/prices/poll", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []services.JobSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "poll_1", jobs[0].JobID)

	w = env.do(t, http.MethodGet, "/api/v1/prices/poll/poll_1", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap services.JobSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "poll_1", snap.JobID)

	w = env.do(t, http.MethodGet, "/api/v1/prices/poll/poll_42", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", detail(t, w))

	w = env.do(t, http.MethodDelete, "/api/v1/prices/poll/poll_1", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deleted struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deleted))
	assert.Equal(t, "Job deleted successfully", deleted.Message)

	w = env.do(t, http.MethodDelete, "/api/v1/prices/poll/poll_1", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPollingJobValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/prices/poll", adminKey, map[string]interface{}{"interval": 60})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "symbols is required", detail(t, w))

	w = env.do(t, http.MethodPost, "/api/v1/prices/poll", adminKey, map[string]interface{}{"symbols": []string{"AAPL"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "interval is required", detail(t, w))
}

func TestPollingJobsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/prices/poll", demoKey, map[string]interface{}{
		"symbols": []string{"AAPL"}, "interval": 60,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient permissions. Required: admin", detail(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/prices/poll", readonlyKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDeleteAllPollingJobs(t *testing.T) {
	env := newTestEnv(t)

	for _, symbol := range []string{"AAPL", "MSFT"} {
		w := env.do(t, http.MethodPost, "/api/v1/prices/poll", adminKey, map[string]interface{}{
			"symbols": []string{symbol}, "interval": 3600,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/prices/delete-all-polling-jobs", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "All jobs deleted successfully", body.Message)

	w = env.do(t, http.MethodGet, "/api/v1/prices/poll", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestServiceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Welcome to the Market Data Service API")

	w = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = env.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocketRouteStreamsPrices(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/prices"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && env.stream.GetClientCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, env.stream.GetClientCount())

	env.stream.BroadcastPrice("AAPL", 101.5, time.Now().UTC())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"symbol":"AAPL"`)
}
