package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"market_data_service/controllers"
	"market_data_service/metrics"
	"market_data_service/middleware"
	"market_data_service/services"
)

// Dependencies carries the constructed services the route table wires into
// controllers.
type Dependencies struct {
	DB         *gorm.DB
	MarketData *services.MarketDataService
	Polling    *services.PollingService
	Redis      *services.RedisService
	Kafka      *services.KafkaService
	Stream     *services.StreamService
	Audit      *services.AuditService
	Auth       *middleware.APIKeyAuth
	KafkaTopic string
	MAWindow   int
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	// Initialize controllers
	priceController := controllers.NewPriceController(
		deps.MarketData, deps.Redis, deps.Kafka, deps.Stream, deps.Audit,
		deps.KafkaTopic, deps.MAWindow)
	pollingController := controllers.NewPollingController(deps.Polling, deps.Audit)

	read := deps.Auth.RequirePermission("read")
	write := deps.Auth.RequirePermission("write")
	remove := deps.Auth.RequirePermission("delete")
	admin := deps.Auth.RequirePermission("admin")

	// API v1 group
	api := router.Group("/api/v1")
	{
		prices := api.Group("/prices")
		prices.Use(deps.Auth.Authenticate())
		{
			prices.GET("/", read, priceController.ListPrices)
			prices.POST("/", write, priceController.CreatePrice)

			// Polling job routes, registered before the parameterized routes
			prices.POST("/poll", admin, pollingController.CreatePollingJob)
			prices.GET("/poll", admin, pollingController.ListPollingJobs)
			prices.GET("/poll/:job_id", admin, pollingController.GetPollingJob)
			prices.DELETE("/poll/:job_id", admin, pollingController.DeletePollingJob)
			prices.POST("/delete-all-polling-jobs", admin, pollingController.DeleteAllPollingJobs)

			prices.GET("/latest", read, priceController.GetLatestPrice)
			prices.GET("/symbols", read, priceController.GetSymbols)

			// :symbol doubles as the numeric id on the bare routes
			prices.GET("/:symbol", read, priceController.GetPrice)
			prices.PUT("/:symbol", write, priceController.UpdatePrice)
			prices.DELETE("/:symbol", remove, priceController.DeletePrice)
			prices.GET("/:symbol/moving-average", read, priceController.GetMovingAverage)
			prices.GET("/:symbol/statistics", read, priceController.GetPriceStatistics)
		}
	}

	// WebSocket price stream
	router.GET("/ws/prices", func(c *gin.Context) {
		deps.Stream.HandleWebSocket(c.Writer, c.Request)
	})

	// Service endpoints
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to the Market Data Service API"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Service not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}
