package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string

	// Database
	DBDriver   string
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string
	CacheTTL      int

	// Kafka
	KafkaBootstrapServers string
	KafkaTopic            string
	KafkaConsumerGroup    string
	KafkaConsumerEnabled  bool

	// MongoDB audit sink
	MongoDBURI string

	// Polling
	DefaultProvider     string
	DefaultPollInterval int

	// Moving average
	MovingAverageWindow int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   int

	// Retention
	RawDataRetentionDays int

	// CORS
	CORSOrigins string
}

var AppConfig *Config
var DB *gorm.DB

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", "market_data.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "market_data"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CacheTTL:      getEnvInt("CACHE_TTL", 300),

		KafkaBootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "market_data"),
		KafkaConsumerGroup:    getEnv("KAFKA_CONSUMER_GROUP", "market_data_group"),
		KafkaConsumerEnabled:  getEnvBool("KAFKA_CONSUMER_ENABLED", false),

		MongoDBURI: getEnv("MONGODB_URI", ""),

		DefaultProvider:     getEnv("DEFAULT_PROVIDER", "alpha_vantage"),
		DefaultPollInterval: getEnvInt("DEFAULT_POLL_INTERVAL", 60),

		MovingAverageWindow: getEnvInt("MOVING_AVERAGE_WINDOW", 5),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvInt("RATE_LIMIT_WINDOW", 60),

		RawDataRetentionDays: getEnvInt("RAW_DATA_RETENTION_DAYS", 30),

		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
	}

	AppConfig = config
	return config, nil
}

// RedisAddr returns the host:port address for the Redis server.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// KafkaBrokers returns the bootstrap servers as a slice.
func (c *Config) KafkaBrokers() []string {
	parts := strings.Split(c.KafkaBootstrapServers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// CORSOriginList returns the configured CORS origins as a slice.
func (c *Config) CORSOriginList() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// InitDB initializes the database connection for the configured driver
func InitDB() (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if AppConfig.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var db *gorm.DB
	var err error

	switch AppConfig.DBDriver {
	case "postgres":
		log.Info().
			Str("host", maskHost(AppConfig.DBHost)).
			Str("port", AppConfig.DBPort).
			Str("dbname", AppConfig.DBName).
			Msg("Connecting to PostgreSQL")

		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			AppConfig.DBHost,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBPort,
			AppConfig.DBSSLMode,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		log.Info().Str("path", AppConfig.DBPath).Msg("Connecting to SQLite")
		db, err = gorm.Open(sqlite.Open(AppConfig.DBPath), gormConfig)
	}

	if err != nil {
		log.Error().Err(err).Msg("Database connection error")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Msg("Database connection verified successfully")
	DB = db
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
