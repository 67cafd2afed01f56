package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"market_data_service/logging"
)

// AuditService records security and data lifecycle events. Events always go
// to the structured log; when a MongoDB URI is configured they are also
// persisted to the audit_events collection for later review.
type AuditService struct {
	log        zerolog.Logger
	uri        string
	dbName     string
	mu         sync.Mutex
	client     *mongo.Client
	collection *mongo.Collection
	connected  bool
	lastError  error
}

// NewAuditService creates an audit service. An empty uri disables the Mongo
// sink and leaves log-only mode.
func NewAuditService(uri, dbName string) *AuditService {
	return &AuditService{
		log:    logging.Component("audit"),
		uri:    uri,
		dbName: dbName,
	}
}

// IsConfigured reports whether a MongoDB URI was provided.
func (s *AuditService) IsConfigured() bool {
	return s.uri != ""
}

// IsConnected reports whether the Mongo sink is up.
func (s *AuditService) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect establishes the MongoDB connection and creates the audit indexes.
// It is a no-op when no URI is configured.
func (s *AuditService) Connect(ctx context.Context) error {
	if !s.IsConfigured() {
		s.log.Info().Msg("MongoDB URI not configured, audit sink disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clientOptions := options.Client().
		ApplyURI(s.uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		s.lastError = err
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		s.lastError = err
		client.Disconnect(ctx)
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(s.dbName).Collection("audit_events")
	_, err = collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}}},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to create audit indexes")
	}

	s.client = client
	s.collection = collection
	s.connected = true
	s.lastError = nil
	s.log.Info().Str("database", s.dbName).Msg("MongoDB audit sink connected")
	return nil
}

// Close disconnects the Mongo sink.
func (s *AuditService) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.collection = nil
	s.connected = false
	return err
}

// record emits the event to the log and, best effort, to MongoDB.
func (s *AuditService) record(ctx context.Context, eventType string, fields map[string]interface{}) {
	event := s.log.Info().Str("event_type", eventType)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("audit")

	s.mu.Lock()
	collection := s.collection
	connected := s.connected
	s.mu.Unlock()
	if !connected || collection == nil {
		return
	}

	doc := bson.M{
		"event_type": eventType,
		"timestamp":  time.Now().UTC(),
	}
	for k, v := range fields {
		doc[k] = v
	}

	// Fire and forget: the write must not hold up the request, and it must
	// outlive the request context.
	go func() {
		insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := collection.InsertOne(insertCtx, doc); err != nil {
			s.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to persist audit event")
		}
	}()
}

// LogAPIAccess records one handled HTTP request.
func (s *AuditService) LogAPIAccess(ctx context.Context, method, path, query, clientIP, userAgent, userID string, statusCode int, durationMs float64) {
	s.record(ctx, "api_access", map[string]interface{}{
		"method":      method,
		"path":        path,
		"query":       query,
		"client_ip":   clientIP,
		"user_agent":  userAgent,
		"user_id":     userID,
		"status_code": statusCode,
		"duration_ms": durationMs,
	})
}

// LogAuthSuccess records a successful API key authentication.
func (s *AuditService) LogAuthSuccess(ctx context.Context, userID, clientIP string) {
	s.record(ctx, "auth_success", map[string]interface{}{
		"user_id":   userID,
		"client_ip": clientIP,
		"success":   true,
	})
}

// LogAuthFailure records a rejected authentication attempt.
func (s *AuditService) LogAuthFailure(ctx context.Context, reason, clientIP string) {
	s.record(ctx, "auth_failure", map[string]interface{}{
		"reason":    reason,
		"client_ip": clientIP,
		"success":   false,
	})
}

// LogDataAccess records a data read or mutation on behalf of a user.
func (s *AuditService) LogDataAccess(ctx context.Context, userID, operation, resourceType, resourceID string) {
	s.record(ctx, "data_access", map[string]interface{}{
		"user_id":       userID,
		"operation":     operation,
		"resource_type": resourceType,
		"resource_id":   resourceID,
	})
}

// LogRateLimit records a request rejected by the rate limiter.
func (s *AuditService) LogRateLimit(ctx context.Context, clientIP, userID, endpoint string) {
	s.record(ctx, "rate_limit", map[string]interface{}{
		"client_ip":      clientIP,
		"user_id":        userID,
		"endpoint":       endpoint,
		"limit_exceeded": true,
	})
}

// LogSecurityEvent records a security-relevant event such as a permission
// denial.
func (s *AuditService) LogSecurityEvent(ctx context.Context, eventType, severity string, fields map[string]interface{}) {
	merged := map[string]interface{}{"severity": severity}
	for k, v := range fields {
		merged[k] = v
	}
	s.record(ctx, "security_"+eventType, merged)
}
