package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"market_data_service/logging"
)

// PriceEventsTopic carries per-poll price ticks keyed by symbol.
const PriceEventsTopic = "price-events"

// PriceEvent is the payload published for every polled price.
type PriceEvent struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// KafkaService publishes market data events and optionally consumes them.
// Like the cache, it fails open: a missing broker downgrades publishing to a
// warning instead of failing the caller.
type KafkaService struct {
	mu      sync.Mutex
	writer  *kafka.Writer
	reader  *kafka.Reader
	brokers []string
	topic   string
	groupID string
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewKafkaService creates a Kafka service for the given brokers. topic and
// groupID configure the optional consumer loop.
func NewKafkaService(brokers []string, topic, groupID string) *KafkaService {
	return &KafkaService{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		log:     logging.Component("kafka"),
	}
}

func (s *KafkaService) getWriter() *kafka.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		s.writer = &kafka.Writer{
			Addr:                   kafka.TCP(s.brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
	}
	return s.writer
}

// Publish sends a JSON-encoded message to the given topic.
func (s *KafkaService) Publish(ctx context.Context, topic, key string, value interface{}) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = s.getWriter().WriteMessages(writeCtx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("Kafka publish failed")
		return false
	}
	return true
}

// PublishPriceEvent publishes a price tick keyed by symbol so partitions
// preserve per-symbol ordering.
func (s *KafkaService) PublishPriceEvent(ctx context.Context, symbol string, price float64) bool {
	return s.Publish(ctx, PriceEventsTopic, symbol, PriceEvent{Symbol: symbol, Price: price})
}

// StartConsumer launches the market data consumer loop. Messages are handed
// to handler; a nil handler logs them at debug level. The loop exits when ctx
// is cancelled.
func (s *KafkaService) StartConsumer(ctx context.Context, handler func(key, value []byte)) {
	s.mu.Lock()
	if s.reader == nil {
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  s.brokers,
			GroupID:  s.groupID,
			Topic:    s.topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	reader := s.reader
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("topic", s.topic).Str("group", s.groupID).Msg("Kafka consumer started")
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				// io.EOF means the reader was closed
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				s.log.Warn().Err(err).Msg("Kafka consume failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			if handler != nil {
				handler(msg.Key, msg.Value)
			} else {
				s.log.Debug().Str("key", string(msg.Key)).Int("bytes", len(msg.Value)).Msg("Consumed message")
			}
		}
	}()
}

// Close flushes the writer, stops the consumer and waits for it to exit.
func (s *KafkaService) Close() error {
	s.mu.Lock()
	writer, reader := s.writer, s.reader
	s.writer, s.reader = nil, nil
	s.mu.Unlock()

	var firstErr error
	if reader != nil {
		if err := reader.Close(); err != nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
