// Package stream publishes fill confirmations produced by the netting
// engine, mirroring the settlement confirmation flow of the trading
// pipeline: one event per applied fill, one per failed fallback.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// FillSource labels how a fill was priced.
type FillSource string

const (
	// FillNetted is a zero-slippage internal match for the full amount.
	FillNetted FillSource = "netted"
	// FillPartialNetted is the internally matched slice of a partially
	// netted request.
	FillPartialNetted FillSource = "partial_netted"
	// FillFallback is an externally priced fill against the venue.
	FillFallback FillSource = "fallback"
)

// FillEvent is one fill confirmation (or failure notice when Error is
// set and no position change was applied).
type FillEvent struct {
	CorrelationID string     `json:"correlation_id"`
	Trader        string     `json:"trader"`
	TokenIn       string     `json:"token_in"`
	TokenOut      string     `json:"token_out"`
	AmountIn      string     `json:"amount_in"`
	AmountOut     string     `json:"amount_out,omitempty"`
	Source        FillSource `json:"source"`
	IsOpen        bool       `json:"is_open"`
	IsLong        bool       `json:"is_long"`
	Error         string     `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Publisher delivers fill events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event FillEvent) error
	Close() error
}

// KafkaPublisher writes fill events to a Kafka topic, keyed by
// correlation ID so all events of one action land in one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, logger: logger.Named("fill-stream")}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event FillEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode fill event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.CorrelationID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish fill event",
			zap.Error(err),
			zap.String("correlation_id", event.CorrelationID))
		return fmt.Errorf("failed to publish fill event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MemoryPublisher collects events in memory. Used by tests and as the
// default when no brokers are configured.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []FillEvent
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event FillEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []FillEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FillEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error { return nil }
