// Package events publishes completed scans to an external event stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/scans"
)

// TypeScanCompleted is the only event type emitted today.
const TypeScanCompleted = "scan.completed"

// ScanEvent is the JSON value written for every recorded scan.
type ScanEvent struct {
	Type       string       `json:"type"`
	Scan       scans.Record `json:"scan"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// Publisher sends scan events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, rec *scans.Record) error
	Close()
}

// NoopPublisher drops every event. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *scans.Record) error { return nil }
func (NoopPublisher) Close()                                       {}

// producer is the subset of *kgo.Client the publisher needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// KafkaPublisher writes ScanEvents to a Kafka topic keyed by scan ID, so
// every event for one scan lands on the same partition.
type KafkaPublisher struct {
	client producer
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher connects a franz-go client to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("urlsentry"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newKafkaPublisher(cl, topic), nil
}

func newKafkaPublisher(p producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: p, topic: topic, now: time.Now}
}

// Publish produces one event and waits for the broker ack.
func (k *KafkaPublisher) Publish(ctx context.Context, rec *scans.Record) error {
	data, err := json.Marshal(ScanEvent{Type: TypeScanCompleted, Scan: *rec, OccurredAt: k.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal scan event: %w", err)
	}

	record := &kgo.Record{
		Topic:     k.topic,
		Key:       []byte(rec.ScanID),
		Value:     data,
		Timestamp: k.now(),
		Headers:   []kgo.RecordHeader{{Key: "type", Value: []byte(TypeScanCompleted)}},
	}

	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("kafka publish: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

// PingContext checks broker reachability.
func (k *KafkaPublisher) PingContext(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// Close flushes nothing and releases the client; Publish is synchronous.
func (k *KafkaPublisher) Close() {
	k.client.Close()
}
