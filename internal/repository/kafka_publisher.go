package repository

import (
	"context"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	pkgkafka "CandlePull/pkg/kafka"
)

// MessagePublisher is the subset of pkg/kafka.Producer used by the sinks.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error
}

// Header keys set on candle-ready records.
const (
	HeaderEvent     = "event"
	HeaderTimeframe = "timeframe"
	HeaderOpenTime  = "open_time"
)

// KafkaEventSink delivers candle-ready events to a Kafka topic keyed by
// pair@timeframe so one stream stays on one partition.
type KafkaEventSink struct {
	pub   MessagePublisher
	topic string
}

var _ domrepo.EventSink = (*KafkaEventSink)(nil)

func NewKafkaEventSink(pub MessagePublisher, topic string) *KafkaEventSink {
	return &KafkaEventSink{pub: pub, topic: topic}
}

func (s *KafkaEventSink) Name() string { return "kafka" }

func (s *KafkaEventSink) Deliver(ctx context.Context, ev models.CandleReadyEvent) error {
	return s.pub.Publish(ctx, s.topic, []byte(ev.Key().String()), ev,
		pkgkafka.Header{Key: HeaderEvent, Value: []byte("candle.ready")},
		pkgkafka.Header{Key: HeaderTimeframe, Value: []byte(ev.Timeframe)},
		pkgkafka.Header{Key: HeaderOpenTime, Value: []byte(ev.OpenTime.UTC().Format(time.RFC3339))},
	)
}

// KafkaLogPublisher ships aggregated log entries for logger.LogCollector.
type KafkaLogPublisher struct {
	pub MessagePublisher
}

func NewKafkaLogPublisher(pub MessagePublisher) *KafkaLogPublisher {
	return &KafkaLogPublisher{pub: pub}
}

func (p *KafkaLogPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.pub.Publish(ctx, topic, []byte("logs"), payload,
		pkgkafka.Header{Key: HeaderEvent, Value: []byte("ops.logs")})
}
