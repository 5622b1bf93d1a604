package events

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"ratelock/internal/config"
	"ratelock/internal/storage"
)

// TypeConversionAudited is the event type emitted once an audit record is committed.
const TypeConversionAudited = "conversion.audited"

// ConversionAudited 是审计落库后对外广播的事件。
type ConversionAudited struct {
	Type                string                    `json:"type"`
	TransactionID       string                    `json:"transaction_id"`
	FromCurrency        string                    `json:"from_currency"`
	ToCurrency          string                    `json:"to_currency"`
	OriginalAmount      string                    `json:"original_amount"`
	ConvertedAmount     string                    `json:"converted_amount"`
	RateSnapshotID      string                    `json:"rate_snapshot_id"`
	CalculationMethod   storage.CalculationMethod `json:"calculation_method"`
	ConversionTimestamp time.Time                 `json:"conversion_timestamp"`
}

// NewConversionAudited builds the event payload from a committed record.
func NewConversionAudited(rec storage.AuditRecord) ConversionAudited {
	return ConversionAudited{
		Type:                TypeConversionAudited,
		TransactionID:       rec.TransactionID,
		FromCurrency:        rec.FromCurrency,
		ToCurrency:          rec.ToCurrency,
		OriginalAmount:      rec.OriginalAmount.String(),
		ConvertedAmount:     rec.ConvertedAmount.String(),
		RateSnapshotID:      rec.RateSnapshotID,
		CalculationMethod:   rec.CalculationMethod,
		ConversionTimestamp: rec.ConversionTimestamp,
	}
}

// Publisher emits conversion events. Delivery is best effort.
type Publisher interface {
	PublishConversion(ctx context.Context, rec storage.AuditRecord) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by transaction id.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaPublisher builds a publisher from the events section.
func NewKafkaPublisher(cfg config.EventsConfig) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: timeout,
			RequiredAcks: kafka.RequireOne,
		},
		timeout: timeout,
	}
}

func (k *KafkaPublisher) PublishConversion(ctx context.Context, rec storage.AuditRecord) error {
	msg, err := json.Marshal(NewConversionAudited(rec))
	if err != nil {
		return fmt.Errorf("marshal conversion event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.TransactionID),
		Value: msg,
		Time:  rec.ConversionTimestamp,
	}); err != nil {
		return fmt.Errorf("publish conversion event %s: %w", rec.TransactionID, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishConversion(context.Context, storage.AuditRecord) error { return nil }
func (Noop) Close() error                                                 { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Noop{}
)
