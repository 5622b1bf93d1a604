package events

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelock/internal/storage"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	deadline bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func sampleRecord() storage.AuditRecord {
	return storage.AuditRecord{
		TransactionID:       "audit-1759800600-a1b2c3d4e5f6",
		FromCurrency:        "USD",
		ToCurrency:          "GBP",
		OriginalAmount:      decimal.NewFromInt(50),
		ConvertedAmount:     decimal.RequireFromString("36.86"),
		RateSnapshotID:      "20251007-013000UTC",
		CalculationMethod:   storage.MethodTriangulated,
		ConversionTimestamp: time.Date(2025, 10, 7, 1, 30, 12, 0, time.UTC),
	}
}

func TestKafkaPublisherWritesKeyedEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}

	require.NoError(t, p.PublishConversion(context.Background(), sampleRecord()))
	require.Len(t, w.messages, 1)
	assert.True(t, w.deadline, "写入应带超时")

	msg := w.messages[0]
	assert.Equal(t, "audit-1759800600-a1b2c3d4e5f6", string(msg.Key))

	var evt ConversionAudited
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, TypeConversionAudited, evt.Type)
	assert.Equal(t, "36.86", evt.ConvertedAmount)
	assert.Equal(t, storage.MethodTriangulated, evt.CalculationMethod)
}

func TestKafkaPublisherWrapsErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, timeout: time.Second}
	err := p.PublishConversion(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, boom)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishConversion(context.Background(), sampleRecord()))
	assert.NoError(t, p.Close())
}
