package storage

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// snapshotRecord is the persisted shape of a RateSnapshot: rates as decimal
// strings and ttl as epoch seconds.
type snapshotRecord struct {
	SnapshotID   string            `json:"snapshot_id"`
	BaseCurrency string            `json:"base_currency"`
	Provider     string            `json:"provider,omitempty"`
	ProviderDate string            `json:"provider_date,omitempty"`
	CapturedAt   time.Time         `json:"captured_at"`
	Rates        map[string]string `json:"rates"`
	TTL          int64             `json:"ttl"`
}

func encodeRates(rates map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(rates))
	for code, rate := range rates {
		out[code] = rate.String()
	}
	return out
}

func decodeRates(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for code, value := range raw {
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("parse rate %s: %w", code, err)
		}
		out[code] = rate
	}
	return out, nil
}

func marshalSnapshot(s RateSnapshot) ([]byte, error) {
	rec := snapshotRecord{
		SnapshotID:   s.SnapshotID,
		BaseCurrency: s.BaseCurrency,
		Provider:     s.Provider,
		ProviderDate: s.ProviderDate,
		CapturedAt:   s.CapturedAt.UTC(),
		Rates:        encodeRates(s.Rates),
		TTL:          s.ExpiresAt.Unix(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot %s: %w", s.SnapshotID, err)
	}
	return body, nil
}

func unmarshalSnapshot(body []byte) (RateSnapshot, error) {
	var rec snapshotRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return RateSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	rates, err := decodeRates(rec.Rates)
	if err != nil {
		return RateSnapshot{}, fmt.Errorf("snapshot %s: %w", rec.SnapshotID, err)
	}
	return RateSnapshot{
		SnapshotID:   rec.SnapshotID,
		BaseCurrency: rec.BaseCurrency,
		Provider:     rec.Provider,
		ProviderDate: rec.ProviderDate,
		CapturedAt:   rec.CapturedAt.UTC(),
		ExpiresAt:    time.Unix(rec.TTL, 0).UTC(),
		Rates:        rates,
	}, nil
}

func marshalAudit(rec AuditRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal audit %s: %w", rec.TransactionID, err)
	}
	return body, nil
}

func unmarshalAudit(body []byte) (AuditRecord, error) {
	var rec AuditRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return AuditRecord{}, fmt.Errorf("unmarshal audit: %w", err)
	}
	return rec, nil
}
