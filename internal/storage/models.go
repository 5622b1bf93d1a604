package storage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RateSnapshot is an immutable set of pivot-relative rates captured by one sync run.
type RateSnapshot struct {
	SnapshotID   string
	BaseCurrency string
	Provider     string
	ProviderDate string
	CapturedAt   time.Time
	ExpiresAt    time.Time
	Rates        map[string]decimal.Decimal
}

// Rate returns the pivot-relative rate for code.
func (s RateSnapshot) Rate(code string) (decimal.Decimal, bool) {
	rate, ok := s.Rates[code]
	return rate, ok
}

// Expired reports whether the snapshot is past its expiry at now.
func (s RateSnapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Currencies lists the snapshot's currency codes in lexical order.
func (s RateSnapshot) Currencies() []string {
	codes := make([]string, 0, len(s.Rates))
	for code := range s.Rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CalculationMethod 标记一次换算使用的计算路径。
type CalculationMethod string

const (
	MethodIdentity     CalculationMethod = "identity"
	MethodDirectPivot  CalculationMethod = "direct_pivot"
	MethodTriangulated CalculationMethod = "triangulated"
)

// AuditRecord is the append-only trail of one conversion. Its JSON form is the
// audit store record shape and the body of GET /v1/audit/{id}.
type AuditRecord struct {
	TransactionID       string                     `json:"transaction_id"`
	FromCurrency        string                     `json:"from_currency"`
	ToCurrency          string                     `json:"to_currency"`
	OriginalAmount      decimal.Decimal            `json:"original_amount"`
	ConvertedAmount     decimal.Decimal            `json:"converted_amount"`
	RateSnapshotID      string                     `json:"rate_snapshot_id"`
	CalculationMethod   CalculationMethod          `json:"calculation_method"`
	RatesUsed           map[string]decimal.Decimal `json:"rates_used"`
	ConversionTimestamp time.Time                  `json:"conversion_timestamp"`
	ServiceVersion      string                     `json:"service_version,omitempty"`
}
