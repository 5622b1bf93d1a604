package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// State is a step of the fetch retry state machine.
//
//	Fetching -> Succeeded
//	Fetching -> Retrying -> Fetching ...
//	Fetching -> Failed (attempts exhausted, permanent error or ctx done)
type State int

const (
	StateFetching State = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Quote is a validated set of pivot-relative rates returned by a provider.
type Quote struct {
	Provider string
	Base     string
	Date     string
	Rates    map[string]decimal.Decimal
	Attempts int
}

// RateFetcher retrieves pivot-relative rates for the requested codes.
type RateFetcher interface {
	FetchRates(ctx context.Context, pivot string, codes []string) (Quote, error)
}

// Transition records one state change; used for logging and metrics.
type Transition struct {
	Attempt int
	State   State
	Delay   time.Duration
	Err     error
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
