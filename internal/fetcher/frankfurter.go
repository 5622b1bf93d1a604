package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ratelock/internal/apperrors"
)

const (
	latestPath      = "/latest"
	defaultBaseURL  = "https://api.frankfurter.app"
	providerName    = "frankfurter"
	maxBodyBytes    = 1 << 20
	defaultAttempts = 3
)

var codePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// errMalformed marks a response that will not improve on retry.
var errMalformed = errors.New("malformed provider payload")

// Options parameterise the Frankfurter-compatible fetcher.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	UserAgent   string
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnTransition is called for every state change.
	OnTransition func(Transition)
}

// Frankfurter fetches rates from a Frankfurter-compatible /latest endpoint.
type Frankfurter struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFrankfurter constructs the provider client.
func NewFrankfurter(opts Options, logger zerolog.Logger) *Frankfurter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Frankfurter{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

var _ RateFetcher = (*Frankfurter)(nil)

// FetchRates runs the retry state machine around a single GET. Delays double
// from BaseDelay between attempts. A malformed payload fails immediately.
func (f *Frankfurter) FetchRates(ctx context.Context, pivot string, codes []string) (Quote, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		f.transition(Transition{Attempt: attempt, State: StateFetching})

		quote, err := f.fetchOnce(ctx, pivot, codes)
		if err == nil {
			quote.Attempts = attempt
			f.transition(Transition{Attempt: attempt, State: StateSucceeded})
			return quote, nil
		}
		lastErr = err

		if errors.Is(err, errMalformed) || ctx.Err() != nil || attempt == f.opts.MaxAttempts {
			break
		}

		delay := f.opts.BaseDelay << (attempt - 1)
		f.transition(Transition{Attempt: attempt, State: StateRetrying, Delay: delay, Err: err})
		if sleepErr := f.opts.Sleep(ctx, delay); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	f.transition(Transition{State: StateFailed, Err: lastErr})
	return Quote{}, apperrors.Wrap(apperrors.KindProviderUnavailable, lastErr, "rate provider unavailable")
}

func (f *Frankfurter) transition(t Transition) {
	event := f.logger.Debug()
	if t.State == StateRetrying || t.State == StateFailed {
		event = f.logger.Warn().Err(t.Err)
	}
	event.Int("attempt", t.Attempt).Str("state", t.State.String()).Dur("delay", t.Delay).Msg("provider fetch")
	if f.opts.OnTransition != nil {
		f.opts.OnTransition(t)
	}
}

func (f *Frankfurter) fetchOnce(ctx context.Context, pivot string, codes []string) (Quote, error) {
	targets := make([]string, 0, len(codes))
	for _, code := range codes {
		if code != pivot {
			targets = append(targets, code)
		}
	}

	query := url.Values{}
	query.Set("from", pivot)
	if len(targets) > 0 {
		query.Set("to", strings.Join(targets, ","))
	}
	endpoint := f.baseURL + latestPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratelock/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Quote{}, parseHTTPError(resp.StatusCode, payload)
	}

	return parseLatest(payload, pivot, codes)
}

type latestEnvelope struct {
	Base  string                     `json:"base"`
	Date  string                     `json:"date"`
	Rates map[string]json.RawMessage `json:"rates"`
}

// parseLatest accepts the Frankfurter envelope or a flat {code: rate} object.
// Only requested codes are kept and the pivot is pinned at 1.
func parseLatest(payload []byte, pivot string, codes []string) (Quote, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	quote := Quote{Provider: providerName, Base: pivot}
	raw := top
	if _, ok := top["rates"]; ok {
		var env latestEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Quote{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if env.Base != "" && !strings.EqualFold(env.Base, pivot) {
			return Quote{}, fmt.Errorf("%w: base %s, expected %s", errMalformed, env.Base, pivot)
		}
		quote.Date = env.Date
		raw = env.Rates
	}
	if len(raw) == 0 {
		return Quote{}, fmt.Errorf("%w: empty rates", errMalformed)
	}

	wanted := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		wanted[code] = struct{}{}
	}

	rates := make(map[string]decimal.Decimal, len(codes))
	for code, value := range raw {
		code = strings.ToUpper(strings.TrimSpace(code))
		if !codePattern.MatchString(code) {
			return Quote{}, fmt.Errorf("%w: currency code %q", errMalformed, code)
		}
		rate, err := decimal.NewFromString(strings.Trim(string(value), `"`))
		if err != nil {
			return Quote{}, fmt.Errorf("%w: rate %s: %v", errMalformed, code, err)
		}
		if !rate.IsPositive() {
			return Quote{}, fmt.Errorf("%w: rate %s must be positive, got %s", errMalformed, code, rate)
		}
		if _, ok := wanted[code]; ok || len(wanted) == 0 {
			rates[code] = rate
		}
	}
	rates[pivot] = decimal.NewFromInt(1)
	if len(rates) < 2 {
		return Quote{}, fmt.Errorf("%w: no requested currency in response", errMalformed)
	}

	quote.Rates = rates
	return quote, nil
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("provider error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("provider error (%d)", status)
}
