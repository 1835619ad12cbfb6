package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"gacha-exchange/internal/observability"
)

// Default configuration values.
const (
	DefaultGateway    = "https://gateway.pinata.cloud/ipfs/"
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 250 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	DefaultRateLimit  = 10 // requests per second

	maxDescriptorBytes = 1 << 20
)

// ErrFetch is returned when a descriptor could not be retrieved.
var ErrFetch = errors.New("fetch descriptor")

// Fetcher retrieves raw descriptor JSON by content identifier.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// GatewayFetcher implements Fetcher over an HTTP IPFS gateway.
type GatewayFetcher struct {
	gateway    string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	retryDelay time.Duration
	maxDelay   time.Duration
}

// FetcherOption configures GatewayFetcher.
type FetcherOption func(*GatewayFetcher)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *GatewayFetcher) {
		f.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) FetcherOption {
	return func(f *GatewayFetcher) {
		if n < 0 {
			n = 0
		}
		f.maxRetries = uint64(n)
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) FetcherOption {
	return func(f *GatewayFetcher) {
		f.retryDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *GatewayFetcher) {
		f.client = client
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) FetcherOption {
	return func(f *GatewayFetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewGatewayFetcher creates a fetcher for gateway (e.g. https://gateway.pinata.cloud/ipfs/).
func NewGatewayFetcher(gateway string, opts ...FetcherOption) *GatewayFetcher {
	if gateway == "" {
		gateway = DefaultGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	f := &GatewayFetcher{
		gateway:    gateway,
		client:     &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Gateway returns the gateway base URL, with trailing slash.
func (f *GatewayFetcher) Gateway() string {
	return f.gateway
}

// Fetch performs GET <gateway><cid>, retrying transport errors, 429 and 5xx
// with exponential backoff.
func (f *GatewayFetcher) Fetch(ctx context.Context, cid string) ([]byte, error) {
	backoff := retry.NewExponential(f.retryDelay)
	backoff = retry.WithCappedDuration(f.maxDelay, backoff)
	backoff = retry.WithMaxRetries(f.maxRetries, backoff)

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := f.fetchOnce(ctx, cid)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w %s: %w", ErrFetch, cid, err)
	}
	return body, nil
}

func (f *GatewayFetcher) fetchOnce(ctx context.Context, cid string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.gateway+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	observability.RecordMetadataFetch(time.Since(start).Seconds())
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBytes))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.RetryableError(fmt.Errorf("rate limited (429)"))
	case resp.StatusCode >= 500:
		return nil, retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
