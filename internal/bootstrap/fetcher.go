package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrSnapshotStatus    = errors.New("persistence returned non-200 status")
	ErrMalformedSnapshot = errors.New("malformed persistence snapshot")
)

// FetcherOptions tune a Fetcher. Zero values get defaults.
type FetcherOptions struct {
	Client *http.Client
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *zap.Logger
}

// Fetcher reads snapshots from the persistence service. Failed fetches are
// never retried here; repeated failures trip a breaker so callers fail fast.
type Fetcher struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewFetcher(baseURL string, opts FetcherOptions) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("persistence")
	failures := opts.BreakerFailures
	return &Fetcher{
		baseURL: baseURL,
		client:  opts.Client,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "persistence",
			Timeout: opts.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// Fetch returns the snapshot, filtered by record type when recordType is
// not empty.
func (f *Fetcher) Fetch(ctx context.Context, recordType string) ([]Record, error) {
	ctx, span := otel.Tracer("arena-scenesync/bootstrap").Start(ctx, "bootstrap.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	u, err := f.url(recordType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("url", u))

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.get(ctx, u)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	records := out.([]Record)
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// SceneOptions returns the last scene-options record, or nil when the scene
// has none.
func (f *Fetcher) SceneOptions(ctx context.Context) (*Record, error) {
	records, err := f.Fetch(ctx, TypeSceneOptions)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	last := records[len(records)-1]
	return &last, nil
}

func (f *Fetcher) url(recordType string) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse persistence url: %w", err)
	}
	if recordType != "" {
		q := u.Query()
		q.Set("type", recordType)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (f *Fetcher) get(ctx context.Context, u string) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotStatus, resp.StatusCode)
	}
	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	f.logger.Debug("fetched snapshot", zap.String("url", u), zap.Int("records", len(records)))
	return records, nil
}
