package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"
)

// CachePurger invalidates downstream HTTP caches after top-100 rank changes.
// Purging is best-effort: failures and open-breaker rejections log a warning
// and report false, they never propagate.
type CachePurger struct {
	cfg     PurgeConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

func NewCachePurger(cfg PurgeConfig, logger log.Logger) *CachePurger {
	logger = log.With(logger, "component", "cache_purger")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cdn-purge",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "cdn purge breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &CachePurger{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Enabled reports whether a purge endpoint is configured.
func (p *CachePurger) Enabled() bool {
	return p.cfg.URL != ""
}

// Purge invalidates the given URL paths. Returns true when the provider
// accepted the request, and true for the unconfigured no-op.
func (p *CachePurger) Purge(ctx context.Context, paths []string) bool {
	if !p.Enabled() || len(paths) == 0 {
		return true
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.purgeOnce(ctx, paths)
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "cache purge failed", "paths", len(paths), "err", err)
		return false
	}
	return true
}

func (p *CachePurger) purgeOnce(ctx context.Context, paths []string) error {
	var body map[string][]string
	switch p.cfg.Provider {
	case ProviderFastly:
		body = map[string][]string{"paths": paths}
	default:
		body = map[string][]string{"files": paths}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch p.cfg.Provider {
	case ProviderFastly:
		req.Header.Set("Fastly-Key", p.cfg.Key)
	default:
		req.Header.Set("Authorization", "Bearer "+p.cfg.Key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errStatus(resp.StatusCode)
	}
	return nil
}

type errStatus int

func (e errStatus) Error() string {
	return http.StatusText(int(e)) + " from purge endpoint"
}
