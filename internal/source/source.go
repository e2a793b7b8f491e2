// Package source computes the value a provider delivers for a data spec.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

// DataSource resolves a request's data spec to an unsigned integer.
// Errors wrapped with backoff.Permanent must not be retried.
type DataSource interface {
	Fetch(ctx context.Context, dataSpec string) (*big.Int, error)
}

var ErrUnknownSpec = errors.New("unknown data spec")

// ── HTTP ──────────────────────────────────────────────────────────────────

type HTTPConfig struct {
	// URLTemplate is the endpoint; "{spec}" is replaced by the escaped data spec.
	URLTemplate string
	// JSONPath selects the value in the response body (gjson syntax).
	JSONPath string
	// Decimals is the fixed-point scale applied to the selected value.
	Decimals int
	Timeout  time.Duration
}

// HTTPSource fetches a JSON document and scales one numeric field to an
// integer.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *HTTPSource) Fetch(ctx context.Context, dataSpec string) (*big.Int, error) {
	endpoint := strings.ReplaceAll(s.cfg.URLTemplate, "{spec}", url.QueryEscape(dataSpec))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", dataSpec, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch %s: status %d", dataSpec, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", dataSpec, resp.StatusCode, body))
	}

	res := gjson.GetBytes(body, s.cfg.JSONPath)
	if !res.Exists() {
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: path %q not found", dataSpec, s.cfg.JSONPath))
	}
	raw := res.Raw
	if res.Type == gjson.String {
		raw = res.Str
	}
	v, err := ScaleDecimal(raw, s.cfg.Decimals)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: %w", dataSpec, err))
	}
	return v, nil
}

// ScaleDecimal converts a non-negative decimal literal to an integer with
// the given number of fractional digits. Extra digits are truncated.
func ScaleDecimal(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("value %q is not a non-negative decimal", s)
	}
	intPart, frac, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(intPart+frac, 10)
	if !ok {
		return nil, fmt.Errorf("value %q is not a non-negative decimal", s)
	}
	return v, nil
}

// ── Static ────────────────────────────────────────────────────────────────

// Static serves fixed values, for local runs and tests.
type Static struct {
	mu     sync.RWMutex
	values map[string]*big.Int
}

func NewStatic(values map[string]*big.Int) *Static {
	s := &Static{values: make(map[string]*big.Int, len(values))}
	for k, v := range values {
		s.values[k] = new(big.Int).Set(v)
	}
	return s
}

func (s *Static) Set(spec string, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[spec] = new(big.Int).Set(v)
}

func (s *Static) Fetch(_ context.Context, dataSpec string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[dataSpec]
	if !ok {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownSpec, dataSpec))
	}
	return new(big.Int).Set(v), nil
}
