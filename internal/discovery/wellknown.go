package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	wellKnownPath       = "/.well-known/matrix/server"
	wellKnownDefaultTTL = 24 * time.Hour
	wellKnownMaxTTL     = 48 * time.Hour
	wellKnownMaxBody    = 64 * 1024
)

type wellKnownEntry struct {
	delegated string
	found     bool
	expiresAt time.Time
}

// WellKnownClient fetches and caches /.well-known/matrix/server
// delegation documents. Confirmed absence is cached the same as a hit
// so dead paths don't re-probe on every resolution.
type WellKnownClient struct {
	httpClient *http.Client
	cache      *xsync.Map[string, wellKnownEntry]
	now        func() time.Time

	// test hook: rewrites the request URL for a given host.
	urlFor func(host string) string
}

func NewWellKnownClient(httpClient *http.Client) *WellKnownClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WellKnownClient{
		httpClient: httpClient,
		cache:      xsync.NewMap[string, wellKnownEntry](),
		now:        time.Now,
	}
}

// Lookup returns the delegated server name for host, with found=false
// meaning a confirmed (and cached) absence of delegation. Transport
// errors are returned to the caller and are not cached here.
func (c *WellKnownClient) Lookup(ctx context.Context, host string) (string, bool, error) {
	if entry, ok := c.cache.Load(host); ok && c.now().Before(entry.expiresAt) {
		return entry.delegated, entry.found, nil
	}

	url := "https://" + host + wellKnownPath
	if c.urlFor != nil {
		url = c.urlFor(host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("discovery: well-known request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("discovery: well-known fetch %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.storeNegative(host)
		return "", false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, wellKnownMaxBody))
	if err != nil {
		return "", false, fmt.Errorf("discovery: well-known read %s: %w", host, err)
	}
	var doc struct {
		Server string `json:"m.server"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Server == "" {
		c.storeNegative(host)
		return "", false, nil
	}

	ttl := responseTTL(resp.Header)
	c.cache.Store(host, wellKnownEntry{
		delegated: doc.Server,
		found:     true,
		expiresAt: c.now().Add(ttl),
	})
	return doc.Server, true, nil
}

func (c *WellKnownClient) storeNegative(host string) {
	c.cache.Store(host, wellKnownEntry{expiresAt: c.now().Add(wellKnownDefaultTTL)})
}

// responseTTL honors Cache-Control max-age, then Expires, clamped to
// the 48h ceiling. Anything unparseable falls back to 24h.
func responseTTL(h http.Header) time.Duration {
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return clampTTL(time.Duration(secs) * time.Second)
			}
		}
	}
	if expires := h.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			return clampTTL(time.Until(t))
		}
	}
	return wellKnownDefaultTTL
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl > wellKnownMaxTTL {
		return wellKnownMaxTTL
	}
	return ttl
}

// prune drops expired entries.
func (c *WellKnownClient) prune(now time.Time) {
	c.cache.Range(func(host string, entry wellKnownEntry) bool {
		if now.After(entry.expiresAt) {
			c.cache.Compute(host, func(current wellKnownEntry, loaded bool) (wellKnownEntry, xsync.ComputeOp) {
				if !loaded || !now.After(current.expiresAt) {
					return current, xsync.CancelOp
				}
				return current, xsync.DeleteOp
			})
		}
		return true
	})
}
