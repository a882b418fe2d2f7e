package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func wellKnownForServer(ts *httptest.Server) *WellKnownClient {
	c := NewWellKnownClient(ts.Client())
	c.urlFor = func(string) string { return ts.URL + wellKnownPath }
	return c
}

func TestWellKnown_DelegationCached(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"m.server":"matrix.example.org:443"}`))
	}))
	defer ts.Close()

	c := wellKnownForServer(ts)
	for i := 0; i < 3; i++ {
		delegated, found, err := c.Lookup(context.Background(), "example.org")
		if err != nil {
			t.Fatal(err)
		}
		if !found || delegated != "matrix.example.org:443" {
			t.Fatalf("got (%q, %v)", delegated, found)
		}
	}
	if hits != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", hits)
	}
}

func TestWellKnown_AbsenceCached(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := wellKnownForServer(ts)
	for i := 0; i < 2; i++ {
		_, found, err := c.Lookup(context.Background(), "example.org")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("404 should be a confirmed absence")
		}
	}
	if hits != 1 {
		t.Fatalf("negative result should be cached, got %d fetches", hits)
	}
}

func TestWellKnown_MalformedBodyIsAbsence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	c := wellKnownForServer(ts)
	_, found, err := c.Lookup(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("malformed body should read as no delegation")
	}
}

func TestWellKnown_ExpiryRefetches(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"m.server":"matrix.example.org"}`))
	}))
	defer ts.Close()

	now := time.Now()
	c := wellKnownForServer(ts)
	c.now = func() time.Time { return now }

	if _, _, err := c.Lookup(context.Background(), "example.org"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(wellKnownDefaultTTL + time.Minute)
	if _, _, err := c.Lookup(context.Background(), "example.org"); err != nil {
		t.Fatal(err)
	}
	if hits != 2 {
		t.Fatalf("expected refetch after TTL, got %d fetches", hits)
	}
}

func TestResponseTTL(t *testing.T) {
	cases := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"default", http.Header{}, wellKnownDefaultTTL},
		{"max-age", http.Header{"Cache-Control": {"public, max-age=3600"}}, time.Hour},
		{"clamped", http.Header{"Cache-Control": {"max-age=1000000"}}, wellKnownMaxTTL},
		{"garbage max-age", http.Header{"Cache-Control": {"max-age=soon"}}, wellKnownDefaultTTL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := responseTTL(tc.header); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWellKnown_Prune(t *testing.T) {
	c := NewWellKnownClient(http.DefaultClient)
	now := time.Now()
	c.cache.Store("stale.example", wellKnownEntry{expiresAt: now.Add(-time.Minute)})
	c.cache.Store("live.example", wellKnownEntry{found: true, delegated: "x", expiresAt: now.Add(time.Hour)})

	c.prune(now)
	if _, ok := c.cache.Load("stale.example"); ok {
		t.Fatal("expired entry should be pruned")
	}
	if _, ok := c.cache.Load("live.example"); !ok {
		t.Fatal("live entry should survive")
	}
}
