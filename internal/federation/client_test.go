package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/tessellate-im/tessera/internal/discovery"
)

type staticResolver struct {
	resolved *discovery.ResolvedServer
}

func (s *staticResolver) Resolve(context.Context, string) (*discovery.ResolvedServer, error) {
	return s.resolved, nil
}

// rewriteTransport redirects requests to a plain-HTTP test server
// while leaving the request's Host intact for inspection.
type rewriteTransport struct {
	target string
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(ts *httptest.Server) *Client {
	c := NewClient(&staticResolver{resolved: &discovery.ResolvedServer{
		IP:          netip.MustParseAddr("10.0.0.1"),
		Port:        8448,
		HostHeader:  "delegated.example:8448",
		TLSHostname: "delegated.example",
		Method:      discovery.WellKnownDelegation,
	}}, 5*time.Second)
	c.transportFor = func(*discovery.ResolvedServer) http.RoundTripper {
		return rewriteTransport{target: strings.TrimPrefix(ts.URL, "http://")}
	}
	return c
}

func TestFetchKeyBundle(t *testing.T) {
	var gotHost, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		w.Write([]byte(`{"server_name":"delegated.example"}`))
	}))
	defer ts.Close()

	raw, err := testClient(ts).FetchKeyBundle(context.Background(), "delegated.example")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"server_name":"delegated.example"}` {
		t.Fatalf("body = %s", raw)
	}
	if gotHost != "delegated.example:8448" {
		t.Fatalf("Host header = %q, want the delegated name", gotHost)
	}
	if gotPath != "/_matrix/key/v2/server" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestFetchKeyBundle_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	if _, err := testClient(ts).FetchKeyBundle(context.Background(), "delegated.example"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestDoSigned_AttachesAuthHeader(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var gotAuth, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	content := json.RawMessage(`{"pdus":[]}`)
	_, err = testClient(ts).DoSigned(context.Background(), "delegated.example",
		http.MethodPut, "/_matrix/federation/v1/send/txn1", content,
		"self.example", "ed25519:a1", priv)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(gotAuth, `X-Matrix origin="self.example"`) {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotAuth, `key="ed25519:a1"`) {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody != `{"pdus":[]}` {
		t.Fatalf("body = %q", gotBody)
	}
}
