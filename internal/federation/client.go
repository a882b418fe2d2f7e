package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tessellate-im/tessera/internal/discovery"
)

const (
	defaultUserAgent = "Tessera/1.0"
	keyServerPath    = "/_matrix/key/v2/server"
	maxResponseBody  = 1 << 20
)

// endpointResolver is the slice of discovery the client needs.
type endpointResolver interface {
	Resolve(ctx context.Context, serverName string) (*discovery.ResolvedServer, error)
}

// Client issues HTTPS requests to federation peers. Connections dial
// the resolved IP directly while the Host header and TLS SNI carry the
// delegated hostname, so delegation works without the DNS name and the
// certificate name having to agree with the connection address.
type Client struct {
	resolver  endpointResolver
	timeout   time.Duration
	userAgent string

	// test hook: replaces the per-endpoint transport entirely.
	transportFor func(resolved *discovery.ResolvedServer) http.RoundTripper
}

func NewClient(resolver endpointResolver, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		resolver:  resolver,
		timeout:   timeout,
		userAgent: defaultUserAgent,
	}
}

func (c *Client) transport(resolved *discovery.ResolvedServer) http.RoundTripper {
	if c.transportFor != nil {
		return c.transportFor(resolved)
	}
	dialer := &net.Dialer{Timeout: c.timeout}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, resolved.Addr())
		},
		TLSClientConfig:   &tls.Config{ServerName: resolved.TLSHostname},
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
}

// do resolves serverName and executes one request against it.
func (c *Client) do(ctx context.Context, serverName, method, path string, body []byte, authHeader string) ([]byte, error) {
	resolved, err := c.resolver.Resolve(ctx, serverName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "https://"+resolved.HostHeader+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("federation: build request: %w", err)
	}
	req.Host = resolved.HostHeader
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	client := &http.Client{Transport: c.transport(resolved)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation: %s %s%s: %w", method, serverName, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: %s %s%s: unexpected status %d",
			method, serverName, path, resp.StatusCode)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("federation: read response from %s: %w", serverName, err)
	}
	return respBody, nil
}

// FetchKeyBundle retrieves a server's raw signing-key bundle. The
// caller is responsible for verifying it.
func (c *Client) FetchKeyBundle(ctx context.Context, serverName string) (json.RawMessage, error) {
	return c.do(ctx, serverName, http.MethodGet, keyServerPath, nil, "")
}

// DoSigned executes a federation request carrying an X-Matrix
// signature by the local server's key.
func (c *Client) DoSigned(ctx context.Context, serverName, method, path string, content json.RawMessage, origin, keyID string, priv ed25519.PrivateKey) ([]byte, error) {
	authHeader, err := BuildAuthHeader(origin, serverName, keyID, priv, method, path, content)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, serverName, method, path, content, authHeader)
}
