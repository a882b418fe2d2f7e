// Package federation is the outbound HTTP side of the trust core: it
// dials endpoints produced by discovery, presenting the delegated Host
// and TLS identity, and signs requests with the X-Matrix scheme.
package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/tessellate-im/tessera/internal/canonicaljson"
	"github.com/tessellate-im/tessera/internal/signing"
)

// requestSigningBytes builds the canonical form of the request
// description that X-Matrix signatures cover: method, uri, origin,
// destination, and the JSON body when one is present.
func requestSigningBytes(method, uri, origin, destination string, content json.RawMessage) ([]byte, error) {
	obj := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      origin,
		"destination": destination,
	}
	if len(content) > 0 {
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		var body any
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("federation: decode request body: %w", err)
		}
		obj["content"] = body
	}
	canonical, err := canonicaljson.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("federation: canonicalize request: %w", err)
	}
	return canonical, nil
}

// BuildAuthHeader signs a federation request and renders the
// Authorization header value.
func BuildAuthHeader(origin, destination, keyID string, priv ed25519.PrivateKey, method, uri string, content json.RawMessage) (string, error) {
	canonical, err := requestSigningBytes(method, uri, origin, destination, content)
	if err != nil {
		return "", err
	}
	sig := signing.Sign(priv, canonical)
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, keyID, sig), nil
}

// VerifyAuth checks an inbound request signature. The route layer
// extracts origin, key, and sig from the Authorization header; this
// rebuilds the signed form and verifies it against the origin's
// published key.
func VerifyAuth(ctx context.Context, origin, destination, keyID, sig, method, uri string, content json.RawMessage, keys signing.KeySource) error {
	canonical, err := requestSigningBytes(method, uri, origin, destination, content)
	if err != nil {
		return err
	}
	pub, err := keys.PublicKey(ctx, origin, keyID)
	if err != nil {
		return fmt.Errorf("federation: key %s for %s: %w", keyID, origin, err)
	}
	if err := signing.Verify(pub, canonical, sig); err != nil {
		return fmt.Errorf("federation: request from %s: %w", origin, err)
	}
	return nil
}
