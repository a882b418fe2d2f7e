package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tessellate-im/tessera/internal/canonicaljson"
	"github.com/tessellate-im/tessera/internal/event"
)

// KeySource resolves a remote server's public signing key, possibly
// over the network. Implementations return the key in base64.
type KeySource interface {
	PublicKey(ctx context.Context, serverName, keyID string) (string, error)
}

// SignEvent runs the outbound signing pipeline: compute and attach the
// content hash, canonicalize the signing view, sign it, and merge the
// signature into the event without disturbing signatures from other
// servers.
func SignEvent(ev *event.Event, serverName, keyID string, priv ed25519.PrivateKey) error {
	hash, err := ev.ContentHash()
	if err != nil {
		return fmt.Errorf("signing: content hash: %w", err)
	}
	ev.Hashes = &event.Hashes{SHA256: hash}

	view, err := ev.SigningView()
	if err != nil {
		return fmt.Errorf("signing: signing view: %w", err)
	}
	canonical, err := canonicaljson.Marshal(view)
	if err != nil {
		return fmt.Errorf("signing: canonicalize: %w", err)
	}
	ev.MergeSignature(serverName, keyID, Sign(priv, canonical))
	return nil
}

// SignJSON signs an arbitrary JSON object the same way events are
// signed: strip signatures and unsigned, canonicalize, sign, then merge
// the new signature back in alongside any existing ones. The returned
// document is in canonical form.
func SignJSON(raw json.RawMessage, serverName, keyID string, priv ed25519.PrivateKey) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("signing: decode payload: %w", err)
	}

	existingSigs := tree["signatures"]
	unsigned := tree["unsigned"]
	delete(tree, "signatures")
	delete(tree, "unsigned")

	canonical, err := canonicaljson.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("signing: canonicalize: %w", err)
	}
	sig := Sign(priv, canonical)

	sigs, _ := existingSigs.(map[string]any)
	if sigs == nil {
		sigs = map[string]any{}
	}
	serverSigs, _ := sigs[serverName].(map[string]any)
	if serverSigs == nil {
		serverSigs = map[string]any{}
	}
	serverSigs[keyID] = sig
	sigs[serverName] = serverSigs
	tree["signatures"] = sigs
	if unsigned != nil {
		tree["unsigned"] = unsigned
	}

	out, err := canonicaljson.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("signing: encode payload: %w", err)
	}
	return out, nil
}

// VerifyEvent runs the inbound verification pipeline. For each expected
// server, at least one of its (key_id, signature) pairs must verify;
// rotated-out keys that can no longer be fetched do not fail the event
// as long as one pair checks out. The content hash is recomputed and
// compared independently of the signature checks.
func VerifyEvent(ctx context.Context, ev *event.Event, expectedServers []string, keys KeySource) error {
	if ev.Hashes == nil || ev.Hashes.SHA256 == "" {
		return fmt.Errorf("%w: event carries no content hash", ErrContentHashMismatch)
	}
	computed, err := ev.ContentHash()
	if err != nil {
		return fmt.Errorf("signing: content hash: %w", err)
	}
	if computed != ev.Hashes.SHA256 {
		return fmt.Errorf("%w: computed %s, event claims %s", ErrContentHashMismatch, computed, ev.Hashes.SHA256)
	}

	view, err := ev.SigningView()
	if err != nil {
		return fmt.Errorf("signing: signing view: %w", err)
	}
	canonical, err := canonicaljson.Marshal(view)
	if err != nil {
		return fmt.Errorf("signing: canonicalize: %w", err)
	}

	for _, server := range expectedServers {
		sigs := ev.Signatures[server]
		if len(sigs) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingSignature, server)
		}
		if err := verifyAnyKey(ctx, server, sigs, canonical, keys); err != nil {
			return err
		}
	}
	return nil
}

// verifyAnyKey accepts the first (key_id, signature) pair that
// verifies. All pairs failing is the rejection condition.
func verifyAnyKey(ctx context.Context, server string, sigs map[string]string, canonical []byte, keys KeySource) error {
	var lastErr error
	for keyID, sig := range sigs {
		pub, err := keys.PublicKey(ctx, server, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := Verify(pub, canonical, sig); err != nil {
			log.Printf("[signing] signature from %s key %s rejected (payload %s)", server, keyID, Fingerprint(canonical))
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrInvalidSignature
	}
	return fmt.Errorf("signing: no valid signature from %s: %w", server, lastErr)
}
