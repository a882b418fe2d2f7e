// Package keystore manages signing keys: the local server's Ed25519
// identity and a verified, twice-cached view of remote servers' public
// keys.
package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tessellate-im/tessera/internal/canonicaljson"
	"github.com/tessellate-im/tessera/internal/signing"
)

var (
	ErrBundleSignature    = errors.New("keystore: key bundle self-signature invalid")
	ErrBundleExpired      = errors.New("keystore: key bundle expired")
	ErrServerNameMismatch = errors.New("keystore: key bundle server name mismatch")
	ErrUnknownKey         = errors.New("keystore: unknown key")
)

// MaxKeyValidity caps how far into the future a bundle's
// valid_until_ts is honored, regardless of what the server claims.
const MaxKeyValidity = 7 * 24 * time.Hour

type VerifyKey struct {
	Key string `json:"key"`
}

type OldVerifyKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

// KeyBundle is the /_matrix/key/v2/server response: a server's current
// and retired verify keys, self-signed.
type KeyBundle struct {
	ServerName    string                       `json:"server_name"`
	VerifyKeys    map[string]VerifyKey         `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKey      `json:"old_verify_keys,omitempty"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	Signatures    map[string]map[string]string `json:"signatures,omitempty"`
}

// VerifyBundle parses and authenticates a raw key bundle claimed to
// come from expectedServer. The bundle must carry at least one valid
// self-signature by a key it itself advertises, and its effective
// validity, min(valid_until_ts, now+7d), must not already be in the
// past. Returns the bundle and that effective validity bound.
func VerifyBundle(raw json.RawMessage, expectedServer string, now time.Time) (*KeyBundle, time.Time, error) {
	var bundle KeyBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, time.Time{}, fmt.Errorf("keystore: parse key bundle: %w", err)
	}
	if bundle.ServerName != expectedServer {
		return nil, time.Time{}, fmt.Errorf("%w: got %q, want %q",
			ErrServerNameMismatch, bundle.ServerName, expectedServer)
	}

	if err := verifySelfSignature(raw, &bundle); err != nil {
		return nil, time.Time{}, err
	}

	validUntil := time.UnixMilli(bundle.ValidUntilTS)
	if bound := now.Add(MaxKeyValidity); validUntil.After(bound) {
		validUntil = bound
	}
	if !validUntil.After(now) {
		return nil, time.Time{}, fmt.Errorf("%w: %s valid until %s",
			ErrBundleExpired, expectedServer, validUntil.Format(time.RFC3339))
	}
	return &bundle, validUntil, nil
}

// verifySelfSignature checks the bundle against its own advertised
// keys. One valid (key_id, signature) pair is enough.
func verifySelfSignature(raw json.RawMessage, bundle *KeyBundle) error {
	sigs := bundle.Signatures[bundle.ServerName]
	if len(sigs) == 0 {
		return fmt.Errorf("%w: no self-signature present", ErrBundleSignature)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return fmt.Errorf("keystore: decode key bundle: %w", err)
	}
	delete(tree, "signatures")
	delete(tree, "unsigned")
	canonical, err := canonicaljson.Marshal(tree)
	if err != nil {
		return fmt.Errorf("keystore: canonicalize key bundle: %w", err)
	}

	for keyID, sig := range sigs {
		key, ok := bundle.VerifyKeys[keyID]
		if !ok {
			if old, okOld := bundle.OldVerifyKeys[keyID]; okOld {
				key = VerifyKey{Key: old.Key}
			} else {
				continue
			}
		}
		if signing.Verify(key.Key, canonical, sig) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: server %s", ErrBundleSignature, bundle.ServerName)
}
