// Package signing implements Ed25519 signing and verification over
// canonical JSON bytes. Verification fails closed: malformed keys,
// malformed signatures, and cryptographic mismatches all collapse into
// ErrInvalidSignature.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

var (
	ErrInvalidSignature    = errors.New("signing: invalid signature")
	ErrMissingSignature    = errors.New("signing: no signature from expected server")
	ErrContentHashMismatch = errors.New("signing: content hash mismatch")
)

// KeyAlgorithm prefixes every key ID minted or accepted by this server.
const KeyAlgorithm = "ed25519"

// Sign signs msg and returns the signature in unpadded standard base64.
func Sign(priv ed25519.PrivateKey, msg []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

// Verify checks sigB64 over msg with the base64 public key. Every
// failure mode returns ErrInvalidSignature.
func Verify(publicKeyB64 string, msg []byte, sigB64 string) error {
	pub, err := decodeB64(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	sig, err := decodeB64(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// EncodePublicKey renders a public key in padded standard base64, the
// form used in key bundles.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 public key, padded or not.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("signing: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// decodeB64 accepts both padded and unpadded standard base64. Remote
// servers are inconsistent about padding on the wire.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Fingerprint returns a short stable digest of the canonical bytes for
// log lines, so two operators can compare what each side actually
// signed without dumping the payload.
func Fingerprint(b []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}
