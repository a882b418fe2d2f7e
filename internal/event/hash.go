package event

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tessellate-im/tessera/internal/canonicaljson"
)

// ContentHash computes the SHA-256 content hash of the event: the canonical
// encoding of the event with unsigned, signatures and hashes removed,
// hashed and returned as unpadded base64.
func (e *Event) ContentHash() (string, error) {
	tree, err := e.toTree()
	if err != nil {
		return "", err
	}
	delete(tree, "unsigned")
	delete(tree, "signatures")
	delete(tree, "hashes")

	canonical, err := canonicaljson.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("event: content hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the room-version-dependent reference hash: the
// canonical encoding of the redacted event with signatures and unsigned
// removed, hashed and returned as unpadded base64.
func (e *Event) ReferenceHash(roomVersion string) (string, error) {
	// Redact never copies signatures or unsigned, so the tree is already
	// the reference-hash input.
	redacted, err := e.Redact(roomVersion)
	if err != nil {
		return "", err
	}
	canonical, err := canonicaljson.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("event: reference hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}
