// Package event defines the federation event shape and the structural
// transforms (redaction, content and reference hashing) that feed the
// signing and verification pipelines.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Hashes carries the content hash attached to a signed event.
type Hashes struct {
	SHA256 string `json:"sha256"`
}

// Signatures maps server name -> key ID -> base64 signature.
type Signatures map[string]map[string]string

// Event is a federation room event. PrevEvents and AuthEvents stay raw
// because their shape differs across room versions.
type Event struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Depth          int64           `json:"depth"`
	PrevEvents     json.RawMessage `json:"prev_events,omitempty"`
	AuthEvents     json.RawMessage `json:"auth_events,omitempty"`
	Hashes         *Hashes         `json:"hashes,omitempty"`
	Signatures     Signatures      `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// toTree converts the event to a decoded JSON tree with numbers preserved.
func (e *Event) toTree() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return tree, nil
}

// SigningView returns the JSON tree that is canonicalized and signed: the
// redaction top-level field set plus the full content, with signatures and
// unsigned stripped. Mutating any covered field after signing invalidates
// the signature.
func (e *Event) SigningView() (map[string]any, error) {
	tree, err := e.toTree()
	if err != nil {
		return nil, err
	}
	delete(tree, "signatures")
	delete(tree, "unsigned")
	return tree, nil
}

// MergeSignature adds a (server, keyID) signature, preserving signatures
// already present from other servers and keys.
func (e *Event) MergeSignature(serverName, keyID, sig string) {
	if e.Signatures == nil {
		e.Signatures = Signatures{}
	}
	if e.Signatures[serverName] == nil {
		e.Signatures[serverName] = map[string]string{}
	}
	e.Signatures[serverName][keyID] = sig
}
