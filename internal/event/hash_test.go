package event

import (
	"encoding/json"
	"testing"
)

func TestContentHash_IgnoresUnsignedAndSignatures(t *testing.T) {
	base := memberEvent()
	h1, err := base.ContentHash()
	if err != nil {
		t.Fatal(err)
	}

	withExtras := memberEvent()
	withExtras.Unsigned = json.RawMessage(`{"age":99999,"transaction_id":"txn"}`)
	withExtras.Signatures = Signatures{
		"example.org": {"ed25519:abc": "c2lnbmF0dXJl"},
	}
	h2, err := withExtras.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("content hash changed with unsigned/signatures: %s != %s", h1, h2)
	}
}

func TestContentHash_SensitiveToContent(t *testing.T) {
	a := memberEvent()
	b := memberEvent()
	b.Content = json.RawMessage(`{"membership":"leave"}`)

	ha, err := a.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Fatal("content hash did not change with content")
	}
}

func TestContentHash_Unpadded(t *testing.T) {
	h, err := memberEvent().ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 43 {
		t.Fatalf("sha256 hash should be 43 unpadded base64 chars, got %d: %q", len(h), h)
	}
	for _, c := range h {
		if c == '=' {
			t.Fatal("hash contains base64 padding")
		}
	}
}

func TestReferenceHash_IgnoresRedactedContent(t *testing.T) {
	a := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1,
		Content:        json.RawMessage(`{"body":"hello"}`),
	}
	b := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1,
		Content:        json.RawMessage(`{"body":"goodbye"}`),
	}

	ha, err := a.ReferenceHash("11")
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.ReferenceHash("11")
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatal("reference hash should not depend on redacted message content")
	}

	b.Sender = "@other:example.org"
	hc, err := b.ReferenceHash("11")
	if err != nil {
		t.Fatal(err)
	}
	if ha == hc {
		t.Fatal("reference hash did not change with sender")
	}
}
