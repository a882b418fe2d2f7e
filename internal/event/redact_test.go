package event

import (
	"encoding/json"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }

func memberEvent() *Event {
	return &Event{
		EventID:        "$test:example.org",
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.member",
		StateKey:       strPtr("@user:example.org"),
		OriginServerTS: 1234567890,
		Depth:          5,
		PrevEvents:     json.RawMessage(`["$prev:example.org"]`),
		AuthEvents:     json.RawMessage(`["$auth:example.org"]`),
		Content: json.RawMessage(`{
			"membership": "join",
			"displayname": "Test User",
			"avatar_url": "mxc://example.org/avatar",
			"join_authorised_via_users_server": "@admin:other.org"
		}`),
		Unsigned: json.RawMessage(`{"age":1000}`),
	}
}

func TestRedact_PreservesEssentialFields(t *testing.T) {
	redacted, err := memberEvent().Redact("10")
	if err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"event_id", "type", "room_id", "sender", "origin_server_ts", "depth", "prev_events", "auth_events", "state_key"} {
		if _, ok := redacted[k]; !ok {
			t.Errorf("redacted event missing %q", k)
		}
	}
	if _, ok := redacted["unsigned"]; ok {
		t.Error("unsigned survived redaction")
	}
	if _, ok := redacted["signatures"]; ok {
		t.Error("signatures survived redaction")
	}
}

func TestRedact_MemberContentByVersion(t *testing.T) {
	cases := []struct {
		version string
		want    []string
	}{
		{"1", []string{"membership"}},
		{"8", []string{"membership"}},
		{"9", []string{"membership", "join_authorised_via_users_server"}},
		{"10", []string{"membership", "join_authorised_via_users_server"}},
		{"11", []string{"membership", "join_authorised_via_users_server"}},
	}
	for _, tc := range cases {
		t.Run("v"+tc.version, func(t *testing.T) {
			redacted, err := memberEvent().Redact(tc.version)
			if err != nil {
				t.Fatal(err)
			}
			content, _ := redacted["content"].(map[string]any)
			if len(content) != len(tc.want) {
				t.Fatalf("content = %v, want keys %v", content, tc.want)
			}
			for _, k := range tc.want {
				if _, ok := content[k]; !ok {
					t.Errorf("content missing %q", k)
				}
			}
			if _, ok := content["displayname"]; ok {
				t.Error("displayname survived redaction")
			}
		})
	}
}

func TestRedact_CreateWithEmptyContentOmitsContent(t *testing.T) {
	ev := &Event{
		EventID:        "$c:example.org",
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.create",
		StateKey:       strPtr(""),
		OriginServerTS: 1,
		Content:        json.RawMessage(`{}`),
	}

	redacted, err := ev.Redact("11")
	if err != nil {
		t.Fatal(err)
	}
	if content, ok := redacted["content"]; ok {
		t.Fatalf("empty create content should be omitted, got %v", content)
	}
}

func TestRedact_CreateKeepsAllContentInV11(t *testing.T) {
	ev := &Event{
		EventID:        "$c:example.org",
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.create",
		StateKey:       strPtr(""),
		OriginServerTS: 1,
		Content:        json.RawMessage(`{"creator":"@user:example.org","m.federate":true,"room_version":"11","custom_field":"kept"}`),
	}

	redacted, err := ev.Redact("10")
	if err != nil {
		t.Fatal(err)
	}
	content := redacted["content"].(map[string]any)
	if _, ok := content["custom_field"]; ok {
		t.Error("custom_field should be dropped before v11")
	}
	if len(content) != 3 {
		t.Fatalf("v10 create content = %v", content)
	}

	redacted, err = ev.Redact("11")
	if err != nil {
		t.Fatal(err)
	}
	content = redacted["content"].(map[string]any)
	if _, ok := content["custom_field"]; !ok {
		t.Error("v11 create should keep all content keys")
	}
}

func TestRedact_ContentTables(t *testing.T) {
	cases := []struct {
		eventType string
		version   string
		content   string
		wantKeys  []string
	}{
		{"m.room.join_rules", "8", `{"join_rule":"invite","allow":[1]}`, []string{"join_rule"}},
		{"m.room.join_rules", "9", `{"join_rule":"invite","allow":[1]}`, []string{"join_rule", "allow"}},
		{"m.room.power_levels", "10", `{"ban":50,"events":{},"events_default":0,"kick":50,"redact":50,"state_default":50,"users":{},"users_default":0,"invite":25}`,
			[]string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}},
		{"m.room.power_levels", "11", `{"ban":50,"invite":25}`, []string{"ban", "invite"}},
		{"m.room.history_visibility", "1", `{"history_visibility":"shared","extra":1}`, []string{"history_visibility"}},
		{"m.room.aliases", "5", `{"aliases":["#a:example.org"]}`, []string{"aliases"}},
		{"m.room.aliases", "6", `{"aliases":["#a:example.org"]}`, nil},
		{"m.room.redaction", "10", `{"redacts":"$other:example.org"}`, nil},
		{"m.room.redaction", "11", `{"redacts":"$other:example.org"}`, []string{"redacts"}},
		{"m.room.message", "11", `{"body":"hi","msgtype":"m.text"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+"_v"+tc.version, func(t *testing.T) {
			ev := &Event{
				RoomID:         "!room:example.org",
				Sender:         "@user:example.org",
				Type:           tc.eventType,
				OriginServerTS: 1,
				Content:        json.RawMessage(tc.content),
			}
			redacted, err := ev.Redact(tc.version)
			if err != nil {
				t.Fatal(err)
			}
			content, _ := redacted["content"].(map[string]any)
			if tc.wantKeys == nil {
				if len(content) != 0 {
					t.Fatalf("expected fully redacted content, got %v", content)
				}
				return
			}
			if len(content) != len(tc.wantKeys) {
				t.Fatalf("content = %v, want keys %v", content, tc.wantKeys)
			}
			for _, k := range tc.wantKeys {
				if _, ok := content[k]; !ok {
					t.Errorf("content missing %q", k)
				}
			}
		})
	}
}

func TestRedact_Idempotent(t *testing.T) {
	for _, version := range []string{"1", "5", "6", "8", "9", "10", "11"} {
		once, err := memberEvent().Redact(version)
		if err != nil {
			t.Fatal(err)
		}

		// Rebuild an event from the redacted tree and redact again.
		raw, err := json.Marshal(once)
		if err != nil {
			t.Fatal(err)
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatal(err)
		}
		twice, err := ev.Redact(version)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("v%s: redact not idempotent:\nonce:  %v\ntwice: %v", version, once, twice)
		}
	}
}

func TestRedact_UnknownVersionGetsLatestBehavior(t *testing.T) {
	ev := &Event{
		RoomID:         "!room:example.org",
		Sender:         "@user:example.org",
		Type:           "m.room.redaction",
		OriginServerTS: 1,
		Content:        json.RawMessage(`{"redacts":"$other:example.org"}`),
	}
	redacted, err := ev.Redact("org.example.custom")
	if err != nil {
		t.Fatal(err)
	}
	content, _ := redacted["content"].(map[string]any)
	if _, ok := content["redacts"]; !ok {
		t.Fatal("unknown room version should follow the newest table")
	}
}
