package event

import "strconv"

// redactedTopLevel is the top-level field set every redaction preserves.
// state_key, hashes and content are handled separately.
var redactedTopLevel = []string{
	"event_id", "type", "room_id", "sender", "origin_server_ts",
	"depth", "prev_events", "auth_events",
}

// roomVersionNum parses a room version string. Unknown or non-numeric
// versions get the newest known behavior, matching how peers treat
// versions they postdate.
func roomVersionNum(roomVersion string) int {
	n, err := strconv.Atoi(roomVersion)
	if err != nil || n < 1 {
		return 11
	}
	return n
}

// preservedContentKeys returns the content keys that survive redaction for
// the given event type and room version. A nil return with keepAll true
// means the whole content object is preserved.
//
// This table is the interoperability contract: one wrong version boundary
// and every hash and signature disagrees with the rest of the federation.
func preservedContentKeys(eventType string, roomVersion int) (keys []string, keepAll bool) {
	switch eventType {
	case "m.room.member":
		if roomVersion <= 8 {
			return []string{"membership"}, false
		}
		return []string{"membership", "join_authorised_via_users_server"}, false
	case "m.room.create":
		if roomVersion <= 10 {
			return []string{"creator", "m.federate", "room_version"}, false
		}
		return nil, true
	case "m.room.join_rules":
		if roomVersion <= 8 {
			return []string{"join_rule"}, false
		}
		return []string{"join_rule", "allow"}, false
	case "m.room.power_levels":
		keys = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if roomVersion >= 11 {
			keys = append(keys, "invite")
		}
		return keys, false
	case "m.room.history_visibility":
		return []string{"history_visibility"}, false
	case "m.room.aliases":
		if roomVersion <= 5 {
			return []string{"aliases"}, false
		}
		return nil, false
	case "m.room.redaction":
		if roomVersion == 11 {
			return []string{"redacts"}, false
		}
		return nil, false
	default:
		return nil, false
	}
}

// Redact applies the room-version redaction transform and returns the
// redacted JSON tree. Redaction is idempotent: redacting a redacted event
// yields the same tree.
func (e *Event) Redact(roomVersion string) (map[string]any, error) {
	tree, err := e.toTree()
	if err != nil {
		return nil, err
	}

	redacted := make(map[string]any, len(redactedTopLevel)+3)
	for _, k := range redactedTopLevel {
		if v, ok := tree[k]; ok {
			redacted[k] = v
		}
	}
	if v, ok := tree["state_key"]; ok {
		redacted["state_key"] = v
	}
	if v, ok := tree["hashes"]; ok {
		redacted["hashes"] = v
	}

	content, _ := tree["content"].(map[string]any)
	keys, keepAll := preservedContentKeys(e.Type, roomVersionNum(roomVersion))
	switch {
	case keepAll && len(content) > 0:
		redacted["content"] = content
	case len(keys) > 0 && content != nil:
		kept := map[string]any{}
		for _, k := range keys {
			if v, ok := content[k]; ok {
				kept[k] = v
			}
		}
		if len(kept) > 0 {
			redacted["content"] = kept
		}
	}

	return redacted, nil
}
