package kernel

import (
	"encoding/json"
	"unicode/utf16"

	"github.com/leonletto/panebus/internal/envelope"
)

// redactedKeys are payload keys whose content never reaches listeners or the
// buffer outside dev mode.
var redactedKeys = []string{"body", "message"}

// sanitizePayload returns a copy of payload with body/message replaced by a
// {redacted, length} marker. Only top-level keys are considered. A string's
// length is counted in UTF-16 code units, so a character outside the BMP
// counts as two; []byte values report their byte count and other values the
// size of their JSON encoding.
func sanitizePayload(payload map[string]any, devMode bool) map[string]any {
	out := envelope.CloneMap(payload)
	if out == nil {
		return map[string]any{}
	}
	if devMode {
		return out
	}
	for _, key := range redactedKeys {
		v, ok := out[key]
		if !ok {
			continue
		}
		out[key] = map[string]any{"redacted": true, "length": valueLength(v)}
	}
	return out
}

func valueLength(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(utf16.Encode([]rune(t)))
	case []byte:
		return len(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return 0
		}
		return len(data)
	}
}
