package contract

import (
	"encoding/json"
	"unicode/utf8"
)

// priorityKeys are preserved verbatim when an oversized metadata object is
// reduced to a summary, in this order of importance.
var priorityKeys = []string{
	"command",
	"file_path",
	"query",
	"pattern",
	"error",
	"message",
	"tool_name",
	"path",
	"type",
}

// TruncateResult carries the serialized metadata and whether it was reduced.
type TruncateResult struct {
	Value     string
	Truncated bool
}

// TruncateMetadata serializes metadata and enforces the configured byte cap.
// Oversized objects collapse to a summary that keeps the priority keys;
// oversized strings keep a UTF-8-safe prefix; anything else oversized
// becomes a generic marker.
func TruncateMetadata(metadata any, maxPayloadKB int) TruncateResult {
	maxBytes := maxPayloadKB * 1024

	// String metadata is stored raw, so the cap applies to the raw bytes.
	if s, ok := metadata.(string); ok {
		if len(s) <= maxBytes {
			return TruncateResult{Value: s}
		}
		return TruncateResult{Value: utf8SlicePrefix(s, maxBytes), Truncated: true}
	}

	serialized, err := json.Marshal(metadata)
	if err != nil {
		serialized = []byte(`{"_serialization_error":true}`)
	}
	if len(serialized) <= maxBytes {
		return TruncateResult{Value: string(serialized)}
	}

	var summary []byte
	if obj, ok := metadata.(map[string]any); ok {
		summary = truncatedObjectSummary(obj, len(serialized))
	} else {
		summary, _ = json.Marshal(map[string]any{
			"_truncated":      true,
			"_original_bytes": len(serialized),
		})
	}

	if len(summary) <= maxBytes {
		return TruncateResult{Value: string(summary), Truncated: true}
	}
	return TruncateResult{Value: utf8SlicePrefix(string(summary), maxBytes), Truncated: true}
}

func truncatedObjectSummary(obj map[string]any, originalBytes int) []byte {
	summary := map[string]any{
		"_truncated":      true,
		"_original_bytes": originalBytes,
	}
	for _, key := range priorityKeys {
		if v, ok := obj[key]; ok {
			summary[key] = v
		}
	}
	out, err := json.Marshal(summary)
	if err != nil {
		return []byte(`{"_serialization_error":true}`)
	}
	return out
}

// utf8SlicePrefix returns the longest prefix of s that fits in maxBytes
// without splitting a multi-byte character.
func utf8SlicePrefix(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
