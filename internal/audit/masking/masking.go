// Package masking redacts secrets before they reach the audit trail.
package masking

import (
	"slices"
	"strings"
)

const maskToken = "****"

// Secret keeps the last four characters of value so operators can still
// correlate entries.
func Secret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= 4 {
		return maskToken
	}
	return maskToken + string(runes[len(runes)-4:])
}

// Fields copies metadata, masking string values stored under any of keys.
// Empty keys are dropped.
func Fields(metadata map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if raw, ok := value.(string); ok && slices.Contains(keys, key) {
			value = Secret(raw)
		}
		out[key] = value
	}
	return out
}
