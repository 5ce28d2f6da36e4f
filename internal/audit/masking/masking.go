// Package masking redacts credentials and payer identity data before audit
// metadata is stored.
package masking

import (
	"strings"

	"github.com/spf13/cast"
)

const (
	maskToken   = "****"
	keepVisible = 4
)

var sensitiveKeys = map[string]struct{}{
	"access_token":   {},
	"authorization":  {},
	"token":          {},
	"secret":         {},
	"dni":            {},
	"identification": {},
}

// IsSensitiveKey reports whether a metadata key holds credentials or payer identity data.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "card_") || strings.HasSuffix(key, "_secret")
}

// MaskSecret hides all but the last four characters. A prefix ending in an
// underscore, such as APP_USR_, stays readable.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var prefix string
	if i := strings.LastIndex(value, "_"); i >= 0 && i < len(value)-1 {
		prefix, value = value[:i+1], value[i+1:]
	}
	if len(value) <= keepVisible {
		return prefix + maskToken
	}
	return prefix + maskToken + value[len(value)-keepVisible:]
}

// MaskSensitive copies metadata, masking every value stored under a sensitive
// key. Nested maps are walked and blank keys are dropped.
func MaskSensitive(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if IsSensitiveKey(key) {
			out[key] = redact(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			value = MaskSensitive(nested)
		}
		out[key] = value
	}
	return out
}

// redact masks everything below a sensitive key, scalars included.
func redact(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = redact(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item)
		}
		return out
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return maskToken
		}
		return MaskSecret(s)
	}
}
