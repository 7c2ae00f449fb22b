package convert

import (
	"regexp"
	"sort"

	"github.com/ajitpratap0/featuresink/pkg/ingest"
)

var invalidKeyChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeKey replaces characters outside [A-Za-z0-9_] with '_' and
// prefixes '_' when the result starts with a digit
func SanitizeKey(key string) string {
	s := invalidKeyChars.ReplaceAllString(key, "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// SanitizeRecord returns a copy of rec with every key sanitized, including
// keys of nested mappings and of mappings inside lists
func SanitizeRecord(rec ingest.Record) ingest.Record {
	return ingest.Record(sanitizeMap(rec))
}

// sanitizeMap keeps an already clean key over a rewritten key that
// collides with it; rewritten keys are applied in sorted order.
func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	var dirty []string
	for k, v := range m {
		if SanitizeKey(k) == k {
			out[k] = sanitizeValue(v)
			continue
		}
		dirty = append(dirty, k)
	}

	sort.Strings(dirty)
	for _, k := range dirty {
		clean := SanitizeKey(k)
		if _, exists := out[clean]; exists {
			continue
		}
		out[clean] = sanitizeValue(m[k])
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return sanitizeMap(x)
	case ingest.Record:
		return sanitizeMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}
