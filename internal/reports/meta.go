package reports

import "time"

// Typed accessors for report metadata. YAML unmarshals into loose
// types, so each accessor tolerates the shapes the decoder produces and
// zero-values everything else.

// MetaString returns a string metadata value.
func MetaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

// MetaInt returns an int metadata value.
func MetaInt(meta map[string]any, key string) int {
	switch n := meta[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// MetaBool returns a bool metadata value.
func MetaBool(meta map[string]any, key string) bool {
	b, _ := meta[key].(bool)
	return b
}

// MetaStrings returns a string-slice metadata value, skipping entries
// of other types.
func MetaStrings(meta map[string]any, key string) []string {
	arr, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MetaTime returns a timestamp metadata value, accepting both decoded
// time values and RFC3339 strings.
func MetaTime(meta map[string]any, key string) time.Time {
	switch t := meta[key].(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
