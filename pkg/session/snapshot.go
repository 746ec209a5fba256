package session

// deepCopyMap recursively copies a string-keyed mapping. Nested maps and
// slices are cloned; scalar values are shared (they are immutable once
// decoded from JSON or YAML).
func deepCopyMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = deepCopyValue(value)
	}
	return copied
}

func deepCopySlice(source []any) []any {
	copied := make([]any, len(source))
	for i, value := range source {
		copied[i] = deepCopyValue(value)
	}
	return copied
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		return deepCopySlice(typed)
	case []map[string]any:
		copied := make([]map[string]any, len(typed))
		for i, element := range typed {
			copied[i] = deepCopyMap(element)
		}
		return copied
	case []string:
		return append([]string(nil), typed...)
	case []byte:
		return append([]byte(nil), typed...)
	default:
		return value
	}
}
