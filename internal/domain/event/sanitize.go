package event

import (
	"fmt"
	"reflect"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// maxSanitizeDepth bounds recursion so cyclic values degrade to strings
// instead of hanging the producer.
const maxSanitizeDepth = 16

// Sanitize lowers v to a tree of JSON-safe values: scalars pass through,
// maps and slices recurse, structs are lowered through their JSON encoding
// (public fields, honoring tags), and anything else falls back to its
// fmt representation.
func Sanitize(v any) any {
	return sanitize(v, 0)
}

func sanitize(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth >= maxSanitizeDepth {
		// %T cannot recurse into cyclic values.
		return fmt.Sprintf("<truncated %T>", v)
	}

	switch tv := v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return tv
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return tv.String()
	case error:
		return tv.Error()
	case []byte:
		return string(tv)
	case jsonx.RawMessage:
		var decoded any
		if err := jsonx.Unmarshal(tv, &decoded); err != nil {
			return string(tv)
		}
		return sanitize(decoded, depth+1)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = sanitize(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = sanitize(val, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitize(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		return sanitizeStruct(v, depth)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sanitizeStruct round-trips through JSON so exported fields and their tags
// decide the shape, matching what the client would see anyway.
func sanitizeStruct(v any, depth int) any {
	data, err := jsonx.Marshal(v)
	if err != nil {
		if s, ok := v.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%v", v)
	}
	var decoded any
	if err := jsonx.Unmarshal(data, &decoded); err != nil {
		return string(data)
	}
	return sanitize(decoded, depth+1)
}
