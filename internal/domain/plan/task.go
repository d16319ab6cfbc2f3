// Package plan holds the data model of a plan→solve run: opaque tasks and
// their identity keys, the immutable plan context, solver results, and the
// per-call statistics records rolled up across stages.
package plan

import (
	"fmt"
	"reflect"
)

// Task is an opaque domain value. The orchestrator never looks inside one
// except to derive its identity key.
type Task = any

// Identifiable lets domain task types expose their identity directly.
type Identifiable interface {
	TaskID() string
}

// TaskID extracts a task's id: an Identifiable implementation first, then a
// map entry under "id", then an exported struct field ID (or a field whose
// json tag is "id"). Numeric ids are normalized to their decimal string.
func TaskID(t Task) (string, bool) {
	switch tv := t.(type) {
	case nil:
		return "", false
	case Identifiable:
		id := tv.TaskID()
		return id, id != ""
	case map[string]any:
		if raw, ok := tv["id"]; ok && raw != nil {
			return normalizeID(raw), true
		}
		return "", false
	}

	rv := reflect.ValueOf(t)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", false
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Name == "ID" || jsonFieldName(field) == "id" {
			val := rv.Field(i).Interface()
			if val == nil {
				return "", false
			}
			id := normalizeID(val)
			return id, id != ""
		}
	}
	return "", false
}

// KeyFor returns the external control key "task:{id}" when the task carries
// an id.
func KeyFor(t Task) (string, bool) {
	id, ok := TaskID(t)
	if !ok {
		return "", false
	}
	return KeyForID(id), true
}

// KeyForID builds the control key for a known task id.
func KeyForID(id string) string {
	return "task:" + id
}

// KeyAt returns the task's key, falling back to a positional handle for
// tasks without ids. Positions are stable because the context's task list is
// immutable for the lifetime of a run.
func KeyAt(t Task, index int) string {
	if key, ok := KeyFor(t); ok {
		return key
	}
	return fmt.Sprintf("obj:%d", index)
}

func normalizeID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		// JSON numbers decode as float64; integral ids print without a
		// fractional part.
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id))
		}
		return fmt.Sprint(id)
	default:
		return fmt.Sprint(v)
	}
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	return tag
}
