// Package jsonx pins the JSON implementation used on hot paths (outbound
// event marshaling, inbound frame decoding) to one swap point.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	Valid         = json.Valid
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage
type Number = json.Number

// MarshalString marshals v and returns the result as a string, or "" when
// marshaling fails. Intended for log lines and diagnostics, not wire data.
func MarshalString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
