// Package codec implements the wire-level payload codec used by the RPC
// transport: a lossless round trip between Go's "absent" (map key
// missing) and "undefined" (a field the caller declared present but
// valueless, distinct from JSON null) across a JSON transport that has
// no first-class encoding for the latter.
package codec

import "encoding/json"

// Sentinel is the wire placeholder substituted for an Undefined value
// because standard JSON has no token for it.
const Sentinel = "__RLB_undefined"

// Undefined marks a payload field as intentionally valueless. It is
// distinct from nil/null: a map entry set to Undefined{} round-trips as
// present-but-undefined, while an absent map key stays absent and a nil
// interface round-trips as JSON null.
type Undefined struct{}

// Encode walks v and replaces every Undefined value with the wire
// sentinel string, recursing into maps and slices. The result is safe to
// pass to encoding/json.Marshal.
func Encode(v interface{}) interface{} {
	switch t := v.(type) {
	case Undefined:
		return Sentinel
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Encode(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Encode(val)
		}
		return out
	default:
		return v
	}
}

// Decode walks v (typically the result of json.Unmarshal into
// interface{}) and replaces every occurrence of the wire sentinel string
// with Undefined{}, recursing into maps and slices. Absent keys remain
// absent; JSON null remains nil.
func Decode(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if t == Sentinel {
			return Undefined{}
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Decode(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Decode(val)
		}
		return out
	default:
		return v
	}
}

// Marshal serializes an opaque payload, substituting Undefined markers
// with the wire sentinel first.
func Marshal(payload interface{}) ([]byte, error) {
	return json.Marshal(Encode(payload))
}

// Unmarshal parses an opaque payload from the wire, restoring Undefined
// markers from the wire sentinel.
func Unmarshal(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Decode(raw), nil
}
