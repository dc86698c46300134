package claims

import (
	"encoding/json"
	"math"
	"time"
)

const (
	entryTimeKey  = "t"
	entryValueKey = "v"
)

// Payload is the claim namespace of an access token. Keys are claim keys and
// values are claim entries ({"t", "v"}) or nil tombstones.
type Payload map[string]any

// Clone returns a shallow copy of p. A nil payload clones to an empty one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with delta applied. Keys mapped to nil in delta
// are removed from the result.
func (p Payload) Merge(delta Payload) Payload {
	out := p.Clone()
	for k, v := range delta {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func newEntry(at time.Time, value any) map[string]any {
	return map[string]any{
		entryTimeKey:  at.UnixMilli(),
		entryValueKey: value,
	}
}

// entry returns the claim entry stored under key, tolerating both in-memory
// payloads and payloads decoded from JSON.
func (p Payload) entry(key string) (map[string]any, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, false
	}
	switch e := raw.(type) {
	case map[string]any:
		return e, true
	case Payload:
		return e, true
	default:
		return nil, false
	}
}

// epochMillis converts the "t" field of an entry to milliseconds.
func epochMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	default:
		return 0, false
	}
}

// decodeValue coerces a stored value into T. Values written in-process keep
// their type; values decoded from JSON are converted through a JSON round trip.
func decodeValue[T any](raw any) (T, bool) {
	var zero T
	if raw == nil {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false
	}
	return out, true
}
