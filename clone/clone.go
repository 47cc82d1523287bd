// Package clone provides the structural-clone and structural-equality
// primitives shared by the cache, state, and computed packages.
//
// Payloads that flow through meshbus are type-erased (any), mirroring the
// plain-object semantics of the system this module generalizes. A
// structural clone is implemented as a JSON marshal/unmarshal round trip,
// grounded on the same approach the teacher uses for ad-hoc deep copies
// and logging (infrastructure/utils.JSONMarshal/JSONParse). Values that
// cannot be marshaled (functions, channels, cyclic graphs) are considered
// non-serializable: Deep returns the original value unchanged and Equal
// falls back to a recover-guarded reflect.DeepEqual so a non-serializable
// value is never spuriously reported as unchanged.
package clone

import (
	"encoding/json"
	"reflect"
)

// Deep returns a structural copy of v. If v cannot be round-tripped
// through JSON, the original value is returned as-is (non-serializable
// fallback); callers must treat such values as shared, not owned copies.
func Deep(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Equal reports whether a and b are structurally equal. Both are
// serialized to JSON and compared byte-for-byte; if either fails to
// serialize, the comparison falls back to reflect.DeepEqual (recover
// guarded, since DeepEqual can panic on some exotic types) so that
// non-serializable values never produce a spurious "unchanged" result.
func Equal(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return safeDeepEqual(a, b)
	}
	return string(ab) == string(bb)
}

func safeDeepEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return reflect.DeepEqual(a, b)
}

// Serializable reports whether v can be round-tripped through JSON.
func Serializable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}
