package events

import "testing"

// Every defined event type must resolve to an entity kind; the mapping is
// data, so exhaustiveness is enforced here rather than by the compiler.
func TestEveryEventTypeHasEntityKind(t *testing.T) {
	seen := map[string]bool{}
	for _, evt := range All {
		if seen[evt] {
			t.Errorf("duplicate event type %s in All", evt)
		}
		seen[evt] = true
		kind, ok := EntityKind(evt)
		if !ok {
			t.Errorf("event type %s has no entity kind entry", evt)
		}
		if kind == "" {
			t.Errorf("event type %s maps to empty entity kind", evt)
		}
	}
	if len(seen) != len(entityKinds) {
		t.Errorf("entityKinds has %d entries, All lists %d", len(entityKinds), len(seen))
	}
}
