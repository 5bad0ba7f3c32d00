package nostr

import "encoding/json"

// Filter selects events from a relay subscription. Only the fields the
// remote-signing protocol needs are modeled.
type Filter struct {
	Kinds   []int
	Authors []string
	PTags   []string
	Since   int64
}

// Matches reports whether the event satisfies every populated constraint.
func (f Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.PTags) > 0 {
		p, ok := e.TagValue("p")
		if !ok || !containsString(f.PTags, p) {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}

// MarshalJSON emits the NIP-01 wire form, where p-tag constraints use
// the "#p" key.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4)
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.PTags) > 0 {
		out["#p"] = f.PTags
	}
	if f.Since > 0 {
		out["since"] = f.Since
	}
	return json.Marshal(out)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
