// Package permissions tracks which operations each connected peer may
// request. Grants are tokens: a bare verb ("sign_event") acts as a
// wildcard, a scoped token ("sign_event:1") covers one event kind.
package permissions

import (
	"crypto/sha256"
	"crypto/subtle"
	"strconv"
	"sync"
)

// KindAny marks an authorization check with no kind scope.
const KindAny = -1

type Registry struct {
	mu       sync.RWMutex
	defaults []string
	// per-peer grant sets; insertion order kept for introspection
	grants map[string][]string
}

// NewRegistry captures the default-permission template merged into every
// peer's grants on first contact.
func NewRegistry(defaults []string) *Registry {
	return &Registry{
		defaults: append([]string(nil), defaults...),
		grants:   make(map[string][]string),
	}
}

// EnsurePeer creates the peer's grant set from the defaults if it does
// not exist yet. Explicit grants made later add to, never replace, the
// defaults.
func (r *Registry) EnsurePeer(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[peer]; !ok {
		r.grants[peer] = append([]string(nil), r.defaults...)
	}
}

// Grant adds tokens to a peer's set, creating it (with defaults) first.
func (r *Registry) Grant(peer string, tokens ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.grants[peer]
	if !ok {
		set = append([]string(nil), r.defaults...)
	}
	for _, token := range tokens {
		if token == "" || containsToken(set, token) {
			continue
		}
		set = append(set, token)
	}
	r.grants[peer] = set
}

// Authorized reports whether the peer holds either the scoped token
// verb:kind or the wildcard verb. The scan covers the full grant set and
// folds matches together without branching on where a match sits, so
// timing does not reveal which grants a peer holds. Pass KindAny for
// unscoped operations.
func (r *Registry) Authorized(peer, verb string, kind int) bool {
	r.mu.RLock()
	set := r.grants[peer]
	r.mu.RUnlock()

	wildcard := tokenDigest(verb)
	scoped := wildcard
	if kind != KindAny {
		scoped = tokenDigest(verb + ":" + strconv.Itoa(kind))
	}

	match := 0
	for _, token := range set {
		d := tokenDigest(token)
		match |= subtle.ConstantTimeCompare(d[:], wildcard[:])
		match |= subtle.ConstantTimeCompare(d[:], scoped[:])
	}
	return match == 1
}

// Grants returns a copy of the peer's current token set.
func (r *Registry) Grants(peer string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.grants[peer]...)
}

// Revoke removes specific tokens from a peer's set.
func (r *Registry) Revoke(peer string, tokens ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.grants[peer]
	if len(set) == 0 {
		return
	}
	out := set[:0]
	for _, existing := range set {
		if !containsToken(tokens, existing) {
			out = append(out, existing)
		}
	}
	r.grants[peer] = out
}

// Clear forgets a peer entirely.
func (r *Registry) Clear(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, peer)
}

// ClearAll releases every peer's grants.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = make(map[string][]string)
}

// tokenDigest maps variable-length tokens onto fixed-size values so the
// membership comparison never depends on token length.
func tokenDigest(token string) [sha256.Size]byte {
	return sha256.Sum256([]byte(token))
}

func containsToken(list []string, token string) bool {
	for _, t := range list {
		if t == token {
			return true
		}
	}
	return false
}
