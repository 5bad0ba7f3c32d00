package nip46

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultChallengeTTL = 10 * time.Minute

// pendingChallenge records a request that was escalated to an
// interactive approval instead of being denied.
type pendingChallenge struct {
	peer    string
	token   string
	created time.Time
}

// challengeStore tracks at most one outstanding challenge per peer.
// A newer escalation replaces the older one.
type challengeStore struct {
	mu      sync.Mutex
	pending map[string]*pendingChallenge
	ttl     time.Duration
	now     func() time.Time
}

func newChallengeStore(ttl time.Duration, now func() time.Time) *challengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &challengeStore{
		pending: make(map[string]*pendingChallenge),
		ttl:     ttl,
		now:     now,
	}
}

// add records the permission token the peer is waiting on.
func (s *challengeStore) add(peer, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[peer] = &pendingChallenge{peer: peer, token: token, created: s.now()}
}

// take removes and returns the peer's pending challenge if it has not
// expired.
func (s *challengeStore) take(peer string) (*pendingChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[peer]
	if !ok {
		return nil, false
	}
	delete(s.pending, peer)
	if s.now().Sub(ch.created) > s.ttl {
		return nil, false
	}
	return ch, true
}

func (s *challengeStore) sweep() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer, ch := range s.pending {
		if ch.created.Before(cutoff) {
			delete(s.pending, peer)
		}
	}
}

func (s *challengeStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*pendingChallenge)
}

// ValidateAuthURL vets a challenge URL before it is surfaced to a
// user. Only https URLs pass, markup-bearing strings are rejected, and
// when a domain whitelist is supplied the host must match an entry
// exactly or be one of its subdomains, compared case-insensitively.
func ValidateAuthURL(raw string, allowedDomains []string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > 2048 {
		return fmt.Errorf("%w: empty or oversized", ErrInvalidAuthURL)
	}
	lower := strings.ToLower(trimmed)
	for _, pat := range []string{"<", ">", "\"", "'", "javascript:", "data:"} {
		if strings.Contains(lower, pat) {
			return fmt.Errorf("%w: disallowed content", ErrInvalidAuthURL)
		}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidAuthURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidAuthURL)
	}
	if len(allowedDomains) == 0 {
		return nil
	}
	for _, domain := range allowedDomains {
		d := strings.ToLower(strings.TrimSpace(domain))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q not in allowed domains", ErrInvalidAuthURL, host)
}
