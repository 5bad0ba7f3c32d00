// Package connstring parses and builds the bunker:// and nostrconnect://
// connection strings that bootstrap a remote-signing session. Everything
// here runs before any other component touches the value, so all
// untrusted-input filtering lives in this package.
package connstring

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrMalformedInput    = errors.New("malformed connection string")
	ErrSecurityViolation = errors.New("connection string failed security filtering")
	ErrInvalidPubkey     = errors.New("invalid remote pubkey")
	ErrInsecureRelay     = errors.New("relay url must be ws:// or wss://")
	ErrInvalidSecret     = errors.New("secret token length out of bounds")
)

const (
	SchemeBunker       = "bunker://"
	SchemeNostrConnect = "nostrconnect://"

	maxInputLen     = 8 * 1024
	minSecretLen    = 16
	maxSecretLen    = 128
	maxMetadataLen  = 256
	maxPermTokens   = 64
	maxRelayEntries = 16
)

// Role records which side minted the connection string.
type Role int

const (
	RoleSignerInitiated Role = iota
	RoleClientInitiated
)

// Descriptor is the parsed, filtered form of a connection string.
type Descriptor struct {
	Role         Role
	RemotePubKey string
	Relays       []string
	Secret       string
	Permissions  []string
	Name         string
	URL          string
	Image        string
}

// Substrings that mark script or protocol-confusion injection attempts.
// Matched case-insensitively against the raw input and its
// percent-decoded form.
var denyPatterns = []string{
	"<script",
	"</script",
	"javascript:",
	"vbscript:",
	"data:",
	"onload=",
	"onerror=",
	"onclick=",
	"expression(",
}

// Parse validates and decodes a connection string into a Descriptor.
func Parse(raw string) (*Descriptor, error) {
	if raw == "" || len(raw) > maxInputLen {
		return nil, ErrMalformedInput
	}
	if err := scanForInjection(raw); err != nil {
		return nil, err
	}
	if strings.Count(raw, "?") > 1 {
		return nil, ErrMalformedInput
	}

	var role Role
	var rest string
	switch {
	case strings.HasPrefix(raw, SchemeBunker):
		role = RoleSignerInitiated
		rest = raw[len(SchemeBunker):]
	case strings.HasPrefix(raw, SchemeNostrConnect):
		role = RoleClientInitiated
		rest = raw[len(SchemeNostrConnect):]
	default:
		return nil, ErrMalformedInput
	}

	pubkey, query, _ := strings.Cut(rest, "?")
	if strings.Contains(pubkey, "://") {
		return nil, ErrSecurityViolation
	}
	// A bad pubkey is both a malformed string and a pubkey failure, so
	// callers can match on either classification.
	if !isHex64(pubkey) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, ErrInvalidPubkey)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, ErrMalformedInput
	}

	desc := &Descriptor{
		Role:         role,
		RemotePubKey: strings.ToLower(pubkey),
	}

	relays, err := filterRelays(values["relay"])
	if err != nil {
		return nil, err
	}
	desc.Relays = relays

	if secret := values.Get("secret"); secret != "" {
		if len(secret) < minSecretLen || len(secret) > maxSecretLen {
			return nil, ErrInvalidSecret
		}
		desc.Secret = secret
	}

	desc.Permissions = filterPermissions(values.Get("perms"))
	desc.Name = stripMarkup(truncate(values.Get("name"), maxMetadataLen))
	desc.URL = keepHTTPSOnly(values.Get("url"))
	desc.Image = keepHTTPSOnly(values.Get("image"))
	return desc, nil
}

// Build renders a Descriptor in canonical form: fixed parameter order,
// every value percent-encoded. It never sees private key material.
func Build(desc *Descriptor) (string, error) {
	if desc == nil || !isHex64(desc.RemotePubKey) {
		return "", ErrInvalidPubkey
	}
	scheme := SchemeBunker
	if desc.Role == RoleClientInitiated {
		scheme = SchemeNostrConnect
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(strings.ToLower(desc.RemotePubKey))

	params := make([]string, 0, len(desc.Relays)+5)
	for _, r := range desc.Relays {
		params = append(params, "relay="+url.QueryEscape(r))
	}
	if desc.Secret != "" {
		params = append(params, "secret="+url.QueryEscape(desc.Secret))
	}
	if len(desc.Permissions) > 0 {
		params = append(params, "perms="+url.QueryEscape(strings.Join(desc.Permissions, ",")))
	}
	if desc.Name != "" {
		params = append(params, "name="+url.QueryEscape(desc.Name))
	}
	if desc.URL != "" {
		params = append(params, "url="+url.QueryEscape(desc.URL))
	}
	if desc.Image != "" {
		params = append(params, "image="+url.QueryEscape(desc.Image))
	}
	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(params, "&"))
	}
	return b.String(), nil
}

func scanForInjection(raw string) error {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		// Undecodable input is still scanned in raw form.
		decoded = raw
	}
	for _, candidate := range []string{strings.ToLower(raw), strings.ToLower(decoded)} {
		for _, pattern := range denyPatterns {
			if strings.Contains(candidate, pattern) {
				return ErrSecurityViolation
			}
		}
	}
	return nil
}

func filterRelays(raw []string) ([]string, error) {
	if len(raw) > maxRelayEntries {
		return nil, ErrMalformedInput
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		u, err := url.Parse(entry)
		if err != nil || u.Host == "" {
			return nil, ErrInsecureRelay
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, ErrInsecureRelay
		}
		normalized := u.String()
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

// filterPermissions keeps tokens shaped <verb> or <verb>:<kind> in their
// original order and silently drops the rest.
func filterPermissions(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	if len(parts) > maxPermTokens {
		parts = parts[:maxPermTokens]
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if isValidPermToken(token) {
			out = append(out, token)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isValidPermToken(token string) bool {
	verb, kind, scoped := strings.Cut(token, ":")
	if !isVerb(verb) {
		return false
	}
	if !scoped {
		return true
	}
	if kind == "" {
		return false
	}
	for _, c := range kind {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isVerb(verb string) bool {
	if verb == "" {
		return false
	}
	for _, c := range verb {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func stripMarkup(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '"', '\'', '`', '&':
			return -1
		}
		return r
	}, s)
}

// keepHTTPSOnly drops (without error) metadata URLs that are not
// well-formed https.
func keepHTTPSOnly(raw string) string {
	if raw == "" || len(raw) > maxMetadataLen {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return ""
	}
	return u.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
