package connstring

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const testPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestParseBunkerString(t *testing.T) {
	raw := SchemeBunker + testPubkey +
		"?relay=wss://relay.damus.io&relay=wss://nos.lol&secret=abcdefghijklmnop&perms=sign_event:1,get_public_key"
	desc, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if desc.Role != RoleSignerInitiated {
		t.Fatal("bunker strings are signer-initiated")
	}
	if desc.RemotePubKey != testPubkey {
		t.Fatalf("unexpected pubkey: %s", desc.RemotePubKey)
	}
	if len(desc.Relays) != 2 || desc.Relays[0] != "wss://relay.damus.io" {
		t.Fatalf("unexpected relays: %v", desc.Relays)
	}
	if desc.Secret != "abcdefghijklmnop" {
		t.Fatalf("unexpected secret: %q", desc.Secret)
	}
	if !reflect.DeepEqual(desc.Permissions, []string{"sign_event:1", "get_public_key"}) {
		t.Fatalf("unexpected permissions: %v", desc.Permissions)
	}
}

func TestParseNormalizationIsIdempotent(t *testing.T) {
	raw := SchemeNostrConnect + strings.ToUpper(testPubkey) +
		"?relay=wss://relay.damus.io&relay=wss://relay.damus.io&secret=abcdefghijklmnop&perms=sign_event,bogus token,get_public_key&name=My<b>App"
	first, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rebuilt, err := Build(first)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	second, err := Parse(rebuilt)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalization must be idempotent:\n%#v\n%#v", first, second)
	}
	if len(second.Relays) != 1 {
		t.Fatalf("duplicate relays must collapse: %v", second.Relays)
	}
	if second.Name != "MybApp" {
		t.Fatalf("markup must be stripped from name: %q", second.Name)
	}
}

func TestParseRejectsUnknownSchemeAndOversize(t *testing.T) {
	if _, err := Parse("https://" + testPubkey); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("unknown scheme: got %v", err)
	}
	huge := SchemeBunker + testPubkey + "?name=" + strings.Repeat("a", maxInputLen)
	if _, err := Parse(huge); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("oversized input: got %v", err)
	}
	if _, err := Parse(""); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("empty input: got %v", err)
	}
}

func TestParseRejectsInjectionPatterns(t *testing.T) {
	cases := []string{
		SchemeBunker + testPubkey + "?name=<script>alert(1)</script>",
		SchemeBunker + testPubkey + "?url=javascript:alert(1)",
		SchemeBunker + testPubkey + "?image=data:image/png;base64,AAAA",
		SchemeBunker + testPubkey + "?name=%3Cscript%3E",
		SchemeBunker + testPubkey + "?name=x&foo=onload=evil()",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrSecurityViolation) {
			t.Fatalf("%q: expected security violation, got %v", raw, err)
		}
	}
}

func TestParseRejectsBadPubkey(t *testing.T) {
	if _, err := Parse(SchemeBunker + strings.Repeat("zz", 32)); !errors.Is(err, ErrInvalidPubkey) {
		t.Fatal("non-hex pubkey must be rejected")
	}
	if _, err := Parse(SchemeBunker + testPubkey[:40]); !errors.Is(err, ErrInvalidPubkey) {
		t.Fatal("short pubkey must be rejected")
	}
	// A 64-char non-hex pubkey is also malformed input, matchable
	// under either classification.
	_, err := Parse(SchemeBunker + strings.Repeat("zz", 32))
	if !errors.Is(err, ErrMalformedInput) || !errors.Is(err, ErrInvalidPubkey) {
		t.Fatalf("bad pubkey must match both classifications, got %v", err)
	}
}

func TestParseRejectsInsecureRelays(t *testing.T) {
	if _, err := Parse(SchemeBunker + testPubkey + "?relay=http://example.com"); !errors.Is(err, ErrInsecureRelay) {
		t.Fatal("http relay must be rejected")
	}
	if _, err := Parse(SchemeBunker + testPubkey + "?relay=wss://"); !errors.Is(err, ErrInsecureRelay) {
		t.Fatal("hostless relay must be rejected")
	}
}

func TestParseSecretBounds(t *testing.T) {
	if _, err := Parse(SchemeBunker + testPubkey + "?secret=short"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatal("short secret must be rejected")
	}
	long := strings.Repeat("s", maxSecretLen+1)
	if _, err := Parse(SchemeBunker + testPubkey + "?secret=" + long); !errors.Is(err, ErrInvalidSecret) {
		t.Fatal("long secret must be rejected")
	}
}

func TestParseRejectsAmbiguousQueryBoundary(t *testing.T) {
	raw := SchemeBunker + testPubkey + "?relay=wss://a.example?relay=wss://b.example"
	if _, err := Parse(raw); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("double query separator: got %v", err)
	}
}

func TestParseDropsInvalidMetadataURLs(t *testing.T) {
	raw := SchemeNostrConnect + testPubkey + "?url=ftp://example.com&image=https://example.com/icon.png"
	desc, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if desc.URL != "" {
		t.Fatalf("non-https url must be dropped, got %q", desc.URL)
	}
	if desc.Image != "https://example.com/icon.png" {
		t.Fatalf("https image must survive, got %q", desc.Image)
	}
}

func TestBuildCanonicalOrder(t *testing.T) {
	desc := &Descriptor{
		Role:         RoleSignerInitiated,
		RemotePubKey: testPubkey,
		Relays:       []string{"wss://relay.damus.io"},
		Secret:       "abcdefghijklmnop",
		Permissions:  []string{"sign_event:1"},
		Name:         "bunker app",
	}
	out, err := Build(desc)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	want := SchemeBunker + testPubkey +
		"?relay=" + "wss%3A%2F%2Frelay.damus.io" +
		"&secret=abcdefghijklmnop&perms=sign_event%3A1&name=bunker+app"
	if out != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", out, want)
	}
}

func TestBuildRejectsInvalidPubkey(t *testing.T) {
	if _, err := Build(&Descriptor{RemotePubKey: "nope"}); !errors.Is(err, ErrInvalidPubkey) {
		t.Fatal("build must validate the pubkey")
	}
	if _, err := Build(nil); !errors.Is(err, ErrInvalidPubkey) {
		t.Fatal("nil descriptor must be rejected")
	}
}
