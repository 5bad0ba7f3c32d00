package nip46

import (
	"testing"
	"time"
)

func TestValidateAuthURLAcceptsPlainHTTPS(t *testing.T) {
	if err := ValidateAuthURL("https://auth.example.com/confirm?cid=123", nil); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
}

func TestValidateAuthURLRejectsNonHTTPS(t *testing.T) {
	for _, raw := range []string{
		"http://auth.example.com/confirm",
		"ftp://auth.example.com",
		"auth.example.com/confirm",
		"",
	} {
		if err := ValidateAuthURL(raw, nil); err == nil {
			t.Fatalf("accepted %q", raw)
		}
	}
}

func TestValidateAuthURLRejectsMarkup(t *testing.T) {
	for _, raw := range []string{
		"https://auth.example.com/<script>alert(1)</script>",
		"https://auth.example.com/?next=javascript:alert(1)",
		"https://auth.example.com/?x=\"onload=\"",
	} {
		if err := ValidateAuthURL(raw, nil); err == nil {
			t.Fatalf("accepted markup-bearing url %q", raw)
		}
	}
}

func TestValidateAuthURLDomainWhitelist(t *testing.T) {
	allowed := []string{"example.com"}

	if err := ValidateAuthURL("https://example.com/ok", allowed); err != nil {
		t.Fatalf("exact match rejected: %v", err)
	}
	if err := ValidateAuthURL("https://auth.Example.COM/ok", allowed); err != nil {
		t.Fatalf("case-insensitive subdomain rejected: %v", err)
	}
	if err := ValidateAuthURL("https://evil.com/ok", allowed); err == nil {
		t.Fatal("foreign host accepted")
	}
	if err := ValidateAuthURL("https://notexample.com/ok", allowed); err == nil {
		t.Fatal("suffix-confusable host accepted")
	}
}

func TestChallengeStoreTakeOnce(t *testing.T) {
	now := time.Now()
	s := newChallengeStore(10*time.Minute, func() time.Time { return now })

	s.add("peer1", "sign_event:1")
	ch, ok := s.take("peer1")
	if !ok || ch.token != "sign_event:1" {
		t.Fatalf("challenge not returned: %+v", ch)
	}
	if _, ok := s.take("peer1"); ok {
		t.Fatal("challenge taken twice")
	}
}

func TestChallengeStoreExpiry(t *testing.T) {
	now := time.Now()
	s := newChallengeStore(10*time.Minute, func() time.Time { return now })

	s.add("peer1", "sign_event")
	now = now.Add(11 * time.Minute)
	if _, ok := s.take("peer1"); ok {
		t.Fatal("expired challenge honored")
	}

	s.add("peer2", "nip44_encrypt")
	now = now.Add(11 * time.Minute)
	s.sweep()
	s.mu.Lock()
	remaining := len(s.pending)
	s.mu.Unlock()
	if remaining != 0 {
		t.Fatal("sweep left expired challenges behind")
	}
}

func TestChallengeStoreNewerReplacesOlder(t *testing.T) {
	s := newChallengeStore(10*time.Minute, time.Now)
	s.add("peer1", "sign_event:1")
	s.add("peer1", "nip44_decrypt")
	ch, ok := s.take("peer1")
	if !ok || ch.token != "nip44_decrypt" {
		t.Fatalf("newest challenge not kept: %+v", ch)
	}
}
