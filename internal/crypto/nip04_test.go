package crypto

import (
	"strings"
	"testing"
)

func TestNip04RoundTrip(t *testing.T) {
	alicePriv, alicePub := testKeypair(t)
	bobPriv, bobPub := testKeypair(t)

	payload, err := Nip04Encrypt(alicePriv, bobPub, "legacy encrypted dm")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !strings.Contains(payload, "?iv=") {
		t.Fatalf("legacy payload must carry an iv suffix: %q", payload)
	}
	plaintext, err := Nip04Decrypt(bobPriv, alicePub, payload)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "legacy encrypted dm" {
		t.Fatalf("unexpected plaintext: %q", plaintext)
	}
}

func TestNip04DecryptRejectsGarbage(t *testing.T) {
	alicePriv, _ := testKeypair(t)
	_, bobPub := testKeypair(t)

	if _, err := Nip04Decrypt(alicePriv, bobPub, "no-iv-separator"); err == nil {
		t.Fatal("payload without iv must be rejected")
	}
	if _, err := Nip04Decrypt(alicePriv, bobPub, "AAAA?iv=AAAA"); err == nil {
		t.Fatal("short iv must be rejected")
	}
}

func TestIsNip04PayloadDetection(t *testing.T) {
	if !IsNip04Payload("abc?iv=def") {
		t.Fatal("iv marker must identify legacy payloads")
	}
	if IsNip04Payload("AgEC") {
		t.Fatal("versioned payloads are not legacy")
	}
}
