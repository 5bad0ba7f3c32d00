package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 v2: versioned payloads of ChaCha20 ciphertext authenticated by
// HMAC-SHA256, with the symmetric keys derived per message from a
// conversation key shared by the two peers.

const (
	nip44Version      = 0x02
	nip44NonceSize    = 32
	nip44MacSize      = 32
	Nip44MaxPlaintext = 65535
	nip44MinPlaintext = 1
)

var nip44Salt = []byte("nip44-v2")

// Nip44ConversationKey derives the long-lived symmetric key both sides
// compute from their own private key and the peer's public key.
func Nip44ConversationKey(privHex, peerPubHex string) ([]byte, error) {
	x, err := sharedX(privHex, peerPubHex)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(x)
	return hkdf.Extract(sha256.New, x, nip44Salt), nil
}

// Nip44Encrypt encrypts plaintext for the peer and returns the
// base64-encoded versioned payload.
func Nip44Encrypt(privHex, peerPubHex, plaintext string) (string, error) {
	if len(plaintext) < nip44MinPlaintext || len(plaintext) > Nip44MaxPlaintext {
		return "", ErrMessageTooLarge
	}
	convKey, err := Nip44ConversationKey(privHex, peerPubHex)
	if err != nil {
		return "", err
	}
	defer zeroBytes(convKey)

	nonce := make([]byte, nip44NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44EncryptWithNonce(convKey, nonce, plaintext)
}

func nip44EncryptWithNonce(convKey, nonce []byte, plaintext string) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	defer zeroBytes(chachaKey)
	defer zeroBytes(hmacKey)

	padded := nip44Pad([]byte(plaintext))
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)
	zeroBytes(padded)

	mac := nip44Mac(hmacKey, nonce, ciphertext)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+len(mac))
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Nip44Decrypt authenticates and decrypts a payload from the peer.
func Nip44Decrypt(privHex, peerPubHex, payload string) (string, error) {
	convKey, err := Nip44ConversationKey(privHex, peerPubHex)
	if err != nil {
		return "", err
	}
	defer zeroBytes(convKey)

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrMalformedPayload
	}
	// version + nonce + at least one padded block + mac
	if len(raw) < 1+nip44NonceSize+34+nip44MacSize {
		return "", ErrMalformedPayload
	}
	if raw[0] != nip44Version {
		return "", ErrMalformedPayload
	}
	nonce := raw[1 : 1+nip44NonceSize]
	ciphertext := raw[1+nip44NonceSize : len(raw)-nip44MacSize]
	mac := raw[len(raw)-nip44MacSize:]

	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	defer zeroBytes(chachaKey)
	defer zeroBytes(hmacKey)

	if !hmac.Equal(mac, nip44Mac(hmacKey, nonce, ciphertext)) {
		return "", ErrDecryptFailed
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	plaintext, err := nip44Unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func nip44MessageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	reader := hkdf.Expand(sha256.New, convKey, nonce)
	buf := make([]byte, 76)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[0:32], buf[32:44], buf[44:76], nil
}

func nip44Mac(hmacKey, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, hmacKey)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// nip44Pad prefixes the plaintext with its big-endian length and pads it
// to the bucketed length the format requires, hiding the exact size.
func nip44Pad(plaintext []byte) []byte {
	padded := make([]byte, 2+nip44PaddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(plaintext)))
	copy(padded[2:], plaintext)
	return padded
}

func nip44Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n < nip44MinPlaintext || n > Nip44MaxPlaintext || len(padded) != 2+nip44PaddedLen(n) {
		return nil, ErrMalformedPayload
	}
	out := make([]byte, n)
	copy(out, padded[2:2+n])
	return out, nil
}

func nip44PaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(unpadded-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}
