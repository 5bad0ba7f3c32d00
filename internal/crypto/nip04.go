package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// NIP-04: AES-256-CBC keyed directly by the ECDH x coordinate, kept for
// backward compatibility with older signers. New traffic prefers NIP-44.

const Nip04MaxPlaintext = 65535

// Nip04Encrypt returns "<base64 ciphertext>?iv=<base64 iv>".
func Nip04Encrypt(privHex, peerPubHex, plaintext string) (string, error) {
	if len(plaintext) == 0 || len(plaintext) > Nip04MaxPlaintext {
		return "", ErrMessageTooLarge
	}
	key, err := sharedX(privHex, peerPubHex)
	if err != nil {
		return "", err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	zeroBytes(padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Nip04Decrypt reverses Nip04Encrypt.
func Nip04Decrypt(privHex, peerPubHex, payload string) (string, error) {
	ctB64, ivB64, ok := strings.Cut(payload, "?iv=")
	if !ok {
		return "", ErrMalformedPayload
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", ErrMalformedPayload
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedPayload
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedPayload
	}

	key, err := sharedX(privHex, peerPubHex)
	if err != nil {
		return "", err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// IsNip04Payload reports whether a ciphertext uses the legacy format, so
// responses can be produced with the scheme the request arrived in.
func IsNip04Payload(payload string) bool {
	return strings.Contains(payload, "?iv=")
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformedPayload
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, ErrMalformedPayload
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrMalformedPayload
		}
	}
	return data[:len(data)-pad], nil
}
