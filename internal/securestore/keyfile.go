// Package securestore persists the bunker keyring at rest, encrypted
// under an operator passphrase with argon2id and XChaCha20-Poly1305.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/AustinKelsay/snstr-sub003/internal/identity"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SNSTRKEY1\n"

	argonTime     = 2
	argonMemoryKB = 64 * 1024
	argonThreads  = 1
)

var (
	ErrAuthFailed         = errors.New("keyfile authentication failed")
	ErrInvalidKeyfile     = errors.New("keyfile envelope is invalid")
	ErrPassphraseRequired = errors.New("passphrase is required")
)

type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type keyringPayload struct {
	UserKey      string `json:"user_key"`
	TransportKey string `json:"transport_key"`
}

// SaveKeyring writes the keyring's scalars to path, encrypted under the
// passphrase. The plaintext copy is zeroed before returning.
func SaveKeyring(path, passphrase string, kr *identity.Keyring) error {
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	userHex, err := kr.UserKeyHex()
	if err != nil {
		return err
	}
	transportHex, err := kr.TransportKeyHex()
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(keyringPayload{UserKey: userHex, TransportKey: transportHex})
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	sealed, err := seal(passphrase, plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// LoadKeyring reads and decrypts a keyring written by SaveKeyring.
func LoadKeyring(path, passphrase string) (*identity.Keyring, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(passphrase, raw)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	var payload keyringPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrInvalidKeyfile
	}
	return identity.FromHex(payload.UserKey, payload.TransportKey)
}

func seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	env := envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemoryKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func open(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrInvalidKeyfile
	}
	var env envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalidKeyfile
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalidKeyfile
	}
	key := deriveKey(passphrase, env.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKB, argonThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
