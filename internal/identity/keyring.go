// Package identity owns the signer service's two keypairs: the user key
// that controls the signed-event identity, and the transport key that
// controls the encrypted channel advertised in connection strings. The
// two roles are always distinct keys.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

var (
	ErrInvalidKey       = errors.New("invalid private key material")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrKeysNotDistinct  = errors.New("user and transport keys must differ")
	ErrKeyringWiped     = errors.New("keyring has been wiped")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

const (
	hkdfInfoUserKey      = "snstr/bunker/user-key/v1"
	hkdfInfoTransportKey = "snstr/bunker/transport-key/v1"
	secretTokenBytes     = 24
)

// SecretKey holds a private scalar in a fixed buffer that is zeroed on
// wipe. Callers receive hex copies, never the backing array.
type SecretKey struct {
	buf   [32]byte
	wiped bool
}

func newSecretKey(raw []byte) (*SecretKey, error) {
	if len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	k := &SecretKey{}
	copy(k.buf[:], raw)
	return k, nil
}

// Hex returns a fresh hex encoding of the scalar.
func (k *SecretKey) Hex() (string, error) {
	if k == nil || k.wiped {
		return "", ErrKeyringWiped
	}
	return hex.EncodeToString(k.buf[:]), nil
}

// Zero overwrites the buffer. Further use fails with ErrKeyringWiped.
func (k *SecretKey) Zero() {
	if k == nil {
		return
	}
	for i := range k.buf {
		k.buf[i] = 0
	}
	k.wiped = true
}

// Keyring pairs the user and transport keys with their derived public
// keys. Keys are validated when set, not at first use.
type Keyring struct {
	user         *SecretKey
	transport    *SecretKey
	userPub      string
	transportPub string
}

// NewKeyring generates two independent random keypairs.
func NewKeyring() (*Keyring, error) {
	userHex, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	transportHex, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return FromHex(userHex, transportHex)
}

// FromMnemonic derives both keys from a BIP-39 mnemonic, using distinct
// HKDF info strings per role so the pair is deterministic yet disjoint.
func FromMnemonic(mnemonic string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	userRaw, err := hkdfExpand(seed, hkdfInfoUserKey)
	if err != nil {
		return nil, err
	}
	transportRaw, err := hkdfExpand(seed, hkdfInfoTransportKey)
	if err != nil {
		return nil, err
	}
	kr, err := fromRaw(userRaw, transportRaw)
	zero(userRaw)
	zero(transportRaw)
	return kr, err
}

// GenerateMnemonic returns a fresh 24-word mnemonic suitable for
// FromMnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromHex builds a keyring from two hex scalars. Both are validated as
// in-range, nonzero scalars immediately; an invalid key fails fast.
func FromHex(userHex, transportHex string) (*Keyring, error) {
	userRaw, err := decodeScalar(userHex)
	if err != nil {
		return nil, err
	}
	transportRaw, err := decodeScalar(transportHex)
	if err != nil {
		zero(userRaw)
		return nil, err
	}
	kr, err := fromRaw(userRaw, transportRaw)
	zero(userRaw)
	zero(transportRaw)
	return kr, err
}

func fromRaw(userRaw, transportRaw []byte) (*Keyring, error) {
	if subtle.ConstantTimeCompare(userRaw, transportRaw) == 1 {
		return nil, ErrKeysNotDistinct
	}
	user, err := newSecretKey(userRaw)
	if err != nil {
		return nil, err
	}
	transport, err := newSecretKey(transportRaw)
	if err != nil {
		user.Zero()
		return nil, err
	}

	userPub, err := nostr.GetPublicKey(hex.EncodeToString(userRaw))
	if err != nil {
		user.Zero()
		transport.Zero()
		return nil, ErrInvalidKey
	}
	transportPub, err := nostr.GetPublicKey(hex.EncodeToString(transportRaw))
	if err != nil {
		user.Zero()
		transport.Zero()
		return nil, ErrInvalidKey
	}

	return &Keyring{
		user:         user,
		transport:    transport,
		userPub:      userPub,
		transportPub: transportPub,
	}, nil
}

// UserPublicKey is the signing identity returned by get_public_key.
func (kr *Keyring) UserPublicKey() string { return kr.userPub }

// TransportPublicKey is the channel identity placed in bunker:// strings.
func (kr *Keyring) TransportPublicKey() string { return kr.transportPub }

// UserKeyHex exposes the signing scalar for the crypto layer.
func (kr *Keyring) UserKeyHex() (string, error) { return kr.user.Hex() }

// TransportKeyHex exposes the channel scalar for the crypto layer.
func (kr *Keyring) TransportKeyHex() (string, error) { return kr.transport.Hex() }

// Wipe zeroes both scalars. Idempotent.
func (kr *Keyring) Wipe() {
	kr.user.Zero()
	kr.transport.Zero()
}

// NewSecretToken mints a random base58 connection secret within the
// codec's 16-128 length bounds.
func NewSecretToken() (string, error) {
	buf := make([]byte, secretTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

func decodeScalar(privHex string) ([]byte, error) {
	if _, err := nostr.ParsePrivateKey(privHex); err != nil {
		return nil, ErrInvalidKey
	}
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	return raw, nil
}

func hkdfExpand(seed []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
