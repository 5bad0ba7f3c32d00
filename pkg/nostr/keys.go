package nostr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

// GeneratePrivateKey returns a fresh secp256k1 scalar, hex-encoded.
func GeneratePrivateKey() (string, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return "", err
	}
	defer priv.Zero()
	return hex.EncodeToString(priv.Serialize()), nil
}

// ParsePrivateKey decodes and validates a 64-char hex scalar. The zero
// scalar and out-of-order values are rejected.
func ParsePrivateKey(privHex string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, ErrInvalidPrivateKey
	}
	if scalar.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// GetPublicKey derives the x-only public key for a hex private key.
func GetPublicKey(privHex string) (string, error) {
	priv, err := ParsePrivateKey(privHex)
	if err != nil {
		return "", err
	}
	defer priv.Zero()
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// IsValidPublicKey reports whether the value is a 64-char hex string.
// It does not require the x coordinate to lie on the curve; that check
// happens when the key is actually used.
func IsValidPublicKey(pubHex string) bool {
	if len(pubHex) != 64 {
		return false
	}
	_, err := hex.DecodeString(pubHex)
	return err == nil
}

// ParseXOnlyPubKey lifts a 64-char hex x-only public key to a curve point
// with even Y, the form both encryption schemes use for ECDH.
func ParseXOnlyPubKey(pubHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPublicKey
	}
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, secp256k1.PubKeyFormatCompressedEven)
	compressed = append(compressed, raw...)
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}
