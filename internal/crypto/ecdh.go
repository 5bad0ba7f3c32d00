package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

var (
	ErrInvalidKey       = errors.New("invalid key material")
	ErrDecryptFailed    = errors.New("decryption failed")
	ErrMessageTooLarge  = errors.New("message exceeds size bound")
	ErrMalformedPayload = errors.New("malformed ciphertext payload")
)

// sharedX computes the x coordinate of the ECDH point between a hex
// private key and an x-only hex public key. Both NIP-04 and NIP-44
// derive their symmetric keys from this value.
func sharedX(privHex, peerPubHex string) ([]byte, error) {
	priv, err := nostr.ParsePrivateKey(privHex)
	if err != nil {
		return nil, ErrInvalidKey
	}
	defer priv.Zero()
	pub, err := nostr.ParseXOnlyPubKey(peerPubHex)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return secp256k1.GenerateSharedSecret(priv, pub), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
