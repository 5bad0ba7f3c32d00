package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// KindNostrConnect is the reserved event kind carrying encrypted
// remote-signing request/response envelopes.
const KindNostrConnect = 24133

type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical byte form hashed into the event ID:
// [0, pubkey, created_at, kind, tags, content] without whitespace.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
}

// ComputeID hashes the canonical serialization and returns it hex-encoded.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills PubKey, ID and Sig using the given private key.
func (e *Event) Sign(privHex string) error {
	priv, err := ParsePrivateKey(privHex)
	if err != nil {
		return err
	}
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify recomputes the ID and checks the Schnorr signature against PubKey.
func (e *Event) Verify() (bool, error) {
	id, err := e.ComputeID()
	if err != nil {
		return false, err
	}
	if id != e.ID {
		return false, nil
	}
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return false, ErrInvalidEvent
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, ErrInvalidEvent
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, ErrInvalidSignature
	}
	digest, err := hex.DecodeString(id)
	if err != nil {
		return false, err
	}
	return sig.Verify(digest, pub), nil
}

// TagValue returns the first value of the first tag with the given name.
func (e *Event) TagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}
