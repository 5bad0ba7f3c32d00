package nip46

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AustinKelsay/snstr-sub003/internal/crypto"
	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

// Remote-signing method names. The set is closed: anything else in an
// incoming request is rejected before dispatch.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodPing         = "ping"
	MethodNip04Encrypt = "nip04_encrypt"
	MethodNip04Decrypt = "nip04_decrypt"
	MethodNip44Encrypt = "nip44_encrypt"
	MethodNip44Decrypt = "nip44_decrypt"
)

var knownMethods = map[string]struct{}{
	MethodConnect:      {},
	MethodGetPublicKey: {},
	MethodSignEvent:    {},
	MethodPing:         {},
	MethodNip04Encrypt: {},
	MethodNip04Decrypt: {},
	MethodNip44Encrypt: {},
	MethodNip44Decrypt: {},
}

// Methods whose replayed requests are dropped without any response.
// Answering a replayed decrypt or signature request would hand the
// replayer fresh ciphertext or a second signature.
var sensitiveMethods = map[string]struct{}{
	MethodSignEvent:    {},
	MethodNip04Decrypt: {},
	MethodNip44Decrypt: {},
}

// Methods a signer may escalate to an interactive auth challenge
// instead of denying outright.
var escalatableMethods = map[string]struct{}{
	MethodSignEvent:    {},
	MethodNip04Encrypt: {},
	MethodNip04Decrypt: {},
	MethodNip44Encrypt: {},
	MethodNip44Decrypt: {},
}

// resultAuthChallenge in a response marks the error field as a
// challenge URL rather than a failure message.
const resultAuthChallenge = "auth_url"

// Request is the decrypted body of a remote-signing event.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the decrypted body of a reply. Exactly one of Result and
// Error carries meaning, except for auth challenges where Result is
// "auth_url" and Error holds the challenge URL.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewRequestID returns a fresh 32-char hex request identifier.
func NewRequestID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

func isRequestID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// sealEnvelope encrypts a request or response body to the peer and
// wraps it in a signed kind-24133 event. useNip04 selects the legacy
// scheme, used only to mirror the scheme of the message being answered.
func sealEnvelope(privHex, peerPub string, body any, useNip04 bool, now time.Time) (*nostr.Event, error) {
	plain, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope body: %w", err)
	}
	var payload string
	if useNip04 {
		payload, err = crypto.Nip04Encrypt(privHex, peerPub, string(plain))
	} else {
		payload, err = crypto.Nip44Encrypt(privHex, peerPub, string(plain))
	}
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: now.Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      [][]string{{"p", peerPub}},
		Content:   payload,
	}
	if err := ev.Sign(privHex); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return ev, nil
}

// openEnvelope decrypts the event content with whichever scheme its
// payload shape indicates and reports which one was used, so the reply
// can mirror it.
func openEnvelope(privHex string, ev *nostr.Event) (plaintext string, usedNip04 bool, err error) {
	if crypto.IsNip04Payload(ev.Content) {
		plain, err := crypto.Nip04Decrypt(privHex, ev.PubKey, ev.Content)
		return plain, true, err
	}
	plain, err := crypto.Nip44Decrypt(privHex, ev.PubKey, ev.Content)
	return plain, false, err
}
