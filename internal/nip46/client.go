package nip46

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AustinKelsay/snstr-sub003/internal/connstring"
	"github.com/AustinKelsay/snstr-sub003/internal/identity"
	"github.com/AustinKelsay/snstr-sub003/internal/relay"
	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

// ClientState tracks the handshake lifecycle.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateAwaitingAck
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

const defaultRequestTimeout = 5 * time.Second

// ClientConfig carries client-side knobs. The zero value is usable.
type ClientConfig struct {
	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration
	// AuthDomains restricts hosts an auth challenge URL may point at.
	AuthDomains []string
	// OnAuthChallenge is invoked with a validated challenge URL. The
	// pending request stays open until it resolves or times out.
	OnAuthChallenge func(url string)

	Logger *slog.Logger
}

// callResult separates locally generated rejections (err) from wire
// responses (resp), so a remote signer cannot spoof local sentinels by
// echoing their text in the error field.
type callResult struct {
	resp Response
	err  error
}

type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

// Client drives the remote-signing handshake and request/response
// exchange from the application side.
type Client struct {
	privHex string
	pubHex  string
	relay   relay.Relay
	cfg     ClientConfig

	mu      sync.Mutex
	state   ClientState
	remote  string
	subID   string
	pending map[string]*pendingCall

	log *slog.Logger
}

// NewClient builds a client around its own transport key. The key
// identifies this client to the signer and never signs user events.
func NewClient(privHex string, r relay.Relay, cfg ClientConfig) (*Client, error) {
	pub, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return nil, fmt.Errorf("derive client pubkey: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		privHex: privHex,
		pubHex:  pub,
		relay:   r,
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
		log:     logger,
	}, nil
}

// State reports the current handshake state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect parses a signer-minted connection string, subscribes for
// replies and performs the connect handshake. Only the literal "ack"
// completes it; in particular a pubkey in the result is rejected.
func (c *Client) Connect(ctx context.Context, connString string) error {
	desc, err := connstring.Parse(connString)
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	if desc.Role != connstring.RoleSignerInitiated {
		return fmt.Errorf("parse connection string: not a signer-minted string")
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: already %s", c.state)
	}
	c.state = StateConnecting
	c.remote = desc.RemotePubKey
	c.mu.Unlock()

	filter := nostr.Filter{
		Kinds:   []int{nostr.KindNostrConnect},
		Authors: []string{desc.RemotePubKey},
		PTags:   []string{c.pubHex},
	}
	subID, err := c.relay.Subscribe(ctx, filter, c.handleEvent)
	if err != nil {
		c.reset()
		return fmt.Errorf("subscribe for responses: %w", err)
	}
	c.mu.Lock()
	c.subID = subID
	c.state = StateAwaitingAck
	c.mu.Unlock()

	result, err := c.rpc(ctx, MethodConnect, []string{desc.RemotePubKey, desc.Secret})
	if err != nil {
		c.teardown()
		return err
	}
	if result != "ack" {
		c.teardown()
		return fmt.Errorf("connect: unexpected acknowledgement")
	}
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info("signer connected", "pubkey", desc.RemotePubKey)
	return nil
}

// Disconnect rejects every pending call and releases the
// subscription. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	subID := c.subID
	c.subID = ""
	c.state = StateDisconnected
	c.remote = ""
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if subID != "" {
		c.relay.Unsubscribe(subID)
	}
	for _, call := range calls {
		call.timer.Stop()
		call.ch <- callResult{err: ErrConnectionClosed}
	}
}

func (c *Client) reset() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.remote = ""
	c.mu.Unlock()
}

// RemoteSignerKey reports the signer's transport pubkey from the
// connection string. Callers compare it against GetPublicKey to
// confirm the transport identity is not the signing identity.
func (c *Client) RemoteSignerKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// GetPublicKey returns the user public key held behind the signer.
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	return c.call(ctx, MethodGetPublicKey, nil)
}

// Ping checks signer liveness.
func (c *Client) Ping(ctx context.Context) error {
	result, err := c.call(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if result != "pong" {
		return fmt.Errorf("%w: unexpected ping reply", ErrExecution)
	}
	return nil
}

// SignEvent submits a draft for remote signing and returns the signed
// event after verifying its signature locally.
func (c *Client) SignEvent(ctx context.Context, draft *nostr.Event) (*nostr.Event, error) {
	raw, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}
	result, err := c.call(ctx, MethodSignEvent, []string{string(raw)})
	if err != nil {
		return nil, err
	}
	var signed nostr.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return nil, fmt.Errorf("%w: malformed signed event", ErrExecution)
	}
	if ok, err := signed.Verify(); err != nil || !ok {
		return nil, fmt.Errorf("%w: remote signature invalid", ErrExecution)
	}
	return &signed, nil
}

// Nip04Encrypt asks the signer to encrypt with the user key, legacy
// scheme.
func (c *Client) Nip04Encrypt(ctx context.Context, counterparty, plaintext string) (string, error) {
	return c.call(ctx, MethodNip04Encrypt, []string{counterparty, plaintext})
}

// Nip04Decrypt asks the signer to decrypt a legacy payload.
func (c *Client) Nip04Decrypt(ctx context.Context, counterparty, payload string) (string, error) {
	return c.call(ctx, MethodNip04Decrypt, []string{counterparty, payload})
}

// Nip44Encrypt asks the signer to encrypt with the user key.
func (c *Client) Nip44Encrypt(ctx context.Context, counterparty, plaintext string) (string, error) {
	return c.call(ctx, MethodNip44Encrypt, []string{counterparty, plaintext})
}

// Nip44Decrypt asks the signer to decrypt a payload.
func (c *Client) Nip44Decrypt(ctx context.Context, counterparty, payload string) (string, error) {
	return c.call(ctx, MethodNip44Decrypt, []string{counterparty, payload})
}

// call guards remote operations behind the connected state.
func (c *Client) call(ctx context.Context, method string, params []string) (string, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}
	return c.rpc(ctx, method, params)
}

// rpc sends one request and waits for its response, the deadline or
// disconnect, whichever comes first.
func (c *Client) rpc(ctx context.Context, method string, params []string) (string, error) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == "" {
		return "", ErrNotConnected
	}

	id, err := NewRequestID()
	if err != nil {
		return "", err
	}
	ev, err := sealEnvelope(c.privHex, remote, Request{ID: id, Method: method, Params: params}, false, time.Now())
	if err != nil {
		return "", err
	}

	call := &pendingCall{ch: make(chan callResult, 1)}
	call.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		if c.takePending(id) != nil {
			call.ch <- callResult{err: ErrTimeout}
		}
	})
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.relay.Publish(ctx, ev); err != nil {
		if c.takePending(id) != nil {
			call.timer.Stop()
		}
		return "", fmt.Errorf("publish request: %w", err)
	}

	select {
	case res := <-call.ch:
		if res.err != nil {
			return "", res.err
		}
		if res.resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrExecution, res.resp.Error)
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		if c.takePending(id) != nil {
			call.timer.Stop()
		}
		return "", ctx.Err()
	}
}

// takePending removes and returns the call for id, or nil if it was
// already claimed. Exactly one claimant wins, so each call is resolved
// once.
func (c *Client) takePending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// handleEvent processes a response event from the signer.
func (c *Client) handleEvent(ev *nostr.Event) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if ev == nil || ev.PubKey != remote {
		return
	}
	if ok, err := ev.Verify(); err != nil || !ok {
		return
	}
	plain, _, err := openEnvelope(c.privHex, ev)
	if err != nil {
		return
	}
	var resp Response
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return
	}

	if resp.Result == resultAuthChallenge {
		// The request stays pending until it is answered again or
		// times out; only a vetted URL reaches the application.
		if err := ValidateAuthURL(resp.Error, c.cfg.AuthDomains); err != nil {
			c.log.Warn("rejected auth challenge url", "reason", err.Error())
			return
		}
		if c.cfg.OnAuthChallenge != nil {
			c.cfg.OnAuthChallenge(resp.Error)
		}
		return
	}

	call := c.takePending(resp.ID)
	if call == nil {
		return
	}
	call.timer.Stop()
	call.ch <- callResult{resp: resp}
}

// GenerateConnectionString mints a client-initiated nostrconnect://
// string advertising this client's transport key.
func (c *Client) GenerateConnectionString(relays, perms []string, name string) (string, error) {
	secret, err := identity.NewSecretToken()
	if err != nil {
		return "", err
	}
	return connstring.Build(&connstring.Descriptor{
		Role:         connstring.RoleClientInitiated,
		RemotePubKey: c.pubHex,
		Relays:       relays,
		Secret:       secret,
		Permissions:  perms,
		Name:         name,
	})
}
