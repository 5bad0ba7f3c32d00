package nip46

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AustinKelsay/snstr-sub003/internal/connstring"
	"github.com/AustinKelsay/snstr-sub003/internal/identity"
	"github.com/AustinKelsay/snstr-sub003/internal/relay"
	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

// panicRelay fails the test if the client touches the network.
type panicRelay struct {
	t *testing.T
}

func (r *panicRelay) Publish(context.Context, *nostr.Event) error {
	r.t.Fatal("unexpected network call")
	return nil
}

func (r *panicRelay) Subscribe(context.Context, nostr.Filter, relay.Handler) (string, error) {
	r.t.Fatal("unexpected network call")
	return "", nil
}

func (r *panicRelay) Unsubscribe(string) {}
func (r *panicRelay) Close() error       { return nil }

// silentRelay accepts traffic but never answers.
type silentRelay struct {
	mu   sync.Mutex
	subs int
}

func (r *silentRelay) Publish(context.Context, *nostr.Event) error { return nil }

func (r *silentRelay) Subscribe(context.Context, nostr.Filter, relay.Handler) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs++
	return "silent-sub", nil
}

func (r *silentRelay) Unsubscribe(string) {}
func (r *silentRelay) Close() error       { return nil }

func startTestService(t *testing.T, bus *relay.Bus, cfg BunkerConfig) (*Bunker, string) {
	t.Helper()
	keys, err := identity.NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	b := NewBunker(keys, bus, cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(b.Stop)
	t.Cleanup(keys.Wipe)
	cs, err := b.ConnectionString([]string{"wss://relay.example.com"})
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return b, cs
}

func newTestClient(t *testing.T, r relay.Relay, cfg ClientConfig) *Client {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	c, err := NewClient(priv, r, cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestMalformedConnectionStringNoNetworkCall(t *testing.T) {
	c := newTestClient(t, &panicRelay{t: t}, ClientConfig{})
	bad := "bunker://zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	if err := c.Connect(context.Background(), bad); err == nil {
		t.Fatal("invalid pubkey accepted")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state not reset: %s", c.State())
	}
}

func TestRequestTimeoutAgainstSilentService(t *testing.T) {
	c := newTestClient(t, &silentRelay{}, ClientConfig{RequestTimeout: 100 * time.Millisecond})
	secret := "0123456789abcdef"
	cs := "bunker://" + mustPubkey(t) + "?relay=wss%3A%2F%2Frelay.example.com&secret=" + secret

	start := time.Now()
	err := c.Connect(context.Background(), cs)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v", elapsed)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after failed connect: %s", c.State())
	}
}

func TestDisconnectRejectsPendingCalls(t *testing.T) {
	c := newTestClient(t, &silentRelay{}, ClientConfig{RequestTimeout: 5 * time.Second})
	c.mu.Lock()
	c.state = StateConnected
	c.remote = mustPubkey(t)
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Ping(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("want ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected on disconnect")
	}
	c.Disconnect()
}

// echoRelay plays a signer that answers every request with a fixed
// error string on the wire.
type echoRelay struct {
	c          *Client
	remotePriv string
	wireError  string
}

func (r *echoRelay) Publish(_ context.Context, ev *nostr.Event) error {
	plain, _, err := openEnvelope(r.remotePriv, ev)
	if err != nil {
		return err
	}
	var req Request
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		return err
	}
	resp, err := sealEnvelope(r.remotePriv, ev.PubKey,
		Response{ID: req.ID, Error: r.wireError}, false, time.Now())
	if err != nil {
		return err
	}
	go r.c.handleEvent(resp)
	return nil
}

func (r *echoRelay) Subscribe(context.Context, nostr.Filter, relay.Handler) (string, error) {
	return "echo-sub", nil
}

func (r *echoRelay) Unsubscribe(string) {}
func (r *echoRelay) Close() error       { return nil }

func TestSpoofedSentinelErrorsStayRemote(t *testing.T) {
	remotePriv, remotePub := testKeypair(t)
	er := &echoRelay{remotePriv: remotePriv, wireError: ErrTimeout.Error()}
	c := newTestClient(t, er, ClientConfig{RequestTimeout: 2 * time.Second})
	er.c = c
	c.mu.Lock()
	c.state = StateConnected
	c.remote = remotePub
	c.mu.Unlock()

	// A signer echoing the local sentinel text must still surface as a
	// remote execution failure, never as the sentinel itself.
	err := c.Ping(context.Background())
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("want remote execution error, got %v", err)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("wire error spoofed a local sentinel: %v", err)
	}

	er.wireError = ErrConnectionClosed.Error()
	err = c.Ping(context.Background())
	if !errors.Is(err, ErrExecution) || errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("wire error spoofed a local sentinel: %v", err)
	}
}

func TestCallsRequireConnection(t *testing.T) {
	c := newTestClient(t, &silentRelay{}, ClientConfig{})
	if _, err := c.GetPublicKey(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestClientRejectsClientInitiatedString(t *testing.T) {
	c := newTestClient(t, &panicRelay{t: t}, ClientConfig{})
	cs := "nostrconnect://" + mustPubkey(t) + "?relay=wss%3A%2F%2Frelay.example.com"
	if err := c.Connect(context.Background(), cs); err == nil {
		t.Fatal("client-initiated string accepted by Connect")
	}
}

func TestGenerateConnectionStringRoundTrips(t *testing.T) {
	c := newTestClient(t, &silentRelay{}, ClientConfig{})
	cs, err := c.GenerateConnectionString(
		[]string{"wss://relay.example.com"}, []string{"sign_event:1"}, "demo app")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	desc, err := connstring.Parse(cs)
	if err != nil {
		t.Fatalf("parse generated string: %v", err)
	}
	if desc.RemotePubKey != c.pubHex {
		t.Fatal("generated string does not carry the client pubkey")
	}
	if len(desc.Secret) < 16 {
		t.Fatalf("secret too short: %d", len(desc.Secret))
	}
}

func TestEndToEndSignEventOverBus(t *testing.T) {
	bus := relay.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	b, cs := startTestService(t, bus, BunkerConfig{
		DefaultPermissions: []string{"sign_event:1", "get_public_key", "ping"},
	})
	c := newTestClient(t, bus, ClientConfig{RequestTimeout: 3 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx, cs); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after connect: %s", c.State())
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	userPub, err := c.GetPublicKey(ctx)
	if err != nil {
		t.Fatalf("get_public_key: %v", err)
	}
	if userPub == c.RemoteSignerKey() {
		t.Fatal("signing identity equals transport identity")
	}
	if userPub != b.keys.UserPublicKey() {
		t.Fatal("wrong signing identity returned")
	}

	signed, err := c.SignEvent(ctx, &nostr.Event{
		Kind:    1,
		Tags:    [][]string{},
		Content: "delegated hello",
	})
	if err != nil {
		t.Fatalf("sign_event: %v", err)
	}
	if signed.PubKey != userPub {
		t.Fatal("event signed by the wrong identity")
	}
	if ok, err := signed.Verify(); err != nil || !ok {
		t.Fatalf("remote signature invalid: %v", err)
	}

	if _, err := c.SignEvent(ctx, &nostr.Event{Kind: 4, Content: "dm"}); err == nil {
		t.Fatal("kind-4 signing allowed under a kind-1 grant")
	}
}

func TestEndToEndAuthChallengeOverBus(t *testing.T) {
	bus := relay.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	b, cs := startTestService(t, bus, BunkerConfig{
		DefaultPermissions: []string{"ping"},
		AuthURL:            "https://auth.example.com/confirm",
	})

	challenged := make(chan string, 1)
	c := newTestClient(t, bus, ClientConfig{
		RequestTimeout: 500 * time.Millisecond,
		AuthDomains:    []string{"example.com"},
		OnAuthChallenge: func(url string) {
			select {
			case challenged <- url:
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx, cs); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.SignEvent(ctx, &nostr.Event{Kind: 1, Content: "needs approval"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("challenged request should time out pending approval, got %v", err)
	}
	select {
	case url := <-challenged:
		if url != "https://auth.example.com/confirm" {
			t.Fatalf("wrong challenge url %q", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auth challenge never surfaced")
	}

	if _, err := b.ResolveAuthChallenge(c.pubHex); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := c.SignEvent(ctx, &nostr.Event{Kind: 1, Content: "needs approval"}); err != nil {
		t.Fatalf("retry after approval failed: %v", err)
	}
}

func mustPubkey(t *testing.T) string {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	return pub
}
