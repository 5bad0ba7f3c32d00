package nip46

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AustinKelsay/snstr-sub003/internal/connstring"
	"github.com/AustinKelsay/snstr-sub003/internal/crypto"
	"github.com/AustinKelsay/snstr-sub003/internal/identity"
	"github.com/AustinKelsay/snstr-sub003/internal/permissions"
	"github.com/AustinKelsay/snstr-sub003/internal/platform/privacylog"
	"github.com/AustinKelsay/snstr-sub003/internal/platform/ratelimiter"
	"github.com/AustinKelsay/snstr-sub003/internal/relay"
	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

const (
	defaultQueueSize   = 64
	defaultFloodRPS    = 50.0
	defaultFloodBurst  = 100
	maxSignContentSize = 64 * 1024
	maxEventKind       = 65535

	// Earliest created_at accepted on a signing request. Guards
	// against garbage timestamps, not clock skew.
	minEventTimestamp = 1577836800 // 2020-01-01T00:00:00Z
	// Tolerated forward skew on a signing request's created_at.
	maxFutureSkew = time.Hour
)

// BunkerConfig carries the signer service's policy knobs. The zero
// value is usable; unset fields take defaults.
type BunkerConfig struct {
	// DefaultPermissions are granted to every peer on first contact.
	DefaultPermissions []string
	// Secret, when set, must be presented by connect requests.
	Secret string
	// AuthURL, when set, turns permission denials on escalatable
	// methods into interactive challenges pointing at this URL.
	AuthURL string
	// AuthDomains restricts the hosts AuthURL may point at.
	AuthDomains []string

	RateLimit    ratelimiter.Config
	FloodRPS     float64
	FloodBurst   int
	ReplayWindow time.Duration
	ChallengeTTL time.Duration
	QueueSize    int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Bunker holds a user key behind the transport key and answers
// remote-signing requests arriving over the relay.
type Bunker struct {
	keys  *identity.Keyring
	relay relay.Relay
	cfg   BunkerConfig

	limiter    *ratelimiter.Sliding
	flood      *ratelimiter.FloodGuard
	replay     *replayGuard
	perms      *permissions.Registry
	challenges *challengeStore

	queue    chan *nostr.Event
	subID    string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	log           *slog.Logger
	requestsTotal *prometheus.CounterVec
	droppedTotal  prometheus.Counter

	now func() time.Time
}

// NewBunker wires a signer service around the keyring and relay. Start
// must be called before requests are served.
func NewBunker(keys *identity.Keyring, r relay.Relay, cfg BunkerConfig) *Bunker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.FloodRPS <= 0 {
		cfg.FloodRPS = defaultFloodRPS
	}
	if cfg.FloodBurst <= 0 {
		cfg.FloodBurst = defaultFloodBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bunker{
		keys:       keys,
		relay:      r,
		cfg:        cfg,
		limiter:    ratelimiter.NewSliding(cfg.RateLimit),
		flood:      ratelimiter.NewFloodGuard(cfg.FloodRPS, cfg.FloodBurst),
		replay:     newReplayGuard(cfg.ReplayWindow, defaultReplaySweep),
		perms:      permissions.NewRegistry(cfg.DefaultPermissions),
		challenges: newChallengeStore(cfg.ChallengeTTL, time.Now),
		queue:      make(chan *nostr.Event, cfg.QueueSize),
		done:       make(chan struct{}),
		log:        logger,
		now:        time.Now,
	}
	b.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bunker_requests_total",
		Help: "Remote-signing requests by method and outcome.",
	}, []string{"method", "outcome"})
	b.droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bunker_dropped_events_total",
		Help: "Incoming events dropped because the queue was full.",
	})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(b.requestsTotal, b.droppedTotal)
	}
	return b
}

// Start subscribes to requests addressed to the transport key and
// begins serving them.
func (b *Bunker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	filter := nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		PTags: []string{b.keys.TransportPublicKey()},
		Since: b.now().Unix() - 10,
	}
	subID, err := b.relay.Subscribe(ctx, filter, b.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe for signing requests: %w", err)
	}
	b.subID = subID
	b.running = true
	b.wg.Add(1)
	go b.serveLoop()
	b.log.Info("signer service started", "pubkey", b.keys.TransportPublicKey())
	return nil
}

// enqueue hands an event to the serve loop without blocking the relay
// reader. Overflow is dropped and counted.
func (b *Bunker) enqueue(ev *nostr.Event) {
	select {
	case b.queue <- ev:
	default:
		b.droppedTotal.Inc()
		b.log.Warn("request queue full, event dropped", "event_id", ev.ID)
	}
}

func (b *Bunker) serveLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(defaultReplaySweep)
	defer ticker.Stop()
	for {
		select {
		case ev := <-b.queue:
			b.handleEvent(ev)
		case <-ticker.C:
			b.challenges.sweep()
		case <-b.done:
			return
		}
	}
}

// handleEvent runs the full admission pipeline on one request event:
// flood guard, signature check, decrypt, per-peer limiter, replay
// guard, permission check, then execution.
func (b *Bunker) handleEvent(ev *nostr.Event) {
	if ev == nil || ev.Kind != nostr.KindNostrConnect {
		return
	}
	// The flood guard sheds load before any signature or decrypt work
	// is spent on the event.
	if !b.flood.Allow(b.now()) {
		b.requestsTotal.WithLabelValues("unknown", "flood_dropped").Inc()
		return
	}
	if ok, err := ev.Verify(); err != nil || !ok {
		b.requestsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return
	}
	peer := ev.PubKey

	transportKey, err := b.keys.TransportKeyHex()
	if err != nil {
		b.log.Error("keyring unavailable", "reason", err.Error())
		return
	}
	plain, usedNip04, err := openEnvelope(transportKey, ev)
	if err != nil {
		b.requestsTotal.WithLabelValues("unknown", "undecryptable").Inc()
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(plain), &req); err != nil || !isRequestID(req.ID) {
		b.requestsTotal.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	if _, known := knownMethods[req.Method]; !known {
		b.requestsTotal.WithLabelValues("unknown", "unknown_method").Inc()
		b.respond(peer, usedNip04, Response{ID: req.ID, Error: "unsupported method"})
		return
	}

	decision := b.limiter.Allow(peer)
	if !decision.Allowed {
		b.requestsTotal.WithLabelValues(req.Method, "rate_limited").Inc()
		retry := int(decision.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		b.respond(peer, usedNip04, Response{
			ID:    req.ID,
			Error: fmt.Sprintf("rate limited: retry in %ds", retry),
		})
		return
	}

	if !b.replay.firstUse(req.ID) {
		b.requestsTotal.WithLabelValues(req.Method, "replay").Inc()
		b.log.Warn("request replay detected",
			"peer", peer, "request_id", req.ID, "method", req.Method)
		if _, sensitive := sensitiveMethods[req.Method]; sensitive {
			return
		}
		b.respond(peer, usedNip04, Response{ID: req.ID, Error: "request rejected"})
		return
	}

	// First contact merges the default grants, whatever the method.
	b.perms.EnsurePeer(peer)
	resp := b.execute(peer, &req)
	b.respond(peer, usedNip04, resp)
}

// execute dispatches an admitted request and produces its response.
func (b *Bunker) execute(peer string, req *Request) Response {
	switch req.Method {
	case MethodConnect:
		return b.handleConnect(peer, req)
	case MethodPing:
		b.requestsTotal.WithLabelValues(req.Method, "ok").Inc()
		return Response{ID: req.ID, Result: "pong"}
	case MethodGetPublicKey:
		return b.handleGetPublicKey(peer, req)
	case MethodSignEvent:
		return b.handleSignEvent(peer, req)
	case MethodNip04Encrypt, MethodNip04Decrypt, MethodNip44Encrypt, MethodNip44Decrypt:
		return b.handleEncryption(peer, req)
	}
	b.requestsTotal.WithLabelValues(req.Method, "unknown_method").Inc()
	return Response{ID: req.ID, Error: "unsupported method"}
}

// handleConnect admits a peer. The acknowledgement is always the
// literal "ack"; the user public key is only ever released through
// get_public_key.
func (b *Bunker) handleConnect(peer string, req *Request) Response {
	if b.cfg.Secret != "" {
		var presented string
		if len(req.Params) >= 2 {
			presented = req.Params[1]
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(b.cfg.Secret)) != 1 {
			b.requestsTotal.WithLabelValues(req.Method, "denied").Inc()
			b.log.Warn("connect rejected", "peer", peer, "reason", "secret mismatch")
			return Response{ID: req.ID, Error: "unauthorized"}
		}
	}
	// Requested permissions are honored only on an authenticated
	// connect; without a secret the peer keeps the defaults.
	if b.cfg.Secret != "" && len(req.Params) >= 3 && req.Params[2] != "" {
		tokens := splitPermTokens(req.Params[2])
		if len(tokens) > 0 {
			b.perms.Grant(peer, tokens...)
		}
	}
	b.requestsTotal.WithLabelValues(req.Method, "ok").Inc()
	b.log.Info("peer connected", "peer", peer)
	return Response{ID: req.ID, Result: "ack"}
}

func (b *Bunker) handleGetPublicKey(peer string, req *Request) Response {
	if !b.perms.Authorized(peer, "get_public_key", permissions.KindAny) {
		return b.deny(peer, req, permissions.KindAny)
	}
	b.requestsTotal.WithLabelValues(req.Method, "ok").Inc()
	return Response{ID: req.ID, Result: b.keys.UserPublicKey()}
}

func (b *Bunker) handleSignEvent(peer string, req *Request) Response {
	if len(req.Params) < 1 {
		return b.execError(req, "missing event param")
	}
	var draft nostr.Event
	if err := json.Unmarshal([]byte(req.Params[0]), &draft); err != nil {
		return b.execError(req, "malformed event")
	}
	if draft.Kind < 0 || draft.Kind > maxEventKind {
		return b.execError(req, "event kind out of range")
	}
	if len(draft.Content) > maxSignContentSize {
		return b.execError(req, "event content too large")
	}
	now := b.now().Unix()
	if draft.CreatedAt == 0 {
		draft.CreatedAt = now
	}
	if draft.CreatedAt < minEventTimestamp || draft.CreatedAt > now+int64(maxFutureSkew/time.Second) {
		return b.execError(req, "event timestamp out of range")
	}
	for _, tag := range draft.Tags {
		if len(tag) == 0 {
			return b.execError(req, "empty tag")
		}
	}

	if !b.perms.Authorized(peer, "sign_event", draft.Kind) {
		return b.deny(peer, req, draft.Kind)
	}

	userKey, err := b.keys.UserKeyHex()
	if err != nil {
		return b.execError(req, "signing key unavailable")
	}
	if err := draft.Sign(userKey); err != nil {
		return b.execError(req, "signing failed")
	}
	signed, err := json.Marshal(&draft)
	if err != nil {
		return b.execError(req, "marshal signed event")
	}
	b.requestsTotal.WithLabelValues(req.Method, "ok").Inc()
	b.log.Info("event signed", "peer", peer, "kind", draft.Kind,
		"event_id", draft.ID)
	return Response{ID: req.ID, Result: string(signed)}
}

// handleEncryption serves the four encrypt/decrypt methods with the
// user key, so ciphertext interoperates with the user's other clients.
func (b *Bunker) handleEncryption(peer string, req *Request) Response {
	if !b.perms.Authorized(peer, req.Method, permissions.KindAny) {
		return b.deny(peer, req, permissions.KindAny)
	}
	if len(req.Params) < 2 {
		return b.execError(req, "missing params")
	}
	counterparty, payload := req.Params[0], req.Params[1]
	if !nostr.IsValidPublicKey(counterparty) {
		return b.execError(req, "invalid counterparty key")
	}
	userKey, err := b.keys.UserKeyHex()
	if err != nil {
		return b.execError(req, "key unavailable")
	}

	var result string
	switch req.Method {
	case MethodNip04Encrypt:
		result, err = crypto.Nip04Encrypt(userKey, counterparty, payload)
	case MethodNip04Decrypt:
		result, err = crypto.Nip04Decrypt(userKey, counterparty, payload)
	case MethodNip44Encrypt:
		result, err = crypto.Nip44Encrypt(userKey, counterparty, payload)
	case MethodNip44Decrypt:
		result, err = crypto.Nip44Decrypt(userKey, counterparty, payload)
	}
	if err != nil {
		return b.execError(req, "encryption operation failed")
	}
	b.requestsTotal.WithLabelValues(req.Method, "ok").Inc()
	return Response{ID: req.ID, Result: result}
}

// deny refuses an unauthorized request, escalating to an auth
// challenge when the method supports it and a challenge URL is
// configured.
func (b *Bunker) deny(peer string, req *Request, kind int) Response {
	_, escalatable := escalatableMethods[req.Method]
	if escalatable && b.cfg.AuthURL != "" {
		if err := ValidateAuthURL(b.cfg.AuthURL, b.cfg.AuthDomains); err == nil {
			b.challenges.add(peer, permissionToken(req.Method, kind))
			b.requestsTotal.WithLabelValues(req.Method, "auth_challenge").Inc()
			b.log.Info("auth challenge issued", "peer", peer, "method", req.Method)
			return Response{ID: req.ID, Result: resultAuthChallenge, Error: b.cfg.AuthURL}
		}
	}
	b.requestsTotal.WithLabelValues(req.Method, "denied").Inc()
	b.log.Warn("request denied", "peer", peer, "method", req.Method)
	return Response{ID: req.ID, Error: "unauthorized"}
}

func (b *Bunker) execError(req *Request, msg string) Response {
	b.requestsTotal.WithLabelValues(req.Method, "error").Inc()
	return Response{ID: req.ID, Error: msg}
}

// ResolveAuthChallenge approves the peer's pending challenge, granting
// the permission it was waiting on. Returns the granted token.
func (b *Bunker) ResolveAuthChallenge(peer string) (string, error) {
	ch, ok := b.challenges.take(peer)
	if !ok {
		return "", fmt.Errorf("no pending challenge for peer %s", privacylog.Fingerprint(peer))
	}
	b.perms.Grant(peer, ch.token)
	b.log.Info("auth challenge resolved", "peer", peer)
	return ch.token, nil
}

// ConnectionString mints a bunker:// string for this service's
// transport key. The service secret, when configured, is embedded so
// holders of the string can authenticate.
func (b *Bunker) ConnectionString(relays []string) (string, error) {
	return connstring.Build(&connstring.Descriptor{
		Role:         connstring.RoleSignerInitiated,
		RemotePubKey: b.keys.TransportPublicKey(),
		Relays:       relays,
		Secret:       b.cfg.Secret,
	})
}

// Grants reports the peer's current permission tokens.
func (b *Bunker) Grants(peer string) []string {
	return b.perms.Grants(peer)
}

// respond seals and publishes a response, mirroring the scheme of the
// request it answers.
func (b *Bunker) respond(peer string, useNip04 bool, resp Response) {
	transportKey, err := b.keys.TransportKeyHex()
	if err != nil {
		b.log.Error("keyring unavailable", "reason", err.Error())
		return
	}
	ev, err := sealEnvelope(transportKey, peer, resp, useNip04, b.now())
	if err != nil {
		b.log.Error("seal response failed", "peer", peer, "reason", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.relay.Publish(ctx, ev); err != nil {
		b.log.Warn("publish response failed", "peer", peer, "reason", err.Error())
	}
}

// Stop tears the service down. Safe to call more than once; teardown
// errors are logged, not returned.
func (b *Bunker) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		if b.subID != "" {
			b.relay.Unsubscribe(b.subID)
		}
		b.running = false
		b.mu.Unlock()
		close(b.done)
		b.wg.Wait()
		b.limiter.Destroy()
		b.replay.stop()
		b.challenges.clear()
		b.perms.ClearAll()
		b.log.Info("signer service stopped")
	})
}

// permissionToken renders the grant a denied request would need.
func permissionToken(method string, kind int) string {
	if method == MethodSignEvent && kind != permissions.KindAny {
		return method + ":" + strconv.Itoa(kind)
	}
	return method
}

func splitPermTokens(csv string) []string {
	var out []string
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
