package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AustinKelsay/snstr-sub003/pkg/nostr"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 512 * 1024
)

// WSRelay speaks the EVENT/REQ/CLOSE wire protocol over a single
// websocket connection. Reconnection is the caller's concern.
type WSRelay struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	subs   map[string]busSub

	closeOnce sync.Once
	done      chan struct{}
	readWG    sync.WaitGroup
}

// Dial connects to a ws:// or wss:// relay and starts the read loop.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*WSRelay, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, ErrInvalidAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, ErrDialFailed
	}
	conn.SetReadLimit(wsMaxMessageSize)

	r := &WSRelay{
		url:    u.String(),
		conn:   conn,
		logger: logger,
		subs:   make(map[string]busSub),
		done:   make(chan struct{}),
	}
	r.readWG.Add(1)
	go r.readLoop()
	return r, nil
}

func (r *WSRelay) URL() string { return r.url }

func (r *WSRelay) Publish(ctx context.Context, ev *nostr.Event) error {
	if err := r.write(ctx, []any{"EVENT", ev}); err != nil {
		return ErrPublishFailed
	}
	return nil
}

func (r *WSRelay) Subscribe(ctx context.Context, f nostr.Filter, h Handler) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	id := newSubID()
	r.subs[id] = busSub{filter: f, handler: h}
	r.mu.Unlock()

	if err := r.write(ctx, []any{"REQ", id, f}); err != nil {
		r.Unsubscribe(id)
		return "", err
	}
	return id, nil
}

func (r *WSRelay) Unsubscribe(id string) {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	closed := r.closed
	r.mu.Unlock()
	if ok && !closed {
		_ = r.write(context.Background(), []any{"CLOSE", id})
	}
}

func (r *WSRelay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.subs = make(map[string]busSub)
		r.mu.Unlock()
		close(r.done)
		_ = r.conn.Close()
		r.readWG.Wait()
	})
	return nil
}

func (r *WSRelay) write(ctx context.Context, msg []any) error {
	select {
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, raw)
}

func (r *WSRelay) readLoop() {
	defer r.readWG.Done()
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Debug("relay read loop ended", "relay", r.url, "err", err)
			}
			return
		}
		r.dispatch(raw)
	}
}

func (r *WSRelay) dispatch(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			return
		}
		r.mu.Lock()
		sub, ok := r.subs[subID]
		r.mu.Unlock()
		// Relays are not trusted to filter correctly; re-check locally.
		if ok && sub.filter.Matches(&ev) {
			sub.handler(&ev)
		}
	case "NOTICE":
		var note string
		_ = json.Unmarshal(frame[1], &note)
		r.logger.Debug("relay notice", "relay", r.url, "notice", note)
	case "OK", "EOSE", "CLOSED":
		// Acks and end-of-stored-events need no action here.
	}
}
