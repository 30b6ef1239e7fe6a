// Package wsloop is the default transport.Factory: one gorilla/websocket
// connection per document, multiplexing subscribe/publish/resubscribe
// frames over a small JSON envelope and supervising the read pump with
// errgroup so a dropped connection is handled by one supervised reconnect
// loop rather than a goroutine leak.
package wsloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/collabdoc/internal/apperrors"
	"github.com/rpggio/collabdoc/internal/transport"
	"golang.org/x/sync/errgroup"
)

// frame is the wire envelope for every message exchanged over the socket.
// Op is set on client->server control frames ("subscribe", "publish",
// "resubscribe"); it is empty on server->client data frames, which are
// instead routed by Channel+Type to the matching subscription handler.
type frame struct {
	Op      string          `json:"op,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type,omitempty"`
	Ext     any             `json:"ext,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Subs    []subEntry      `json:"subs,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subEntry struct {
	Channel string `json:"channel"`
	Ext     any    `json:"ext"`
}

// Backoff configures reconnect pacing after an unexpected disconnect.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

func (b Backoff) orDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	return b
}

// Factory dials BaseURL + "/" + docID for every document, handing callers
// a Session that reconnects on its own per Backoff.
type Factory struct {
	BaseURL string
	Backoff Backoff
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Factory) dialer() *websocket.Dialer {
	if f.Dialer != nil {
		return f.Dialer
	}
	return websocket.DefaultDialer
}

// Connect implements transport.Factory.
func (f *Factory) Connect(ctx context.Context, docID string, tokens transport.TokenSource) (transport.Session, error) {
	s := &session{
		factory:  f,
		docID:    docID,
		tokens:   tokens,
		backoff:  f.Backoff.orDefaults(),
		handlers: make(map[string]transport.MessageHandler),
		logger:   f.logger().With("doc", docID),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.dial(ctx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSubscriptionFailed, err)
	}

	s.group, s.groupCtx = errgroup.WithContext(s.ctx)
	s.group.Go(func() error { return s.readPump() })

	s.fireHandshake(false)
	return s, nil
}

type session struct {
	factory *Factory
	docID   string
	tokens  transport.TokenSource
	backoff Backoff
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	group    *errgroup.Group
	groupCtx context.Context

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu           sync.Mutex
	handlers     map[string]transport.MessageHandler
	handshakeCbs []transport.HandshakeHandler
	handshaken   bool
	closed       bool
}

func (s *session) dial(ctx context.Context) error {
	u, err := url.Parse(s.factory.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	u.Path = joinPath(u.Path, s.docID)

	header := http.Header{}
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := s.factory.dialer().DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return nil
}

func joinPath(base, docID string) string {
	if len(base) == 0 || base[len(base)-1] != '/' {
		base += "/"
	}
	return base + url.PathEscape(docID)
}

func (s *session) fireHandshake(isReconnect bool) {
	s.mu.Lock()
	s.handshaken = true
	cbs := append([]transport.HandshakeHandler(nil), s.handshakeCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(isReconnect)
	}
}

// readPump decodes frames off the socket until it errors, then redials
// with exponential backoff (doubling from Backoff.Min, capped at
// Backoff.Max) until a dial succeeds or the session is closed. It never
// gives up on its own: failed redials are only logged and do not reach
// SyncDriver's data status.
func (s *session) readPump() error {
	backoff := s.backoff.Min
	for {
		err := s.readUntilError()
		if s.isClosed() {
			return nil
		}
		s.logger.Warn("websocket read loop ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-s.groupCtx.Done():
			return s.groupCtx.Err()
		case <-time.After(backoff):
		}

		if dialErr := s.dial(s.ctx); dialErr != nil {
			s.logger.Error("reconnect dial failed", "error", dialErr)
			backoff = nextBackoff(backoff, s.backoff.Max)
			continue
		}
		backoff = s.backoff.Min
		s.fireHandshake(true)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (s *session) readUntilError() error {
	for {
		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()
		if conn == nil {
			return fmt.Errorf("no active connection")
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		s.mu.Lock()
		handler, ok := s.handlers[f.Channel]
		s.mu.Unlock()
		if !ok {
			continue
		}

		var data map[string]any
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				s.logger.Error("failed to decode frame data", "channel", f.Channel, "error", err)
				continue
			}
		}
		handler(transport.Message{Type: f.Type, Data: data})
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) writeFrame(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no active connection")
	}
	return s.conn.WriteJSON(f)
}

// Subscribe implements transport.Session.
func (s *session) Subscribe(ctx context.Context, channel string, ext any, handler transport.MessageHandler) (transport.Subscription, error) {
	s.mu.Lock()
	s.handlers[channel] = handler
	s.mu.Unlock()

	if err := s.writeFrame(frame{Op: "subscribe", Channel: channel, Ext: ext}); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSubscriptionFailed, err)
	}
	return &subscription{session: s, channel: channel}, nil
}

// Publish implements transport.Session.
func (s *session) Publish(ctx context.Context, channel string, payload any) error {
	return s.writeFrame(frame{Op: "publish", Channel: channel, Payload: payload})
}

// OnHandshake implements transport.Session. Connect performs the initial
// handshake before any caller can register, so a cb registered after it
// is invoked once immediately with isReconnect=false.
func (s *session) OnHandshake(cb transport.HandshakeHandler) func() {
	s.mu.Lock()
	idx := len(s.handshakeCbs)
	s.handshakeCbs = append(s.handshakeCbs, cb)
	replay := s.handshaken
	s.mu.Unlock()
	if replay {
		cb(false)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if idx < len(s.handshakeCbs) {
				s.handshakeCbs[idx] = func(bool) {}
			}
		})
	}
}

// Resubscribe implements transport.Session: one "resubscribe" frame
// carrying every (channel, ext) pair, so the server can restore all of a
// document's channel subscriptions in one round trip (spec.md §4.6
// invariant P11).
func (s *session) Resubscribe(ctx context.Context, reqs []transport.ResubscribeRequest) error {
	subs := make([]subEntry, 0, len(reqs))
	for _, r := range reqs {
		subs = append(subs, subEntry{Channel: r.Channel, Ext: r.Ext})
	}
	return s.writeFrame(frame{Op: "resubscribe", Subs: subs})
}

// Close implements transport.Session.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	_ = s.group.Wait()
	return err
}

type subscription struct {
	session *session
	channel string
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Cancel() {
	s.session.mu.Lock()
	delete(s.session.handlers, s.channel)
	s.session.mu.Unlock()
}
