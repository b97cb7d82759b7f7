package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"kraken-core/internal/telemetry"
)

const (
	PublicWSURL  = "wss://ws.kraken.com/v2"
	PrivateWSURL = "wss://ws-auth.kraken.com/v2"

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultStaleAfter   = 15 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultBackoffMin   = time.Second
	defaultBackoffMax   = 30 * time.Second
	defaultBuffer       = 256
)

// ReconnectGate vetoes reconnect attempts while a reconnect circuit is open.
type ReconnectGate interface {
	AllowReconnect() error
	RecordReconnect(err error) error
	ReconnectCooldownRemaining() time.Duration
}

type StreamOptions struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// StaleAfter is the silence after which the connection is presumed dead.
	StaleAfter   time.Duration
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	// Buffer is the per-subscriber channel capacity.
	Buffer int
	Gate   ReconnectGate
}

func (o StreamOptions) withDefaults(url string) StreamOptions {
	if o.URL == "" {
		o.URL = url
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = defaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	return o
}

// Subscription is one subscribe request in the form it was issued.
type Subscription struct {
	Channel string
	Symbols []string
	Options map[string]any
}

type wsRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	ReqID  int64          `json:"req_id,omitempty"`
}

type wsMessage struct {
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	ReqID   int64           `json:"req_id"`
	Result  json.RawMessage `json:"result"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type symbolOnly struct {
	Symbol string `json:"symbol"`
}

type subscribeResult struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// dataHandler receives the filtered items of one data message, in arrival order.
type dataHandler func(channel, typ string, items []json.RawMessage)

// socket is one long-lived websocket that survives reconnects. Every
// subscription it has issued is replayed on a new connection before any
// inbound message from that connection is dispatched.
type socket struct {
	name    string
	opts    StreamOptions
	handler dataHandler
	token   func(ctx context.Context) (string, error)

	reqID       atomic.Int64
	lastMessage atomic.Int64
	connected   atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    []Subscription
	active  map[string]bool
	writeMu sync.Mutex
}

func newSocket(name string, opts StreamOptions, handler dataHandler) *socket {
	return &socket{
		name:    name,
		opts:    opts,
		handler: handler,
		active:  make(map[string]bool),
	}
}

func activeKey(channel, symbol string) string {
	return channel + "|" + symbol
}

// Run connects and reconnects until ctx is done.
func (s *socket) Run(ctx context.Context) error {
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.opts.Gate != nil {
			if err := s.opts.Gate.AllowReconnect(); err != nil {
				wait := s.opts.Gate.ReconnectCooldownRemaining()
				if wait <= 0 {
					wait = s.opts.BackoffMin
				}
				log.Warn().Err(err).Str("stream", s.name).Dur("wait", wait).Msg("ws_reconnect_blocked")
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}
		conn, err := s.connect(ctx)
		if s.opts.Gate != nil {
			_ = s.opts.Gate.RecordReconnect(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := reconnectBackoff(retry, s.opts.BackoffMin, s.opts.BackoffMax)
			retry++
			log.Warn().Err(err).Str("stream", s.name).Int("retry", retry).Dur("delay", delay).Msg("ws_connect_failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}
		if retry > 0 {
			telemetry.WSReconnects.WithLabelValues(s.name).Inc()
			log.Info().Str("stream", s.name).Int("after_retries", retry).Msg("ws_reconnected")
		}
		retry = 0
		err = s.readLoop(ctx, conn)
		s.disconnect(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("stream", s.name).Msg("ws_disconnected")
		retry = 1
		if err := sleepCtx(ctx, reconnectBackoff(0, s.opts.BackoffMin, s.opts.BackoffMax)); err != nil {
			return err
		}
	}
}

func reconnectBackoff(retry int, min, max time.Duration) time.Duration {
	if retry > 16 {
		return max
	}
	delay := min << retry
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// connect dials and replays every subscription before returning, so the
// read loop only starts once the replay has been written.
func (s *socket) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	token := ""
	if s.token != nil {
		token, err = s.token(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ws token: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.active = make(map[string]bool)
	for _, sub := range s.subs {
		if err := s.sendLocked(conn, "subscribe", sub, token); err != nil {
			s.conn = nil
			_ = conn.Close()
			return nil, fmt.Errorf("replay %s: %w", sub.Channel, err)
		}
	}
	s.touch()
	s.connected.Store(true)
	log.Info().Str("stream", s.name).Int("subscriptions", len(s.subs)).Msg("ws_connected")
	return conn, nil
}

func (s *socket) disconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.active = make(map[string]bool)
	}
	s.mu.Unlock()
	s.connected.Store(false)
	_ = conn.Close()
}

func (s *socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		// The read deadline is the liveness watchdog: any inbound message
		// pushes it out, silence past StaleAfter forces a reconnect.
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.StaleAfter))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.touch()
		s.dispatch(raw)
	}
}

func (s *socket) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, wsRequest{Method: "ping", ReqID: s.reqID.Add(1)}); err != nil {
				log.Debug().Err(err).Str("stream", s.name).Msg("ws_ping_failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *socket) dispatch(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("stream", s.name).Msg("ws_decode_failed")
		return
	}
	switch {
	case msg.Method == "subscribe" || msg.Method == "unsubscribe" || msg.Type == "subscribe":
		s.handleAck(msg)
		return
	case msg.Method != "":
		return
	case msg.Channel == "heartbeat" || msg.Channel == "status" || msg.Channel == "":
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		log.Debug().Err(err).Str("stream", s.name).Str("channel", msg.Channel).Msg("ws_decode_failed")
		return
	}
	kept := items[:0]
	s.mu.Lock()
	channelActive := s.active[activeKey(msg.Channel, "")]
	for _, item := range items {
		if channelActive {
			kept = append(kept, item)
			continue
		}
		var sym symbolOnly
		_ = json.Unmarshal(item, &sym)
		if sym.Symbol != "" && s.active[activeKey(msg.Channel, NormalizeSymbol(sym.Symbol))] {
			kept = append(kept, item)
		}
	}
	s.mu.Unlock()
	if len(kept) == 0 {
		return
	}
	s.safeHandle(msg.Channel, msg.Type, kept)
}

func (s *socket) safeHandle(channel, typ string, items []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stream", s.name).Str("channel", channel).Interface("panic", r).Msg("ws_handler_panic")
		}
	}()
	s.handler(channel, typ, items)
}

func (s *socket) handleAck(msg wsMessage) {
	var res subscribeResult
	if len(msg.Result) > 0 {
		_ = json.Unmarshal(msg.Result, &res)
	}
	if msg.Success != nil && !*msg.Success {
		log.Warn().Str("stream", s.name).Str("method", msg.Method).Int64("req_id", msg.ReqID).
			Str("channel", res.Channel).Str("symbol", res.Symbol).Str("error", msg.Error).Msg("ws_subscribe_rejected")
		if msg.Method == "subscribe" && res.Channel != "" {
			s.mu.Lock()
			delete(s.active, activeKey(res.Channel, NormalizeSymbol(res.Symbol)))
			s.mu.Unlock()
		}
		return
	}
	log.Debug().Str("stream", s.name).Str("method", msg.Method).Int64("req_id", msg.ReqID).
		Str("channel", res.Channel).Str("symbol", res.Symbol).Msg("ws_ack")
}

// Subscribe records sub for replay and sends it if a connection is up.
func (s *socket) Subscribe(sub Subscription) error {
	if sub.Channel == "" {
		return errors.New("channel required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]string, 0, len(sub.Symbols))
	for _, symbol := range sub.Symbols {
		symbol = NormalizeSymbol(symbol)
		if !s.intendedLocked(sub.Channel, symbol) {
			fresh = append(fresh, symbol)
		}
	}
	if len(sub.Symbols) > 0 && len(fresh) == 0 {
		return nil
	}
	if len(sub.Symbols) == 0 && s.intendedLocked(sub.Channel, "") {
		return nil
	}
	sub.Symbols = fresh
	s.subs = append(s.subs, sub)
	if s.conn == nil {
		return nil
	}
	return s.sendLocked(s.conn, "subscribe", sub, "")
}

// Unsubscribe drops symbols from the replay set. Data for them is filtered
// from the moment this returns.
func (s *socket) Unsubscribe(channel string, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		remove[NormalizeSymbol(symbol)] = true
	}
	var removed []string
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.Channel != channel {
			kept = append(kept, sub)
			continue
		}
		left := sub.Symbols[:0:0]
		for _, symbol := range sub.Symbols {
			if remove[symbol] {
				removed = append(removed, symbol)
				continue
			}
			left = append(left, symbol)
		}
		if len(left) > 0 {
			sub.Symbols = left
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	for _, symbol := range removed {
		delete(s.active, activeKey(channel, symbol))
	}
	if s.conn == nil || len(removed) == 0 {
		return nil
	}
	return s.sendLocked(s.conn, "unsubscribe", Subscription{Channel: channel, Symbols: removed}, "")
}

func (s *socket) intendedLocked(channel, symbol string) bool {
	for _, sub := range s.subs {
		if sub.Channel != channel {
			continue
		}
		if symbol == "" && len(sub.Symbols) == 0 {
			return true
		}
		for _, existing := range sub.Symbols {
			if existing == symbol {
				return true
			}
		}
	}
	return false
}

// Subscriptions returns the replay set in issue order.
func (s *socket) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		cp := sub
		cp.Symbols = append([]string(nil), sub.Symbols...)
		out = append(out, cp)
	}
	return out
}

func (s *socket) sendLocked(conn *websocket.Conn, method string, sub Subscription, token string) error {
	params := make(map[string]any, len(sub.Options)+3)
	for k, v := range sub.Options {
		params[k] = v
	}
	params["channel"] = sub.Channel
	if len(sub.Symbols) > 0 {
		params["symbol"] = sub.Symbols
	}
	if s.token != nil {
		if token == "" {
			t, err := s.token(context.Background())
			if err != nil {
				return err
			}
			token = t
		}
		params["token"] = token
	}
	req := wsRequest{Method: method, Params: params, ReqID: s.reqID.Add(1)}
	if err := s.write(conn, req); err != nil {
		return err
	}
	if method == "subscribe" {
		if len(sub.Symbols) == 0 {
			s.active[activeKey(sub.Channel, "")] = true
		}
		for _, symbol := range sub.Symbols {
			s.active[activeKey(sub.Channel, symbol)] = true
		}
	}
	log.Debug().Str("stream", s.name).Str("method", method).Str("channel", sub.Channel).
		Str("symbols", strings.Join(sub.Symbols, ",")).Int64("req_id", req.ReqID).Msg("ws_request")
	return nil
}

func (s *socket) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (s *socket) touch() {
	s.lastMessage.Store(time.Now().UnixNano())
}

func (s *socket) LastMessage() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Healthy reports a live connection that has heard from the server within
// StaleAfter.
func (s *socket) Healthy() bool {
	if !s.connected.Load() {
		return false
	}
	return time.Since(s.LastMessage()) < s.opts.StaleAfter
}

func (s *socket) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// fanout delivers values to every subscriber without ever blocking the
// sender. A full subscriber loses the value and the drop is counted.
type fanout[T any] struct {
	stream  string
	channel string
	buffer  int

	mu      sync.Mutex
	subs    []chan T
	closed  bool
	dropped atomic.Uint64
}

func newFanout[T any](stream, channel string, buffer int) *fanout[T] {
	return &fanout[T]{stream: stream, channel: channel, buffer: buffer}
}

func (f *fanout[T]) subscribe() <-chan T {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan T, f.buffer)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	return ch
}

func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			n := f.dropped.Add(1)
			telemetry.WSDropped.WithLabelValues(f.stream, f.channel).Inc()
			if n == 1 || n%1000 == 0 {
				log.Warn().Str("stream", f.stream).Str("channel", f.channel).Uint64("dropped", n).Msg("ws_subscriber_slow")
			}
		}
	}
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func (f *fanout[T]) Dropped() uint64 {
	return f.dropped.Load()
}
