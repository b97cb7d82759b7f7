package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

type subRecord struct {
	conn    int32
	method  string
	channel string
	symbols string
	token   string
	depth   string
	reqID   int64
}

type fakeWSServer struct {
	srv      *httptest.Server
	conns    atomic.Int32
	requests chan subRecord
}

// newFakeWSServer reads expectSubs requests per connection, drops the first
// connection, and lets onReady write to later ones.
func newFakeWSServer(t *testing.T, expectSubs int, onReady func(conn *websocket.Conn)) *fakeWSServer {
	t.Helper()
	f := &fakeWSServer{requests: make(chan subRecord, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()
		n := f.conns.Add(1)
		for i := 0; i < expectSubs; i++ {
			var req struct {
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
				ReqID  int64          `json:"req_id"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			rec := subRecord{conn: n, method: req.Method, reqID: req.ReqID}
			rec.channel, _ = req.Params["channel"].(string)
			if sym, ok := req.Params["symbol"]; ok {
				rec.symbols = fmt.Sprint(sym)
			}
			rec.token, _ = req.Params["token"].(string)
			if depth, ok := req.Params["depth"]; ok {
				rec.depth = fmt.Sprint(depth)
			}
			f.requests <- rec
		}
		if n == 1 {
			return
		}
		onReady(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return f
}

func (f *fakeWSServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func testStreamOptions(url string) StreamOptions {
	return StreamOptions{
		URL:          url,
		StaleAfter:   2 * time.Second,
		PingInterval: time.Hour,
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		Buffer:       16,
	}
}

func TestPublicStreamReplaysSubscriptionsAfterReconnect(t *testing.T) {
	fake := newFakeWSServer(t, 2, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ticker","type":"update","data":[{"symbol":"DOGE/USD","bid":0.1,"ask":0.11}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ticker","type":"snapshot","data":[{"symbol":"XBT/USD","bid":50000.0,"ask":50100.0,"last":50050.0,"volume":1234.5}]}`))
	})
	defer fake.srv.Close()

	stream := NewPublicStream(testStreamOptions(fake.url()))
	if err := stream.Subscribe(ChannelTicker, []string{"BTC/USD"}, nil); err != nil {
		t.Fatalf("Subscribe(ticker) error = %v", err)
	}
	if err := stream.Subscribe(ChannelBook, []string{"ETH/USD"}, map[string]any{"depth": 10}); err != nil {
		t.Fatalf("Subscribe(book) error = %v", err)
	}
	tickers := stream.Tickers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Run(ctx)
	}()

	var got []subRecord
	for len(got) < 4 {
		select {
		case rec := <-fake.requests:
			got = append(got, rec)
		case <-ctx.Done():
			t.Fatalf("saw %d subscribe requests, want 4", len(got))
		}
	}
	for i := 0; i < 2; i++ {
		first, replay := got[i], got[i+2]
		if first.conn != 1 || replay.conn != 2 {
			t.Fatalf("request conns = %d/%d, want 1/2", first.conn, replay.conn)
		}
		if first.method != replay.method || first.channel != replay.channel || first.symbols != replay.symbols || first.depth != replay.depth {
			t.Fatalf("replay = %+v, want same form as %+v", replay, first)
		}
		if first.reqID == replay.reqID {
			t.Fatalf("replay req_id = %d, want a fresh id", replay.reqID)
		}
	}
	if got[1].depth != "10" {
		t.Fatalf("book depth = %q, want 10", got[1].depth)
	}

	select {
	case ev := <-tickers:
		if ev.Symbol != "BTC/USD" {
			t.Fatalf("first ticker symbol = %q, want BTC/USD (unsubscribed data must be dropped)", ev.Symbol)
		}
		if !ev.Bid.Equal(decimal.NewFromInt(50000)) || !ev.Ask.Equal(decimal.NewFromInt(50100)) {
			t.Fatalf("ticker = %+v, want bid 50000 ask 50100", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no ticker delivered")
	}

	cancel()
	<-done
	if _, ok := <-tickers; ok {
		t.Fatalf("ticker channel still open after Run returned")
	}
}

type countingTokens struct {
	mu    sync.Mutex
	calls int
	ttl   time.Duration
}

func (c *countingTokens) WSToken(ctx context.Context) (string, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return fmt.Sprintf("tok-%d", c.calls), c.ttl, nil
}

func TestPrivateStreamRefreshesTokenAtSixtyPercent(t *testing.T) {
	tokens := &countingTokens{ttl: 100 * time.Second}
	stream := NewPrivateStream(StreamOptions{}, tokens)
	now := time.Unix(1_700_000_000, 0)
	stream.now = func() time.Time { return now }

	tok, err := stream.currentToken(context.Background())
	if err != nil || tok != "tok-1" {
		t.Fatalf("currentToken() = %q, %v, want tok-1", tok, err)
	}
	now = now.Add(59 * time.Second)
	if tok, _ = stream.currentToken(context.Background()); tok != "tok-1" {
		t.Fatalf("currentToken() at 59%% = %q, want cached tok-1", tok)
	}
	now = now.Add(2 * time.Second)
	if tok, _ = stream.currentToken(context.Background()); tok != "tok-2" {
		t.Fatalf("currentToken() at 61%% = %q, want tok-2", tok)
	}
}

func TestPrivateStreamSubscribesWithTokenAndDecodesExecutions(t *testing.T) {
	fake := newFakeWSServer(t, 2, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"subscribe","success":true,"result":{"channel":"executions"},"req_id":3}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"executions","type":"update","data":[{"order_id":"OAAAAA-BBBBB-CCCCCC","cl_ord_id":"cid-1","symbol":"BTC/USD","side":"buy","exec_type":"trade","order_status":"filled","cum_qty":0.01,"avg_price":50010.5,"last_qty":0.01,"last_price":50010.5,"exec_id":"T1","timestamp":"2024-01-02T03:04:05.123456Z"}]}`))
	})
	defer fake.srv.Close()

	tokens := &countingTokens{ttl: time.Hour}
	stream := NewPrivateStream(testStreamOptions(fake.url()), tokens)
	execs := stream.Executions()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	for i := 0; i < 4; i++ {
		select {
		case rec := <-fake.requests:
			if rec.token == "" {
				t.Fatalf("subscribe %+v sent without token", rec)
			}
			if rec.channel != ChannelExecutions && rec.channel != ChannelBalances {
				t.Fatalf("subscribe channel = %q", rec.channel)
			}
		case <-ctx.Done():
			t.Fatalf("missing subscribe requests")
		}
	}
	select {
	case ev := <-execs:
		if ev.ClientOrderID != "cid-1" || ev.Status() != core.OrderFilled {
			t.Fatalf("execution = %+v, want cid-1 filled", ev)
		}
		if !ev.AvgPrice.Equal(decimal.RequireFromString("50010.5")) {
			t.Fatalf("AvgPrice = %s, want 50010.5", ev.AvgPrice)
		}
		if ev.Time.Year() != 2024 {
			t.Fatalf("Time = %v, want parsed timestamp", ev.Time)
		}
	case <-ctx.Done():
		t.Fatalf("no execution delivered")
	}
}

func TestUnsubscribeFiltersAndLeavesReplaySet(t *testing.T) {
	sock := newSocket("test", testStreamOptions(""), func(string, string, []json.RawMessage) {})
	_ = sock.Subscribe(Subscription{Channel: ChannelBook, Symbols: []string{"BTC/USD", "ETH/USD"}})
	_ = sock.Subscribe(Subscription{Channel: ChannelBook, Symbols: []string{"BTC/USD"}})
	if err := sock.Unsubscribe(ChannelBook, []string{"ETH/USD"}); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	subs := sock.Subscriptions()
	if len(subs) != 1 || len(subs[0].Symbols) != 1 || subs[0].Symbols[0] != "BTC/USD" {
		t.Fatalf("Subscriptions() = %+v, want book BTC/USD only", subs)
	}
}

func TestFanoutDropsForSlowSubscriber(t *testing.T) {
	f := newFanout[int]("test", "ticker", 1)
	ch := f.subscribe()
	f.publish(1)
	f.publish(2)
	f.publish(3)
	if got := f.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if v := <-ch; v != 1 {
		t.Fatalf("received %d, want 1", v)
	}
	f.close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after close")
	}
}
