package kraken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kraken-core/internal/alert"
	"kraken-core/internal/config"
	"kraken-core/internal/core"
	"kraken-core/internal/exchange"
	"kraken-core/internal/ratelimit"
	"kraken-core/internal/telemetry"
)

const (
	defaultBaseURL        = "https://api.kraken.com"
	defaultHTTPTimeout    = 15 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBase      = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	maxRateLimitBounces   = 5
)

type Client struct {
	apiKey     string
	apiSecret  []byte
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	nonce      *nonceSource
	now        func() time.Time

	maxRetries     int
	retryBase      time.Duration
	acquireTimeout time.Duration

	authFailed atomic.Bool

	mu      sync.Mutex
	alerter alert.Alerter
	catalog map[string]core.CatalogEntry
	byPair  map[string]string
}

var _ exchange.Exchange = (*Client)(nil)

type Options struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	HTTPTimeout    time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	AcquireTimeout time.Duration
	Limiter        *ratelimit.Limiter
	Now            func() time.Time
}

func NewClient(cfg config.ExchangeConfig, limiter *ratelimit.Limiter) (*Client, error) {
	return NewClientWithOptions(Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		BaseURL:        cfg.RestBaseURL,
		HTTPTimeout:    time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		MaxRetries:     cfg.MaxRetries,
		RetryBase:      time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		AcquireTimeout: time.Duration(cfg.AcquireTimeoutMs) * time.Millisecond,
		Limiter:        limiter,
	})
}

// NewClientWithOptions builds a client. An empty secret yields a public-only
// client whose private calls fail with ErrAuth.
func NewClientWithOptions(opts Options) (*Client, error) {
	var secret []byte
	if opts.APISecret != "" {
		decoded, err := base64.StdEncoding.DecodeString(opts.APISecret)
		if err != nil {
			return nil, fmt.Errorf("decode api secret: %w", err)
		}
		secret = decoded
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:         opts.APIKey,
		apiSecret:      secret,
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        opts.Limiter,
		nonce:          &nonceSource{now: now},
		now:            now,
		maxRetries:     maxRetries,
		retryBase:      retryBase,
		acquireTimeout: acquireTimeout,
	}, nil
}

func (c *Client) Name() string { return "kraken" }

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

// AuthFailed reports whether the client has stopped issuing private calls
// after an authentication error.
func (c *Client) AuthFailed() bool {
	return c.authFailed.Load()
}

func (c *Client) Balances(ctx context.Context) (core.Balances, error) {
	var resp map[string]string
	if err := c.private(ctx, "Balance", url.Values{}, ratelimit.Low, &resp); err != nil {
		return nil, err
	}
	out := make(core.Balances, len(resp))
	for asset, raw := range resp {
		out[NormalizeAsset(asset)] = out.Get(NormalizeAsset(asset)).Add(parseDecimal(raw))
	}
	return out, nil
}

// PlaceOrder submits a GTC order keyed by order.ClientID. A duplicate
// cl_ord_id rejection resolves to the order already on the book.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		return core.Order{}, errors.New("client order id required")
	}
	entry, err := c.CatalogEntry(ctx, order.Symbol)
	if err != nil {
		return core.Order{}, err
	}
	params := url.Values{}
	params.Set("pair", entry.AltName)
	params.Set("type", string(order.Side))
	params.Set("ordertype", string(order.Type))
	params.Set("volume", order.Qty.String())
	params.Set("cl_ord_id", order.ClientID)
	if order.Type == core.Limit {
		params.Set("price", order.Price.String())
		params.Set("timeinforce", "GTC")
		if order.PostOnly {
			params.Set("oflags", "post")
		}
	}
	var resp addOrderResponse
	err = c.private(ctx, "AddOrder", params, ratelimit.Critical, &resp)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			existing, lookupErr := c.orderByClientID(ctx, order.ClientID)
			if lookupErr == nil {
				log.Info().Str("client_order_id", order.ClientID).Str("order_id", existing.ID).
					Msg("duplicate_order_resolved")
				return existing, nil
			}
			return core.Order{}, errors.Join(err, lookupErr)
		}
		if errors.Is(err, core.ErrOrderRejected) {
			c.alertImportant("order_rejected", map[string]string{
				"symbol":    order.Symbol,
				"side":      string(order.Side),
				"client_id": order.ClientID,
				"error":     err.Error(),
			})
		}
		return core.Order{}, err
	}
	if len(resp.TxID) == 0 {
		return core.Order{}, errors.New("add order returned no txid")
	}
	placed := order
	placed.ID = resp.TxID[0]
	placed.Status = core.OrderNew
	placed.CreatedAt = c.now()
	return placed, nil
}

// CancelOrder cancels by exchange txid, or by client order id when the id
// is not a txid.
func (c *Client) CancelOrder(ctx context.Context, symbol, id string) error {
	if id == "" {
		return errors.New("order id required")
	}
	params := url.Values{}
	if isTxID(id) {
		params.Set("txid", id)
	} else {
		params.Set("cl_ord_id", id)
	}
	var resp cancelOrderResponse
	if err := c.private(ctx, "CancelOrder", params, ratelimit.Critical, &resp); err != nil {
		return err
	}
	if resp.Count == 0 && !resp.Pending {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.Order, error) {
	var resp openOrdersResponse
	if err := c.private(ctx, "OpenOrders", url.Values{}, ratelimit.Normal, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp.Open))
	for txid, info := range resp.Open {
		orders = append(orders, c.toOrder(txid, info))
	}
	return orders, nil
}

// QueryOrder looks an order up by txid, falling back to the client order id.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID, clientID string) (core.Order, error) {
	if orderID == "" && clientID == "" {
		return core.Order{}, errors.New("orderID or clientID required")
	}
	if orderID == "" {
		return c.orderByClientID(ctx, clientID)
	}
	params := url.Values{}
	params.Set("txid", orderID)
	var resp map[string]orderInfo
	if err := c.private(ctx, "QueryOrders", params, ratelimit.Normal, &resp); err != nil {
		return core.Order{}, err
	}
	info, ok := resp[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	return c.toOrder(orderID, info), nil
}

func (c *Client) orderByClientID(ctx context.Context, clientID string) (core.Order, error) {
	params := url.Values{}
	params.Set("cl_ord_id", clientID)
	var open openOrdersResponse
	if err := c.private(ctx, "OpenOrders", params, ratelimit.Normal, &open); err != nil {
		return core.Order{}, err
	}
	for txid, info := range open.Open {
		if info.ClOrdID == clientID {
			return c.toOrder(txid, info), nil
		}
	}
	var closed closedOrdersResponse
	if err := c.private(ctx, "ClosedOrders", params, ratelimit.Normal, &closed); err != nil {
		return core.Order{}, err
	}
	for txid, info := range closed.Closed {
		if info.ClOrdID == clientID {
			return c.toOrder(txid, info), nil
		}
	}
	return core.Order{}, fmt.Errorf("%w: cl_ord_id %s", core.ErrOrderNotFound, clientID)
}

// FillsSince returns trades strictly after cursor (a trade id, or empty for
// the most recent page) in time order, and the cursor for the next call.
func (c *Client) FillsSince(ctx context.Context, cursor string) ([]core.Fill, string, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("start", cursor)
	}
	var resp tradesHistoryResponse
	if err := c.private(ctx, "TradesHistory", params, ratelimit.Normal, &resp); err != nil {
		return nil, cursor, err
	}
	fills := make([]core.Fill, 0, len(resp.Trades))
	for id, tr := range resp.Trades {
		if id == cursor {
			continue
		}
		fills = append(fills, core.Fill{
			ID:      id,
			OrderID: tr.OrderTxID,
			Symbol:  c.symbolForPair(tr.Pair),
			Side:    core.Side(tr.Type),
			Price:   parseDecimal(tr.Price),
			Qty:     parseDecimal(tr.Vol),
			Fee:     parseDecimal(tr.Fee),
			Time:    unixFloat(tr.Time),
		})
	}
	sortFills(fills)
	next := cursor
	if len(fills) > 0 {
		next = fills[len(fills)-1].ID
	}
	return fills, next, nil
}

// WSToken fetches a token for the authenticated websocket and its lifetime.
func (c *Client) WSToken(ctx context.Context) (string, time.Duration, error) {
	var resp wsTokenResponse
	if err := c.private(ctx, "GetWebSocketsToken", url.Values{}, ratelimit.Normal, &resp); err != nil {
		return "", 0, err
	}
	if resp.Token == "" {
		return "", 0, errors.New("empty websocket token")
	}
	ttl := time.Duration(resp.Expires) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return resp.Token, ttl, nil
}

// Ticker reads the top of book over REST.
func (c *Client) Ticker(ctx context.Context, symbol string) (core.Quote, error) {
	entry, err := c.CatalogEntry(ctx, symbol)
	if err != nil {
		return core.Quote{}, err
	}
	params := url.Values{}
	params.Set("pair", entry.AltName)
	var resp map[string]tickerResponse
	if err := c.public(ctx, "Ticker", params, ratelimit.Normal, &resp); err != nil {
		return core.Quote{}, err
	}
	for _, tk := range resp {
		if len(tk.Bid) == 0 || len(tk.Ask) == 0 {
			break
		}
		return core.NewQuote(symbol, parseDecimal(tk.Bid[0]), parseDecimal(tk.Ask[0]), c.now())
	}
	return core.Quote{}, fmt.Errorf("%w: no ticker for %s", core.ErrStaleQuote, symbol)
}

// OHLC returns candles for symbol at intervalMin minutes after since, and
// the "last" cursor for incremental polling.
func (c *Client) OHLC(ctx context.Context, symbol string, intervalMin int, since int64) ([]core.Candle, int64, error) {
	entry, err := c.CatalogEntry(ctx, symbol)
	if err != nil {
		return nil, since, err
	}
	params := url.Values{}
	params.Set("pair", entry.AltName)
	if intervalMin > 0 {
		params.Set("interval", strconv.Itoa(intervalMin))
	}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}
	var resp map[string]json.RawMessage
	if err := c.public(ctx, "OHLC", params, ratelimit.Normal, &resp); err != nil {
		return nil, since, err
	}
	return parseOHLC(symbol, resp, since)
}

func (c *Client) public(ctx context.Context, endpoint string, params url.Values, prio ratelimit.Priority, out any) error {
	return c.call(ctx, "/0/public/"+endpoint, false, params, prio, out)
}

func (c *Client) private(ctx context.Context, endpoint string, params url.Values, prio ratelimit.Priority, out any) error {
	return c.call(ctx, "/0/private/"+endpoint, true, params, prio, out)
}

// call runs one logical request. Transient failures are retried up to
// maxRetries; exchange throttling is handed to the limiter and does not use
// up a retry.
func (c *Client) call(ctx context.Context, path string, signed bool, params url.Values, prio ratelimit.Priority, out any) error {
	attempt := 0
	bounces := 0
	for {
		if signed && (c.authFailed.Load() || len(c.apiSecret) == 0) {
			return fmt.Errorf("%w: private calls disabled", core.ErrAuth)
		}
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, prio, c.acquireTimeout); err != nil {
				telemetry.RESTRequests.WithLabelValues(path, "limited").Inc()
				return err
			}
		}
		err := c.doRequest(ctx, path, signed, params, out)
		if err == nil {
			telemetry.RESTRequests.WithLabelValues(path, "ok").Inc()
			return nil
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, core.ErrRateLimited):
			telemetry.RESTRequests.WithLabelValues(path, "rate_limited").Inc()
			if c.limiter != nil {
				c.limiter.Report429()
			}
			bounces++
			if c.limiter == nil || bounces > maxRateLimitBounces {
				return err
			}
		case errors.Is(err, core.ErrAuth):
			telemetry.RESTRequests.WithLabelValues(path, "auth").Inc()
			if signed && c.authFailed.CompareAndSwap(false, true) {
				log.Error().Err(err).Str("path", path).Msg("auth_failed")
				c.alertImportant("auth_failed", map[string]string{"path": path, "error": err.Error()})
			}
			return err
		case errors.Is(err, core.ErrTransient) && attempt < c.maxRetries:
			telemetry.RESTRequests.WithLabelValues(path, "retry").Inc()
			delay := c.backoff(attempt)
			attempt++
			log.Debug().Err(err).Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("rest_retry")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		default:
			telemetry.RESTRequests.WithLabelValues(path, "error").Inc()
			return err
		}
	}
}

func (c *Client) doRequest(ctx context.Context, path string, signed bool, params url.Values, out any) error {
	var (
		req *http.Request
		err error
	)
	if signed {
		form := url.Values{}
		for k, v := range params {
			form[k] = v
		}
		nonce := c.nonce.Next()
		form.Set("nonce", strconv.FormatInt(nonce, 10))
		body := form.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.apiKey)
		req.Header.Set("API-Sign", sign(c.apiSecret, path, nonce, body))
	} else {
		urlStr := c.baseURL + path
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(core.ErrTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(core.ErrTransient, err)
	}
	return decodeResponse(resp.StatusCode, body, out)
}

func decodeResponse(status int, body []byte, out any) error {
	var env envelope
	jsonErr := json.Unmarshal(body, &env)
	if status/100 != 2 {
		apiErr := APIError{Status: status}
		if jsonErr == nil {
			apiErr.Messages = env.Error
		}
		return classifyAPIError(apiErr)
	}
	if jsonErr != nil {
		return fmt.Errorf("decode kraken response: %w", jsonErr)
	}
	if len(env.Error) > 0 {
		return classifyAPIError(APIError{Status: status, Messages: env.Error})
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode kraken result: %w", err)
	}
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryBase << attempt
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) toOrder(txid string, info orderInfo) core.Order {
	qty := parseDecimal(info.Vol)
	executed := parseDecimal(info.VolExec)
	order := core.Order{
		ID:          txid,
		ClientID:    info.ClOrdID,
		Symbol:      c.symbolForPair(info.Descr.Pair),
		Side:        core.Side(info.Descr.Type),
		Type:        core.OrderType(info.Descr.OrderType),
		Price:       parseDecimal(info.Descr.Price),
		Qty:         qty,
		PostOnly:    strings.Contains(info.OFlags, "post"),
		Status:      orderStatus(info.Status, executed),
		ExecutedQty: executed,
		AvgPrice:    parseDecimal(info.AvgPrice),
		CreatedAt:   unixFloat(info.OpenTm),
	}
	if info.CloseTm > 0 {
		order.UpdatedAt = unixFloat(info.CloseTm)
	}
	return order
}

func orderStatus(status string, executed decimal.Decimal) core.OrderStatus {
	switch status {
	case "pending":
		return core.OrderPending
	case "open":
		if executed.IsPositive() {
			return core.OrderPartiallyFilled
		}
		return core.OrderNew
	case "closed":
		return core.OrderFilled
	case "canceled":
		return core.OrderCanceled
	case "expired":
		return core.OrderExpired
	}
	return core.OrderStatus(status)
}

// isTxID matches Kraken's "OXXXXX-XXXXX-XXXXXX" order ids.
func isTxID(id string) bool {
	parts := strings.Split(id, "-")
	return len(parts) == 3 && len(parts[0]) == 6 && len(parts[1]) == 5 && len(parts[2]) == 6
}
