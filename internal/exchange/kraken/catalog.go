package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
	"kraken-core/internal/ratelimit"
)

var assetAliases = map[string]string{
	"XBT":  "BTC",
	"XXBT": "BTC",
	"XDG":  "DOGE",
	"XXDG": "DOGE",
	"XETH": "ETH",
	"XLTC": "LTC",
	"XXRP": "XRP",
	"XXLM": "XLM",
	"XZEC": "ZEC",
	"XXMR": "XMR",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZJPY": "JPY",
}

// NormalizeAsset maps Kraken's legacy asset codes to their common names.
func NormalizeAsset(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if alias, ok := assetAliases[asset]; ok {
		return alias
	}
	// Balance keys carry suffixes for staked/held variants, e.g. "USDT.F".
	if i := strings.IndexByte(asset, '.'); i > 0 {
		return NormalizeAsset(asset[:i])
	}
	return asset
}

// NormalizeSymbol turns "XBT/USD" or "xbt/usd" into "BTC/USD".
func NormalizeSymbol(symbol string) string {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if !ok {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return NormalizeAsset(base) + "/" + NormalizeAsset(quote)
}

// AssetPairs returns the catalog, fetching it on first use and caching it
// for the lifetime of the client.
func (c *Client) AssetPairs(ctx context.Context) ([]core.CatalogEntry, error) {
	c.mu.Lock()
	cached := c.catalog
	c.mu.Unlock()
	if cached == nil {
		if err := c.loadCatalog(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		cached = c.catalog
		c.mu.Unlock()
	}
	out := make([]core.CatalogEntry, 0, len(cached))
	for _, entry := range cached {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (c *Client) CatalogEntry(ctx context.Context, symbol string) (core.CatalogEntry, error) {
	if symbol == "" {
		return core.CatalogEntry{}, fmt.Errorf("symbol is required")
	}
	if _, err := c.AssetPairs(ctx); err != nil {
		return core.CatalogEntry{}, err
	}
	c.mu.Lock()
	entry, ok := c.catalog[NormalizeSymbol(symbol)]
	c.mu.Unlock()
	if !ok {
		return core.CatalogEntry{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return entry, nil
}

func (c *Client) loadCatalog(ctx context.Context) error {
	var resp map[string]assetPairResponse
	if err := c.public(ctx, "AssetPairs", nil, ratelimit.Normal, &resp); err != nil {
		return err
	}
	catalog := make(map[string]core.CatalogEntry, len(resp))
	byPair := make(map[string]string, 2*len(resp))
	for pair, raw := range resp {
		entry := parseCatalogEntry(pair, raw)
		if entry.Symbol == "" {
			continue
		}
		catalog[entry.Symbol] = entry
		byPair[pair] = entry.Symbol
		byPair[raw.AltName] = entry.Symbol
	}
	c.mu.Lock()
	if c.catalog == nil {
		c.catalog = catalog
		c.byPair = byPair
	}
	c.mu.Unlock()
	return nil
}

func parseCatalogEntry(pair string, raw assetPairResponse) core.CatalogEntry {
	symbol := ""
	if raw.WSName != "" {
		symbol = NormalizeSymbol(raw.WSName)
	} else if raw.Base != "" && raw.Quote != "" {
		symbol = NormalizeAsset(raw.Base) + "/" + NormalizeAsset(raw.Quote)
	}
	base, quote, _ := strings.Cut(symbol, "/")
	tick := parseDecimal(raw.TickSize)
	if tick.IsZero() {
		tick = decimal.New(1, -raw.PairDecimals)
	}
	return core.CatalogEntry{
		Symbol:      symbol,
		Pair:        pair,
		AltName:     raw.AltName,
		Base:        base,
		Quote:       quote,
		Status:      raw.Status,
		MinQty:      parseDecimal(raw.OrderMin),
		MinNotional: parseDecimal(raw.CostMin),
		PriceTick:   tick,
		QtyStep:     decimal.New(1, -raw.LotDecimals),
	}
}

func (c *Client) symbolForPair(pair string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol, ok := c.byPair[pair]; ok {
		return symbol
	}
	return pair
}

func parseOHLC(symbol string, resp map[string]json.RawMessage, since int64) ([]core.Candle, int64, error) {
	last := since
	var candles []core.Candle
	for key, raw := range resp {
		if key == "last" {
			if err := json.Unmarshal(raw, &last); err != nil {
				return nil, since, fmt.Errorf("decode ohlc cursor: %w", err)
			}
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, since, fmt.Errorf("decode ohlc rows: %w", err)
		}
		for _, row := range rows {
			if len(row) < 8 {
				continue
			}
			ts, _ := row[0].(float64)
			count, _ := row[7].(float64)
			candles = append(candles, core.Candle{
				Symbol: symbol,
				Time:   time.Unix(int64(ts), 0).UTC(),
				Open:   anyDecimal(row[1]),
				High:   anyDecimal(row[2]),
				Low:    anyDecimal(row[3]),
				Close:  anyDecimal(row[4]),
				VWAP:   anyDecimal(row[5]),
				Volume: anyDecimal(row[6]),
				Count:  int64(count),
			})
		}
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, last, nil
}

func anyDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		return parseDecimal(t)
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func unixFloat(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func sortFills(fills []core.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].Time.Equal(fills[j].Time) {
			return fills[i].ID < fills[j].ID
		}
		return fills[i].Time.Before(fills[j].Time)
	})
}
