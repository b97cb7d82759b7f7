package kraken

import (
	"encoding/json"
	"strings"
)

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// APIError is an error list returned by the REST API.
type APIError struct {
	Status   int
	Messages []string
}

func (e APIError) Error() string {
	if len(e.Messages) == 0 {
		return "kraken api error: http " + itoa(e.Status)
	}
	return "kraken api error: " + strings.Join(e.Messages, "; ")
}

type assetPairResponse struct {
	AltName      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int32  `json:"pair_decimals"`
	LotDecimals  int32  `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
	TickSize     string `json:"tick_size"`
	Status       string `json:"status"`
}

type tickerResponse struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	Open   string   `json:"o"`
}

type addOrderResponse struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

type cancelOrderResponse struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

type orderInfo struct {
	RefID    *string `json:"refid"`
	ClOrdID  string  `json:"cl_ord_id"`
	Status   string  `json:"status"`
	OpenTm   float64 `json:"opentm"`
	CloseTm  float64 `json:"closetm"`
	Vol      string  `json:"vol"`
	VolExec  string  `json:"vol_exec"`
	Cost     string  `json:"cost"`
	Fee      string  `json:"fee"`
	AvgPrice string  `json:"price"`
	OFlags   string  `json:"oflags"`
	Reason   *string `json:"reason"`
	Descr    struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

type openOrdersResponse struct {
	Open map[string]orderInfo `json:"open"`
}

type closedOrdersResponse struct {
	Closed map[string]orderInfo `json:"closed"`
}

type tradeInfo struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Time      float64 `json:"time"`
	Type      string  `json:"type"`
	OrderType string  `json:"ordertype"`
	Price     string  `json:"price"`
	Cost      string  `json:"cost"`
	Fee       string  `json:"fee"`
	Vol       string  `json:"vol"`
}

type tradesHistoryResponse struct {
	Trades map[string]tradeInfo `json:"trades"`
	Count  int                  `json:"count"`
}

type wsTokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}
