package models

import (
	"encoding/json"
	"strconv"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Trade sides derived from the exchange's buyer-is-maker flag.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// NormalizedTrade represents a single execution event in exchange-neutral
// form. Price and quantity are carried as decimal strings, never floats.
type NormalizedTrade struct {
	Exchange      string    `json:"exchange"`
	Pair          string    `json:"pair"`
	TradeID       int64     `json:"trade_id"`
	Price         string    `json:"price"`
	Quantity      string    `json:"quantity"`
	Side          string    `json:"side"`
	BuyerOrderID  int64     `json:"buyer_order_id"`
	SellerOrderID int64     `json:"seller_order_id"`
	Timestamp     time.Time `json:"timestamp"`
	EventTime     int64     `json:"event_time"`
	ReceivedTime  int64     `json:"received_time"`
	RawPayload    string    `json:"raw_payload"`
}

// StreamRecord flattens the trade into the string-keyed, string-valued form
// appended to the per-pair stream. All numeric fields are stringified so the
// record survives any broker that only stores flat string maps.
func (t *NormalizedTrade) StreamRecord() map[string]interface{} {
	return map[string]interface{}{
		"exchange":        t.Exchange,
		"pair":            t.Pair,
		"trade_id":        strconv.FormatInt(t.TradeID, 10),
		"price":           t.Price,
		"quantity":        t.Quantity,
		"side":            t.Side,
		"buyer_order_id":  strconv.FormatInt(t.BuyerOrderID, 10),
		"seller_order_id": strconv.FormatInt(t.SellerOrderID, 10),
		"timestamp":       t.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_time":      strconv.FormatInt(t.EventTime, 10),
		"received_time":   strconv.FormatInt(t.ReceivedTime, 10),
		"raw_payload":     t.RawPayload,
	}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceCombinedResp wraps events delivered on the combined stream endpoint.
// Data is left raw so non-trade payloads can be skipped without a full decode.
type BinanceCombinedResp struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceTradeResp mirrors Binance's trade websocket event structure
type BinanceTradeResp struct {
	Event         string `json:"e"`
	Time          int64  `json:"E"`
	Symbol        string `json:"s"`
	TradeID       int64  `json:"t"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	BuyerOrderID  int64  `json:"b"`
	SellerOrderID int64  `json:"a"`
	TradeTime     int64  `json:"T"`
	IsBuyerMaker  bool   `json:"m"`
	Ignore        bool   `json:"M"`
}
