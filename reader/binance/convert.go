package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aldric144/ghostquant-crypto-sub006/models"
)

// Convert parses one inbound websocket frame into a NormalizedTrade. Frames
// may arrive bare or wrapped in the combined stream envelope. Non-trade
// events return (nil, nil) and are skipped without touching error counters;
// malformed frames return an error so the caller can count and drop them.
// The same payload and receive time always produce the same trade.
func Convert(payload []byte, receivedAt time.Time, rawLimit int) (*models.NormalizedTrade, error) {
	data := payload
	var envelope models.BinanceCombinedResp
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data) > 0 {
		data = envelope.Data
	}

	var event models.BinanceTradeResp
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("frame missing event type")
	}
	if event.Event != "trade" {
		return nil, nil
	}

	if event.Symbol == "" {
		return nil, fmt.Errorf("trade frame missing symbol")
	}
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", event.Price, err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("price %q must be positive", event.Price)
	}
	quantity, err := decimal.NewFromString(event.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", event.Quantity, err)
	}
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("quantity %q must be positive", event.Quantity)
	}

	side := models.SideBuy
	if event.IsBuyerMaker {
		side = models.SideSell
	}

	// Trades without an execution timestamp fall back to the receive time.
	timestamp := receivedAt.UTC()
	if event.TradeTime > 0 {
		timestamp = time.UnixMilli(event.TradeTime).UTC()
	}

	return &models.NormalizedTrade{
		Exchange:      "binance",
		Pair:          strings.ToUpper(event.Symbol),
		TradeID:       event.TradeID,
		Price:         event.Price,
		Quantity:      event.Quantity,
		Side:          side,
		BuyerOrderID:  event.BuyerOrderID,
		SellerOrderID: event.SellerOrderID,
		Timestamp:     timestamp,
		EventTime:     event.Time,
		ReceivedTime:  receivedAt.UTC().UnixMilli(),
		RawPayload:    truncatePayload(payload, rawLimit),
	}, nil
}

// truncatePayload caps the retained raw frame so oversized payloads cannot
// bloat stream records.
func truncatePayload(payload []byte, limit int) string {
	if limit > 0 && len(payload) > limit {
		return string(payload[:limit])
	}
	return string(payload)
}
