package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/models"
)

func testConfig(wsURL string) *appconfig.Config {
	return &appconfig.Config{
		Exchange: appconfig.ExchangeConfig{WsURL: wsURL},
		Ingest: appconfig.IngestConfig{
			PairsPerConnection:  50,
			HandshakeTimeoutSec: 2,
			RawPayloadLimit:     1024,
			Retry: appconfig.RetryConfig{
				MaxRetries:  2,
				BaseDelayMS: 10,
				MaxDelayMS:  40,
			},
		},
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	pairs  []string
	trades []*models.NormalizedTrade
}

func (p *capturePublisher) Publish(ctx context.Context, pair string, trade *models.NormalizedTrade) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs = append(p.pairs, pair)
	p.trades = append(p.trades, trade)
	return true
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trades)
}

func (p *capturePublisher) tradeIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.trades))
	for _, trade := range p.trades {
		ids = append(ids, trade.TradeID)
	}
	return ids
}

func combinedTradeFrame(pair string, id int) string {
	return fmt.Sprintf(
		`{"stream":"%s@trade","data":{"e":"trade","E":1700000001000,"s":"%s","t":%d,"p":"50000.10","q":"0.25","b":%d,"a":%d,"T":1700000000500,"m":false,"M":true}}`,
		strings.ToLower(pair), pair, id, id*2, id*2+1)
}

// streamServer upgrades /stream requests, sends the prepared frames and then
// holds the connection open until the client goes away.
func streamServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/stream" {
			http.NotFound(w, req)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestChunkPairs(t *testing.T) {
	pairs := make([]string, 7)
	for i := range pairs {
		pairs[i] = fmt.Sprintf("PAIR%02dUSDT", i)
	}

	for size := 1; size <= 4; size++ {
		chunks := chunkPairs(pairs, size)
		want := (len(pairs) + size - 1) / size
		if len(chunks) != want {
			t.Errorf("size %d: got %d chunks, want %d", size, len(chunks), want)
		}
		flat := make([]string, 0, len(pairs))
		for _, chunk := range chunks {
			if len(chunk) > size {
				t.Errorf("size %d: chunk holds %d pairs", size, len(chunk))
			}
			flat = append(flat, chunk...)
		}
		for i := range pairs {
			if flat[i] != pairs[i] {
				t.Fatalf("size %d: chunking reordered pairs", size)
			}
		}
	}

	if got := chunkPairs(nil, 3); len(got) != 0 {
		t.Errorf("empty input produced %d chunks", len(got))
	}
	if got := chunkPairs(pairs, 0); len(got) != len(pairs) {
		t.Errorf("non-positive size should fall back to single-pair chunks, got %d", len(got))
	}
}

func TestStreamURL(t *testing.T) {
	r := Binance_Trade_NewReader(testConfig("wss://stream.example.com:9443"), &capturePublisher{})

	got := r.streamURL([]string{"BTCUSDT", "ethusdt"})
	want := "wss://stream.example.com:9443/stream?streams=btcusdt@trade/ethusdt@trade"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}

func TestBackoffDelay(t *testing.T) {
	retry := appconfig.RetryConfig{MaxRetries: 10, BaseDelayMS: 100, MaxDelayMS: 1000}

	for count := 0; count <= 6; count++ {
		floor := retry.BaseDelay()
		for i := 0; i < count && floor < retry.MaxDelay(); i++ {
			floor *= 2
		}
		if floor > retry.MaxDelay() {
			floor = retry.MaxDelay()
		}

		for trial := 0; trial < 20; trial++ {
			delay := backoffDelay(retry, count)
			if delay < floor {
				t.Fatalf("count %d: delay %v below floor %v", count, delay, floor)
			}
			if delay > floor+floor/10 {
				t.Fatalf("count %d: delay %v exceeds floor plus jitter %v", count, delay, floor+floor/10)
			}
		}
	}
}

func TestStartRequiresPairs(t *testing.T) {
	r := Binance_Trade_NewReader(testConfig("wss://example.com"), &capturePublisher{})

	if err := r.Binance_Trade_Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty pair set")
	}
}

func TestStartTwiceFails(t *testing.T) {
	srv := streamServer(t, nil)
	defer srv.Close()

	r := Binance_Trade_NewReader(testConfig(wsURL(srv)), &capturePublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err == nil {
		t.Fatal("expected error on second start")
	}

	cancel()
	r.Binance_Trade_Stop()
}

func TestStreamPublishesTradesInOrder(t *testing.T) {
	frames := []string{
		combinedTradeFrame("BTCUSDT", 1),
		combinedTradeFrame("BTCUSDT", 2),
		combinedTradeFrame("BTCUSDT", 3),
	}
	srv := streamServer(t, frames)
	defer srv.Close()

	pub := &capturePublisher{}
	r := Binance_Trade_NewReader(testConfig(wsURL(srv)), pub)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pub.count() == 3 })

	stats := r.GetStats()
	if stats.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", stats.TotalMessages)
	}
	if stats.ErrorMessages != 0 {
		t.Errorf("error messages = %d, want 0", stats.ErrorMessages)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("active connections = %d, want 1", stats.ActiveConnections)
	}

	ids := pub.tradeIDs()
	for i, want := range []int64{1, 2, 3} {
		if ids[i] != want {
			t.Fatalf("publish order = %v, want [1 2 3]", ids)
		}
	}

	cancel()
	r.Binance_Trade_Stop()

	if got := r.ActiveConnections(); got != 0 {
		t.Errorf("active connections after stop = %d, want 0", got)
	}
}

func TestStreamSkipsNonTradeEvents(t *testing.T) {
	frames := []string{
		`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}`,
		combinedTradeFrame("BTCUSDT", 7),
	}
	srv := streamServer(t, frames)
	defer srv.Close()

	pub := &capturePublisher{}
	r := Binance_Trade_NewReader(testConfig(wsURL(srv)), pub)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pub.count() == 1 })

	stats := r.GetStats()
	if stats.TotalMessages != 1 {
		t.Errorf("total messages = %d, want 1", stats.TotalMessages)
	}
	if stats.ErrorMessages != 0 {
		t.Errorf("error messages = %d, want 0 for skipped events", stats.ErrorMessages)
	}

	cancel()
	r.Binance_Trade_Stop()
}

func TestStreamCountsMalformedFrames(t *testing.T) {
	frames := []string{
		`not json at all`,
		combinedTradeFrame("BTCUSDT", 9),
	}
	srv := streamServer(t, frames)
	defer srv.Close()

	pub := &capturePublisher{}
	r := Binance_Trade_NewReader(testConfig(wsURL(srv)), pub)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pub.count() == 1 })

	stats := r.GetStats()
	if stats.ErrorMessages != 1 {
		t.Errorf("error messages = %d, want 1", stats.ErrorMessages)
	}
	if stats.TotalMessages != 1 {
		t.Errorf("total messages = %d, want 1", stats.TotalMessages)
	}

	cancel()
	r.Binance_Trade_Stop()
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var sessions int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := atomic.AddInt64(&sessions, 1)
		conn.WriteMessage(websocket.TextMessage, []byte(combinedTradeFrame("BTCUSDT", int(n))))
		if n == 1 {
			return // drop the first session immediately
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	r := Binance_Trade_NewReader(testConfig(wsURL(srv)), pub)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pub.count() == 2 })

	stats := r.GetStats()
	if stats.ConnectionErrors == 0 {
		t.Error("expected at least one recorded connection error")
	}
	if stats.TotalMessages != 2 {
		t.Errorf("total messages = %d, want 2", stats.TotalMessages)
	}

	cancel()
	r.Binance_Trade_Stop()
}

func TestStreamAbandonsAfterRetryLimit(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Ingest.Retry.MaxRetries = 1

	r := Binance_Trade_NewReader(cfg, &capturePublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Binance_Trade_Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Initial failure plus one retry, then the worker gives up.
	waitFor(t, 2*time.Second, func() bool { return r.GetStats().ConnectionErrors == 2 })
	r.Binance_Trade_Stop()

	if got := r.GetStats().ConnectionErrors; got != 2 {
		t.Errorf("connection errors = %d, want 2", got)
	}
	if got := r.ActiveConnections(); got != 0 {
		t.Errorf("active connections = %d, want 0", got)
	}
}
