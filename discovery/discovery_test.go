package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
)

func testConfig(rankingURL, exchangeURL string) *appconfig.Config {
	return &appconfig.Config{
		Exchange: appconfig.ExchangeConfig{
			Name:    "binance",
			RestURL: exchangeURL,
		},
		Discovery: appconfig.DiscoveryConfig{
			IntervalMin:       60,
			StartupTimeoutSec: 1,
			PairLimit:         10,
			QuoteAsset:        "USDT",
			RankingURL:        rankingURL,
			RankingPageSize:   100,
			FallbackPairs:     []string{"ADAUSDT"},
			RateLimit:         appconfig.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100},
		},
	}
}

func rankingServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/markets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func exchangeServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

const rankingBody = `[
  {"id":"bitcoin","symbol":"btc","name":"Bitcoin","market_cap_rank":1},
  {"id":"ethereum","symbol":"eth","name":"Ethereum","market_cap_rank":2},
  {"id":"tether","symbol":"usdt","name":"Tether","market_cap_rank":3},
  {"id":"solana","symbol":"sol","name":"Solana","market_cap_rank":4}
]`

const exchangeBody = `{
  "timezone":"UTC",
  "serverTime":1700000000000,
  "symbols":[
    {"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","isSpotTradingAllowed":true},
    {"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT","isSpotTradingAllowed":true},
    {"symbol":"SOLUSDT","status":"BREAK","baseAsset":"SOL","quoteAsset":"USDT","isSpotTradingAllowed":true},
    {"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC","isSpotTradingAllowed":true}
  ]
}`

func TestComposeWorkingSet(t *testing.T) {
	cfg := testConfig("http://unused", "http://unused")
	cfg.Discovery.FallbackPairs = []string{"ETHUSDT", "XRPUSDT"}
	cfg.Discovery.PairLimit = 4
	d := NewDiscovery(cfg)

	ranked := []string{"BTC", "ETH", "FOO", "BTC", "DOGE"}
	tradable := map[string]bool{"BTCUSDT": true, "ETHUSDT": true, "DOGEUSDT": true}

	got := d.composeWorkingSet(ranked, tradable)
	want := []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT", "XRPUSDT"}
	if len(got) != len(want) {
		t.Fatalf("working set = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("working set = %v, want %v", got, want)
		}
	}

	cfg.Discovery.PairLimit = 2
	got = d.composeWorkingSet(ranked, tradable)
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("truncated working set = %v", got)
	}
}

func TestRefreshReplacesWorkingSet(t *testing.T) {
	ranking := rankingServer(t, rankingBody, http.StatusOK)
	defer ranking.Close()
	exchange := exchangeServer(t, exchangeBody, http.StatusOK)
	defer exchange.Close()

	d := NewDiscovery(testConfig(ranking.URL, exchange.URL))
	d.Refresh(context.Background())

	got := d.GetPairs()
	want := []string{"BTCUSDT", "ETHUSDT", "ADAUSDT"}
	if len(got) != len(want) {
		t.Fatalf("pairs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pairs = %v, want %v", got, want)
		}
	}
}

func TestRefreshKeepsPriorSetOnRankingFailure(t *testing.T) {
	ranking := rankingServer(t, `{"error":"rate limited"}`, http.StatusInternalServerError)
	defer ranking.Close()
	exchange := exchangeServer(t, exchangeBody, http.StatusOK)
	defer exchange.Close()

	d := NewDiscovery(testConfig(ranking.URL, exchange.URL))
	before := d.GetPairs()
	d.Refresh(context.Background())
	after := d.GetPairs()

	if len(after) != len(before) {
		t.Fatalf("working set changed on failure: %v -> %v", before, after)
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("working set changed on failure: %v -> %v", before, after)
		}
	}
}

func TestRefreshKeepsPriorSetOnExchangeFailure(t *testing.T) {
	ranking := rankingServer(t, rankingBody, http.StatusOK)
	defer ranking.Close()
	exchange := exchangeServer(t, `{"code":-1000,"msg":"down"}`, http.StatusInternalServerError)
	defer exchange.Close()

	d := NewDiscovery(testConfig(ranking.URL, exchange.URL))
	d.Refresh(context.Background())

	got := d.GetPairs()
	if len(got) != 1 || got[0] != "ADAUSDT" {
		t.Fatalf("expected fallback set to survive, got %v", got)
	}
}

func TestGetPairsReturnsCopy(t *testing.T) {
	d := NewDiscovery(testConfig("http://unused", "http://unused"))
	got := d.GetPairs()
	if len(got) != 1 {
		t.Fatalf("initial set = %v", got)
	}
	got[0] = "MUTATED"
	if again := d.GetPairs(); again[0] != "ADAUSDT" {
		t.Fatalf("working set aliased by caller mutation: %v", again)
	}
}

func TestWaitReadyAfterFailedRefresh(t *testing.T) {
	ranking := rankingServer(t, `{}`, http.StatusInternalServerError)
	defer ranking.Close()

	d := NewDiscovery(testConfig(ranking.URL, "http://unused"))
	d.Refresh(context.Background())
	if !d.WaitReady(context.Background()) {
		t.Fatalf("WaitReady should succeed after a completed refresh attempt")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	d := NewDiscovery(testConfig("http://unused", "http://unused"))
	start := time.Now()
	if d.WaitReady(context.Background()) {
		t.Fatalf("WaitReady should time out without a refresh")
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatalf("WaitReady returned before the startup timeout")
	}
}

func TestStartStop(t *testing.T) {
	ranking := rankingServer(t, rankingBody, http.StatusOK)
	defer ranking.Close()
	exchange := exchangeServer(t, exchangeBody, http.StatusOK)
	defer exchange.Close()

	d := NewDiscovery(testConfig(ranking.URL, exchange.URL))
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}
	if !d.WaitReady(ctx) {
		t.Fatalf("first refresh did not complete")
	}
	cancel()
	d.Stop()

	if got := d.GetPairs(); len(got) == 0 {
		t.Fatalf("working set empty after stop")
	}
}
