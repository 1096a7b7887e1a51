package discovery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
)

// coinMarket is one row of the ranking source's /coins/markets response.
type coinMarket struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank"`
}

// newRankingClient builds the REST client for the market cap ranking source.
// The free tier throttles aggressively, so 429 responses honor Retry-After.
func newRankingClient(cfg *appconfig.Config) *resty.Client {
	host := strings.TrimSuffix(cfg.Discovery.RankingURL, "/")
	return resty.New().
		SetBaseURL(host).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == 429
		})
}

// newExchangeClient builds the public spot client used for tradability
// lookups. No credentials are needed for exchange info.
func newExchangeClient(cfg *appconfig.Config) *binance.Client {
	client := binance.NewClient("", "")
	if cfg.Exchange.RestURL != "" {
		client.BaseURL = strings.TrimSuffix(cfg.Exchange.RestURL, "/")
	}
	return client
}

// fetchRankedSymbols returns base symbols ordered by descending market cap.
func (d *Discovery) fetchRankedSymbols(ctx context.Context) ([]string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait")
	}

	var markets []coinMarket
	resp, err := d.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"vs_currency": "usd",
			"order":       "market_cap_desc",
			"per_page":    strconv.Itoa(d.config.Discovery.RankingPageSize),
			"page":        "1",
		}).
		SetResult(&markets).
		Get("/coins/markets")
	if err != nil {
		return nil, errors.Wrap(err, "ranking request failed")
	}
	if resp.IsError() {
		return nil, errors.Errorf("ranking request returned status %d", resp.StatusCode())
	}

	symbols := make([]string, 0, len(markets))
	for _, m := range markets {
		s := strings.ToUpper(strings.TrimSpace(m.Symbol))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols, nil
}

// fetchTradablePairs returns the set of symbols currently tradable against
// the configured quote asset.
func (d *Discovery) fetchTradablePairs(ctx context.Context) (map[string]bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait")
	}

	info, err := d.exchange.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "exchange info request failed")
	}

	tradable := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != d.config.Discovery.QuoteAsset {
			continue
		}
		if !s.IsSpotTradingAllowed {
			continue
		}
		tradable[s.Symbol] = true
	}
	return tradable, nil
}
