package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/logger"
)

// Discovery maintains the working set of subscribed pairs: the top ranked
// instruments by market capitalization that are tradable on the exchange,
// unioned with a static fallback list. The set is replaced wholesale on each
// refresh; readers never observe a partial update.
type Discovery struct {
	config    *appconfig.Config
	rest      *resty.Client
	exchange  *binance.Client
	limiter   *rate.Limiter
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
	pairs     atomic.Pointer[[]string]
	ready     chan struct{}
	readyOnce sync.Once
}

// NewDiscovery creates a pair discovery component from the configured ranking
// and exchange endpoints.
func NewDiscovery(cfg *appconfig.Config) *Discovery {
	rl := cfg.Discovery.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	d := &Discovery{
		config:   cfg,
		rest:     newRankingClient(cfg),
		exchange: newExchangeClient(cfg),
		limiter:  limiter,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		ready:    make(chan struct{}),
	}

	initial := dedupePairs(cfg.Discovery.FallbackPairs)
	d.pairs.Store(&initial)

	d.log.WithComponent("pair_discovery").WithFields(logger.Fields{
		"fallback_pairs": len(initial),
		"pair_limit":     cfg.Discovery.PairLimit,
		"quote_asset":    cfg.Discovery.QuoteAsset,
	}).Debug("pair discovery initialized")
	return d
}

// GetPairs returns a copy of the current working set.
func (d *Discovery) GetPairs() []string {
	current := d.pairs.Load()
	if current == nil {
		return nil
	}
	return append([]string(nil), (*current)...)
}

// Start launches the refresh loop.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("discovery already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	d.log.WithComponent("pair_discovery").WithFields(logger.Fields{
		"interval_minutes": d.config.Discovery.IntervalMin,
	}).Info("starting pair discovery")

	d.wg.Add(1)
	go d.run()

	return nil
}

// Stop waits for the refresh loop to exit.
func (d *Discovery) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("pair_discovery").Info("stopping pair discovery")
	d.wg.Wait()
	d.log.WithComponent("pair_discovery").Info("pair discovery stopped")
}

// WaitReady blocks until the first refresh attempt finishes, the startup
// timeout elapses or the context is cancelled. It reports whether the attempt
// completed; on false, callers proceed on the fallback set.
func (d *Discovery) WaitReady(ctx context.Context) bool {
	select {
	case <-d.ready:
		return true
	case <-time.After(d.config.Discovery.StartupTimeout()):
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Discovery) run() {
	defer d.wg.Done()
	log := d.log.WithComponent("pair_discovery")

	d.Refresh(d.ctx)

	ticker := time.NewTicker(d.config.Discovery.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			log.Info("discovery loop stopped due to context cancellation")
			return
		case <-ticker.C:
			d.Refresh(d.ctx)
		}
	}
}

// Refresh rebuilds the working set from the ranking and tradability sources.
// Any fetch failure keeps the current set untouched; Refresh never returns an
// error to its caller.
func (d *Discovery) Refresh(ctx context.Context) {
	log := d.log.WithComponent("pair_discovery")
	defer d.readyOnce.Do(func() { close(d.ready) })

	start := time.Now()
	ranked, err := d.fetchRankedSymbols(ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch market cap ranking; keeping current working set")
		return
	}

	tradable, err := d.fetchTradablePairs(ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch exchange tradability; keeping current working set")
		return
	}

	next := d.composeWorkingSet(ranked, tradable)
	previous := len(d.GetPairs())
	d.pairs.Store(&next)

	logger.LogPerformanceEntry(log, "pair_discovery", "refresh", time.Since(start), logger.Fields{
		"ranked":   len(ranked),
		"tradable": len(tradable),
	})
	log.WithFields(logger.Fields{
		"previous": previous,
		"selected": len(next),
	}).Info("working set refreshed")
	d.log.LogMetric("pair_discovery", "pairs_selected", len(next), "gauge", nil)
}

// composeWorkingSet intersects the ranked bases with the tradable pairs in
// rank order, unions the fallback list and truncates to the pair limit.
func (d *Discovery) composeWorkingSet(ranked []string, tradable map[string]bool) []string {
	quote := d.config.Discovery.QuoteAsset
	limit := d.config.Discovery.PairLimit

	seen := make(map[string]bool)
	next := make([]string, 0, limit)
	for _, base := range ranked {
		pair := base + quote
		if !tradable[pair] || seen[pair] {
			continue
		}
		seen[pair] = true
		next = append(next, pair)
	}
	for _, pair := range d.config.Discovery.FallbackPairs {
		if seen[pair] {
			continue
		}
		seen[pair] = true
		next = append(next, pair)
	}
	if len(next) > limit {
		next = next[:limit]
	}
	return next
}

func dedupePairs(pairs []string) []string {
	seen := make(map[string]bool, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
