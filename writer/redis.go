package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/logger"
	"github.com/aldric144/ghostquant-crypto-sub006/models"
)

// StreamPublisher appends normalized trades to per-pair Redis streams capped
// with an approximate maximum length. Publish failures are counted and
// logged, never raised, so connection loops keep consuming.
type StreamPublisher struct {
	config       *appconfig.Config
	client       *redis.Client
	mu           sync.RWMutex
	log          *logger.Log
	publishCount int64
	errorCount   int64
}

// PublisherStats is the publisher section of the /stats payload.
type PublisherStats struct {
	PublishCount int64   `json:"publish_count"`
	ErrorCount   int64   `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
}

func NewStreamPublisher(cfg *appconfig.Config) *StreamPublisher {
	sp := &StreamPublisher{
		config: cfg,
		log:    logger.GetLogger(),
	}
	sp.log.WithComponent("redis_stream_writer").WithFields(logger.Fields{
		"stream_prefix": cfg.Redis.StreamPrefix,
		"max_length":    cfg.Redis.MaxStreamLength,
	}).Debug("stream publisher initialized")
	return sp
}

// Connect parses the configured URL, opens the shared client and verifies it
// with a ping. The client stays usable when the ping fails so the service can
// run degraded until the broker returns.
func (sp *StreamPublisher) Connect(ctx context.Context) error {
	opt, err := redis.ParseURL(sp.config.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	sp.mu.Lock()
	sp.client = client
	sp.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, sp.config.Redis.PingTimeout())
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sp.log.WithComponent("redis_stream_writer").WithFields(logger.Fields{
		"addr": opt.Addr,
		"db":   opt.DB,
	}).Info("connected to redis")
	return nil
}

func (sp *StreamPublisher) Disconnect() {
	sp.mu.Lock()
	client := sp.client
	sp.client = nil
	sp.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			sp.log.WithComponent("redis_stream_writer").WithError(err).Warn("failed to close redis client")
		}
	}
	sp.log.WithComponent("redis_stream_writer").Debug("stream publisher stopped")
}

func (sp *StreamPublisher) getClient() *redis.Client {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.client
}

func (sp *StreamPublisher) streamKey(pair string) string {
	return sp.config.Redis.StreamPrefix + strings.ToUpper(pair)
}

// publishRecord flattens the trade and defaults a missing timestamp to the
// publish time so every stored record carries one.
func publishRecord(trade *models.NormalizedTrade) map[string]interface{} {
	record := trade.StreamRecord()
	if trade.Timestamp.IsZero() {
		record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return record
}

// Publish appends one trade to the pair's stream. It reports success as a
// bool and never returns an error; failures bump the error counter and a
// warn log carries the cause.
func (sp *StreamPublisher) Publish(ctx context.Context, pair string, trade *models.NormalizedTrade) bool {
	client := sp.getClient()
	if client == nil {
		atomic.AddInt64(&sp.errorCount, 1)
		sp.log.WithComponent("redis_stream_writer").Warn("publish before connect")
		return false
	}

	record := publishRecord(trade)
	key := sp.streamKey(pair)
	cctx, cancel := context.WithTimeout(ctx, sp.config.Redis.PublishTimeout())
	defer cancel()

	if err := client.XAdd(cctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: sp.config.Redis.MaxStreamLength,
		Approx: true,
		Values: record,
	}).Err(); err != nil {
		atomic.AddInt64(&sp.errorCount, 1)
		sp.log.WithComponent("redis_stream_writer").WithError(err).WithFields(logger.Fields{
			"stream": key,
		}).Warn("failed to append trade")
		return false
	}

	atomic.AddInt64(&sp.publishCount, 1)
	logger.IncrementStreamPublish(len(trade.RawPayload))
	return true
}

// IsHealthy probes the broker with a short ping.
func (sp *StreamPublisher) IsHealthy(ctx context.Context) bool {
	client := sp.getClient()
	if client == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, sp.config.Redis.PingTimeout())
	defer cancel()
	return client.Ping(pctx).Err() == nil
}

func (sp *StreamPublisher) Stats() PublisherStats {
	publishes := atomic.LoadInt64(&sp.publishCount)
	errors := atomic.LoadInt64(&sp.errorCount)
	rate := 0.0
	if attempts := publishes + errors; attempts > 0 {
		rate = float64(errors) / float64(attempts)
	}
	return PublisherStats{
		PublishCount: publishes,
		ErrorCount:   errors,
		ErrorRate:    rate,
	}
}
