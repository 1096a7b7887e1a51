package binance

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/logger"
	"github.com/aldric144/ghostquant-crypto-sub006/models"
)

// readIdleTimeout bounds how long a connection may stay silent. The exchange
// pings every few minutes, and each ping pushes the deadline forward.
const readIdleTimeout = 10 * time.Minute

// TradePublisher is the sink for normalized trades. Publish reports whether
// the trade was accepted; failures are already counted and logged downstream.
type TradePublisher interface {
	Publish(ctx context.Context, pair string, trade *models.NormalizedTrade) bool
}

// Stats is a point-in-time snapshot of reader counters, exposed under the
// ingest section of the stats endpoint.
type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalMessages     int64 `json:"total_messages"`
	ErrorMessages     int64 `json:"error_messages"`
	ConnectionErrors  int64 `json:"connection_errors"`
}

// Binance_Trade_Reader streams spot trade events from Binance over
// multiplexed websocket connections and forwards normalized trades to the
// publisher. Each connection carries a chunk of the pair working set and is
// supervised independently with exponential backoff on failure.
type Binance_Trade_Reader struct {
	config    *appconfig.Config
	publisher TradePublisher
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	activeConnections int64
	totalMessages     int64
	errorMessages     int64
	connectionErrors  int64
}

// Binance_Trade_NewReader creates a new Binance_Trade_Reader publishing into
// the provided sink.
func Binance_Trade_NewReader(cfg *appconfig.Config, publisher TradePublisher) *Binance_Trade_Reader {
	return &Binance_Trade_Reader{
		config:    cfg,
		publisher: publisher,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// Binance_Trade_Start opens one websocket connection per chunk of pairs and
// begins streaming trades.
func (r *Binance_Trade_Reader) Binance_Trade_Start(ctx context.Context, pairs []string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("trade reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_trade_reader").WithFields(logger.Fields{"operation": "Binance_Trade_Start"})

	if len(pairs) == 0 {
		log.Warn("no pairs to subscribe")
		return fmt.Errorf("no pairs to subscribe")
	}

	chunks := chunkPairs(pairs, r.config.Ingest.PairsPerConnection)

	log.WithFields(logger.Fields{
		"pairs":       len(pairs),
		"connections": len(chunks),
	}).Info("starting binance trade reader")

	for i, chunk := range chunks {
		r.wg.Add(1)
		go r.stream(i, chunk)
	}

	log.Info("binance trade reader started successfully")
	return nil
}

// Binance_Trade_Stop signals all connection workers to stop and waits for
// completion.
func (r *Binance_Trade_Reader) Binance_Trade_Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_trade_reader").Info("stopping binance trade reader")
	r.wg.Wait()
	r.log.WithComponent("binance_trade_reader").Info("binance trade reader stopped")
}

// GetStats returns a snapshot of the reader counters.
func (r *Binance_Trade_Reader) GetStats() Stats {
	return Stats{
		ActiveConnections: atomic.LoadInt64(&r.activeConnections),
		TotalMessages:     atomic.LoadInt64(&r.totalMessages),
		ErrorMessages:     atomic.LoadInt64(&r.errorMessages),
		ConnectionErrors:  atomic.LoadInt64(&r.connectionErrors),
	}
}

// ActiveConnections reports the live connection gauge used by health checks.
func (r *Binance_Trade_Reader) ActiveConnections() int64 {
	return atomic.LoadInt64(&r.activeConnections)
}

// chunkPairs splits pairs into groups of at most size, preserving order.
func chunkPairs(pairs []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]string, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[start:end])
	}
	return chunks
}

// streamURL builds the combined stream endpoint subscribing one chunk of
// pairs to the trade channel.
func (r *Binance_Trade_Reader) streamURL(pairs []string) string {
	streams := make([]string, len(pairs))
	for i, p := range pairs {
		streams[i] = strings.ToLower(p) + "@trade"
	}
	base := strings.TrimSuffix(r.config.Exchange.WsURL, "/")
	return fmt.Sprintf("%s/stream?streams=%s", base, strings.Join(streams, "/"))
}

// backoffDelay returns the reconnect pause for the given consecutive failure
// count: the base delay doubled per failure, capped at the maximum, plus up
// to ten percent random jitter so workers do not reconnect in lockstep.
func backoffDelay(retry appconfig.RetryConfig, retryCount int) time.Duration {
	delay := retry.BaseDelay()
	max := retry.MaxDelay()
	for i := 0; i < retryCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// stream supervises a single websocket connection for one chunk of pairs,
// reconnecting with backoff until the context is cancelled or the retry
// limit is reached.
func (r *Binance_Trade_Reader) stream(id int, pairs []string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_trade_reader").WithFields(logger.Fields{
		"connection": id,
		"pairs":      len(pairs),
		"worker":     "trade_stream",
	})

	url := r.streamURL(pairs)
	retryCount := 0

	log.Info("starting trade stream worker")

	for {
		if r.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: r.config.Ingest.HandshakeTimeout()}
		conn, _, err := dialer.DialContext(r.ctx, url, nil)
		if err == nil {
			retryCount = 0
			atomic.AddInt64(&r.activeConnections, 1)
			log.Info("websocket connected")

			err = r.consume(conn, log)

			atomic.AddInt64(&r.activeConnections, -1)
			if r.ctx.Err() != nil {
				log.Info("websocket closed for shutdown")
				return
			}
		}

		atomic.AddInt64(&r.connectionErrors, 1)
		if r.ctx.Err() != nil {
			return
		}
		if retryCount >= r.config.Ingest.Retry.MaxRetries {
			log.WithError(err).Error("retry limit reached, abandoning connection")
			return
		}

		delay := backoffDelay(r.config.Ingest.Retry, retryCount)
		retryCount++
		logger.IncrementReconnect()
		log.WithError(err).WithFields(logger.Fields{
			"retry":    retryCount,
			"delay_ms": delay.Milliseconds(),
		}).Warn("websocket connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
	}
}

// consume reads frames from an established connection until it breaks or the
// context is cancelled. It always returns the error that ended the session.
func (r *Binance_Trade_Reader) consume(conn *websocket.Conn, log *logger.Entry) error {
	defer conn.Close()

	// Closing the connection is the only way to unblock a pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	frames := 0
	defer func() {
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			logger.LogDataFlowEntry(log, "binance_ws", "stream_publisher", frames, "trade_frames")
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frames++
		r.handleFrame(payload)
	}
}

// handleFrame normalizes one inbound frame and forwards it to the publisher.
// Malformed frames are counted and dropped; non-trade events are skipped.
func (r *Binance_Trade_Reader) handleFrame(payload []byte) {
	logger.IncrementTradeRead(len(payload))

	trade, err := Convert(payload, time.Now().UTC(), r.config.Ingest.RawPayloadLimit)
	if err != nil {
		atomic.AddInt64(&r.errorMessages, 1)
		r.log.WithComponent("binance_trade_reader").WithError(err).Warn("dropping malformed frame")
		return
	}
	if trade == nil {
		return
	}

	atomic.AddInt64(&r.totalMessages, 1)

	if !r.publisher.Publish(r.ctx, trade.Pair, trade) {
		r.log.WithComponent("binance_trade_reader").WithFields(logger.Fields{
			"pair":     trade.Pair,
			"trade_id": trade.TradeID,
		}).Debug("trade publish failed")
	}
}
