// Package feed streams live swap activity of the watched alpha wallets and
// turns it into buy observations for the consensus aggregator.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterPercent  = 0.2

	heartbeatTimeout = 60 * time.Second
	pongTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Listener maintains a websocket subscription to an enhanced-transaction
// stream, reconnecting with jittered exponential backoff. Observations are
// delivered on a buffered channel; a full channel drops the event rather
// than blocking the read loop.
type Listener struct {
	url          string
	observations chan<- models.Observation

	conn    *websocket.Conn
	connMu  sync.Mutex
	backoff time.Duration

	lastMsg   time.Time
	lastMsgMu sync.RWMutex

	wallets   map[string]bool
	walletsMu sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a listener delivering observations to observations.
func NewListener(url string, observations chan<- models.Observation) *Listener {
	return &Listener{
		url:          url,
		observations: observations,
		backoff:      initialBackoff,
		wallets:      make(map[string]bool),
		stopChan:     make(chan struct{}),
	}
}

// SetWallets replaces the watched-wallet set and refreshes the subscription
// if a connection is live.
func (l *Listener) SetWallets(wallets []string) {
	set := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		set[w] = true
	}
	l.walletsMu.Lock()
	l.wallets = set
	l.walletsMu.Unlock()

	l.connMu.Lock()
	connected := l.conn != nil
	l.connMu.Unlock()
	if connected {
		if err := l.subscribe(); err != nil {
			logger.Warn("Failed to refresh feed subscription: %v", err)
		}
	}
}

// Start begins the listener with automatic reconnection.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.runLoop(ctx)

	l.wg.Add(1)
	go l.heartbeatMonitor(ctx)
}

// Stop shuts the listener down and waits for its goroutines.
func (l *Listener) Stop() {
	close(l.stopChan)
	l.closeConnection()
	l.wg.Wait()
}

func (l *Listener) runLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			logger.Warn("Feed connect failed: %v (backoff %s)", err, l.backoff)
			l.waitBackoff(ctx)
			continue
		}

		if err := l.readLoop(ctx); err != nil {
			logger.Warn("Feed read error: %v", err)
		}

		l.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
			l.waitBackoff(ctx)
		}
	}
}

func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	l.backoff = initialBackoff
	logger.Info("Feed connected: %s", l.url)

	if err := l.subscribe(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	l.updateLastMsg()
	return nil
}

// subscribe requests enhanced transaction notifications for the watched
// wallets.
func (l *Listener) subscribe() error {
	l.walletsMu.RLock()
	wallets := make([]string, 0, len(l.wallets))
	for w := range l.wallets {
		wallets = append(wallets, w)
	}
	l.walletsMu.RUnlock()

	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "transactionSubscribe",
		"params": []interface{}{
			map[string]interface{}{"accountInclude": wallets, "failed": false},
			map[string]interface{}{"commitment": "confirmed", "encoding": "jsonParsed"},
		},
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	logger.Info("Feed subscribed to %d watched wallets", len(wallets))
	return nil
}

func (l *Listener) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopChan:
			return nil
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout + pongTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		l.updateLastMsg()
		l.handleMessage(message)
	}
}

func (l *Listener) handleMessage(data []byte) {
	events, err := ParseEvents(data)
	if err != nil {
		logger.Debug("Feed message dropped: %v", err)
		return
	}

	now := time.Now()
	for _, ev := range events {
		obs, ok := l.observationFrom(ev, now)
		if !ok {
			continue
		}
		select {
		case l.observations <- obs:
			logger.Debug("Observed %s buying %s",
				models.ShortAddress(obs.Wallet), models.ShortAddress(obs.Mint))
		default:
			logger.Warn("Observation channel full, dropping %s", models.ShortAddress(obs.Mint))
		}
	}
}

// observationFrom filters one swap event down to a valid observation from a
// watched wallet.
func (l *Listener) observationFrom(ev SwapEvent, now time.Time) (models.Observation, bool) {
	if ev.Type != "SWAP" || len(ev.TokenTransfers) == 0 {
		return models.Observation{}, false
	}
	mint := ev.TokenTransfers[0].Mint
	if mint == "" || mint == models.NativeMint {
		return models.Observation{}, false
	}
	if models.ValidateAddress(mint) != nil || models.ValidateAddress(ev.FeePayer) != nil {
		return models.Observation{}, false
	}

	l.walletsMu.RLock()
	watched := l.wallets[ev.FeePayer]
	l.walletsMu.RUnlock()
	if !watched {
		return models.Observation{}, false
	}

	return models.Observation{Mint: mint, Wallet: ev.FeePayer, ObservedAt: now}, true
}

func (l *Listener) heartbeatMonitor(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.checkHeartbeat()
		}
	}
}

func (l *Listener) checkHeartbeat() {
	l.lastMsgMu.RLock()
	lastMsg := l.lastMsg
	l.lastMsgMu.RUnlock()

	if lastMsg.IsZero() {
		return
	}

	if elapsed := time.Since(lastMsg); elapsed > heartbeatTimeout {
		logger.Warn("Feed heartbeat timeout after %s", elapsed)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("Feed ping failed: %v", err)
				l.closeConnection()
			}
		}
	}
}

func (l *Listener) updateLastMsg() {
	l.lastMsgMu.Lock()
	l.lastMsg = time.Now()
	l.lastMsgMu.Unlock()
}

func (l *Listener) closeConnection() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		logger.Info("Feed disconnected")
	}
}

func (l *Listener) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(l.backoff) * jitterPercent * (rand.Float64()*2 - 1))
	wait := l.backoff + jitter

	select {
	case <-ctx.Done():
	case <-l.stopChan:
	case <-time.After(wait):
	}

	l.backoff = time.Duration(float64(l.backoff) * backoffFactor)
	if l.backoff > maxBackoff {
		l.backoff = maxBackoff
	}
}
