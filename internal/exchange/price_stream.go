package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// FuturesStreamURL is the production combined-stream endpoint
	FuturesStreamURL = "wss://fstream.binance.com/stream"
	// FuturesTestnetStreamURL is the testnet combined-stream endpoint
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com/stream"

	// tickerMaxAge is how old a streamed snapshot may be before GetTicker
	// falls back to REST.
	tickerMaxAge = 10 * time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// PriceStream layers a websocket mark-price/ticker cache over a REST client.
// Reconciliation stays poll-based; this only spares the activation gate and
// cancel evaluator a REST round-trip per tick. When the stream is down or
// stale every call transparently falls back to REST.
type PriceStream struct {
	Client // REST fallback; all non-ticker calls pass through

	wsURL  string
	logger zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]Ticker
	symbols map[string]bool

	connMu sync.Mutex
	conn   *websocket.Conn

	stopCh  chan struct{}
	stopped sync.Once
}

// NewPriceStream wraps rest with a streaming ticker cache.
func NewPriceStream(rest Client, testnet bool, logger zerolog.Logger) *PriceStream {
	wsURL := FuturesStreamURL
	if testnet {
		wsURL = FuturesTestnetStreamURL
	}
	return &PriceStream{
		Client:  rest,
		wsURL:   wsURL,
		logger:  logger.With().Str("component", "price_stream").Logger(),
		cache:   make(map[string]Ticker),
		symbols: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Watch registers a symbol for streaming updates. Safe to call repeatedly.
func (ps *PriceStream) Watch(symbol string) {
	ps.mu.Lock()
	already := ps.symbols[symbol]
	ps.symbols[symbol] = true
	ps.mu.Unlock()
	if already {
		return
	}
	ps.subscribe(symbol)
}

// GetTicker returns the streamed snapshot when fresh, otherwise REST.
func (ps *PriceStream) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	ps.mu.RLock()
	t, ok := ps.cache[symbol]
	ps.mu.RUnlock()
	if ok && time.Since(t.UpdatedAt) < tickerMaxAge && t.MarkPrice > 0 && t.LastPrice > 0 {
		return &t, nil
	}
	return ps.Client.GetTicker(ctx, symbol)
}

// Start runs the read/reconnect loop until Stop or ctx cancellation.
func (ps *PriceStream) Start(ctx context.Context) {
	go ps.run(ctx)
}

// Stop terminates the stream.
func (ps *PriceStream) Stop() {
	ps.stopped.Do(func() {
		close(ps.stopCh)
		ps.connMu.Lock()
		if ps.conn != nil {
			ps.conn.Close()
		}
		ps.connMu.Unlock()
	})
}

func (ps *PriceStream) run(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.stopCh:
			return
		default:
		}

		if err := ps.connectAndRead(ctx); err != nil {
			ps.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-ps.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (ps *PriceStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ps.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ps.wsURL, err)
	}
	ps.connMu.Lock()
	ps.conn = conn
	ps.connMu.Unlock()
	defer conn.Close()

	// Re-subscribe everything we are watching on every (re)connect.
	ps.mu.RLock()
	symbols := make([]string, 0, len(ps.symbols))
	for s := range ps.symbols {
		symbols = append(symbols, s)
	}
	ps.mu.RUnlock()
	for _, s := range symbols {
		if err := ps.sendSubscribe(conn, s); err != nil {
			return err
		}
	}
	ps.logger.Info().Int("symbols", len(symbols)).Msg("stream connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ps.handleMessage(msg)
	}
}

func (ps *PriceStream) subscribe(symbol string) {
	ps.connMu.Lock()
	conn := ps.conn
	ps.connMu.Unlock()
	if conn == nil {
		return // picked up on next (re)connect
	}
	if err := ps.sendSubscribe(conn, symbol); err != nil {
		ps.logger.Warn().Err(err).Str("symbol", symbol).Msg("live subscribe failed")
	}
}

func (ps *PriceStream) sendSubscribe(conn *websocket.Conn, symbol string) error {
	lower := strings.ToLower(symbol)
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{lower + "@markPrice@1s", lower + "@ticker"},
		"id":     time.Now().UnixNano(),
	}
	return conn.WriteJSON(req)
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (ps *PriceStream) handleMessage(msg []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Stream == "" {
		return // subscription acks and pings
	}

	switch {
	case strings.Contains(env.Stream, "@markPrice"):
		var ev struct {
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
		}
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		ps.update(ev.Symbol, func(t *Ticker) {
			t.MarkPrice = parseFloat(ev.MarkPrice)
		})
	case strings.Contains(env.Stream, "@ticker"):
		var ev struct {
			Symbol    string `json:"s"`
			LastPrice string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
		}
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		ps.update(ev.Symbol, func(t *Ticker) {
			t.LastPrice = parseFloat(ev.LastPrice)
			t.High24h = parseFloat(ev.High)
			t.Low24h = parseFloat(ev.Low)
		})
	}
}

func (ps *PriceStream) update(symbol string, fn func(*Ticker)) {
	if symbol == "" {
		return
	}
	ps.mu.Lock()
	t := ps.cache[symbol]
	t.Symbol = symbol
	fn(&t)
	t.UpdatedAt = time.Now()
	ps.cache[symbol] = t
	ps.mu.Unlock()
}

// compile-time interface check
var _ Client = (*PriceStream)(nil)
