package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
)

// DefaultStreamURL is the Binance combined-stream endpoint.
const DefaultStreamURL = "wss://stream.binance.com:9443/stream"

var ErrNoSymbols = errors.New("stream feed: no symbols")

// StreamFeed relays Binance mini-ticker closes as price ticks. It reconnects
// with exponential backoff until ctx is cancelled.
type StreamFeed struct {
	Bus          Publisher
	Symbols      []string // ledger symbols such as "BTC/USDT"
	URL          string
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger

	wg sync.WaitGroup
}

// Start launches the reader goroutine.
func (f *StreamFeed) Start(ctx context.Context) error {
	if f.Bus == nil {
		return errors.New("stream feed: bus not set")
	}
	if len(f.Symbols) == 0 {
		return ErrNoSymbols
	}
	if f.Logger == nil {
		f.Logger = zap.NewNop()
	}
	if f.URL == "" {
		f.URL = DefaultStreamURL
	}
	if f.Dialer == nil {
		f.Dialer = websocket.DefaultDialer
	}
	if f.ReconnectMin <= 0 {
		f.ReconnectMin = time.Second
	}
	if f.ReconnectMax < f.ReconnectMin {
		f.ReconnectMax = time.Minute
	}

	u, names, err := streamURL(f.URL, f.Symbols)
	if err != nil {
		return err
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		backoff := f.ReconnectMin
		for {
			start := time.Now()
			err := f.session(ctx, u, names)
			if ctx.Err() != nil {
				return
			}
			if time.Since(start) > f.ReconnectMax {
				backoff = f.ReconnectMin
			}
			f.Logger.Warn("price stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.ReconnectMax {
				backoff = f.ReconnectMax
			}
		}
	}()
	return nil
}

// Wait blocks until the reader goroutine exits.
func (f *StreamFeed) Wait() { f.wg.Wait() }

func (f *StreamFeed) session(ctx context.Context, u string, names map[string]string) error {
	conn, _, err := f.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	f.Logger.Info("price stream connected", zap.Int("symbols", len(names)))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, ok, err := parseMiniTicker(msg, names)
		if err != nil {
			f.Logger.Debug("price stream parse error", zap.Error(err))
			continue
		}
		if ok {
			f.Bus.Publish(events.EventPriceTick, tick)
		}
	}
}

// streamURL builds the combined stream URL and maps exchange symbols back
// to ledger symbols.
func streamURL(base string, symbols []string) (string, map[string]string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("parse stream url: %w", err)
	}
	names := make(map[string]string, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		ex := ExchangeSymbol(sym)
		if ex == "" {
			continue
		}
		if _, dup := names[ex]; dup {
			continue
		}
		names[ex] = sym
		streams = append(streams, strings.ToLower(ex)+"@miniTicker")
	}
	if len(streams) == 0 {
		return "", nil, ErrNoSymbols
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), names, nil
}

// ExchangeSymbol strips separators: "BTC/USDT" -> "BTCUSDT".
func ExchangeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

func parseMiniTicker(msg []byte, names map[string]string) (events.PriceTick, bool, error) {
	var raw struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string `json:"s"`
			Close  any    `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return events.PriceTick{}, false, err
	}
	sym, ok := names[raw.Data.Symbol]
	if !ok {
		return events.PriceTick{}, false, nil
	}
	price, err := cast.ToFloat64E(raw.Data.Close)
	if err != nil || price <= 0 {
		return events.PriceTick{}, false, fmt.Errorf("bad close %v for %s", raw.Data.Close, sym)
	}
	return events.PriceTick{Symbol: sym, Price: price}, true, nil
}
