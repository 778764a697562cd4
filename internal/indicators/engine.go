package indicators

import (
	"strings"
	"sync"
)

// Values is the latest indicator set for one symbol.
type Values struct {
	SMAShort float64 `json:"sma_short"`
	SMALong  float64 `json:"sma_long"`
	RSI      float64 `json:"rsi"`
	Samples  int     `json:"samples"`
}

// Trend reports +1 when the short average is above the long one, -1 when
// below and 0 when they are equal or not yet available.
func (v Values) Trend() int {
	switch {
	case v.SMAShort == 0 || v.SMALong == 0:
		return 0
	case v.SMAShort > v.SMALong:
		return 1
	case v.SMAShort < v.SMALong:
		return -1
	}
	return 0
}

// Engine maintains per-symbol price windows and calculates a few core indicators.
type Engine struct {
	mu      sync.Mutex
	prices  map[string][]float64
	window  int
	shortMA int
	longMA  int
	rsi     int
}

// NewEngine builds an indicator engine. Zero periods fall back to 9/21/14.
func NewEngine(shortMA, longMA, rsiPeriod, window int) *Engine {
	if shortMA <= 0 {
		shortMA = 9
	}
	if longMA <= shortMA {
		longMA = max(21, shortMA+1)
	}
	if rsiPeriod <= 0 {
		rsiPeriod = 14
	}
	window = max(window, longMA, rsiPeriod+1)
	return &Engine{
		prices:  make(map[string][]float64),
		window:  window,
		shortMA: shortMA,
		longMA:  longMA,
		rsi:     rsiPeriod,
	}
}

// Update ingests a new price and returns the latest computed values.
func (e *Engine) Update(symbol string, price float64) Values {
	if price <= 0 {
		v, _ := e.Snapshot(symbol)
		return v
	}
	key := strings.ToUpper(symbol)

	e.mu.Lock()
	defer e.mu.Unlock()

	arr := append(e.prices[key], price)
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	e.prices[key] = arr
	return e.valuesLocked(arr)
}

// Observe records a price; it satisfies the sweeper's tick observer.
func (e *Engine) Observe(symbol string, price float64) { e.Update(symbol, price) }

// Snapshot returns the current values and whether every indicator has
// enough samples.
func (e *Engine) Snapshot(symbol string) (Values, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arr := e.prices[strings.ToUpper(symbol)]
	v := e.valuesLocked(arr)
	return v, len(arr) >= e.longMA && len(arr) > e.rsi
}

func (e *Engine) valuesLocked(arr []float64) Values {
	return Values{
		SMAShort: SMA(arr, e.shortMA),
		SMALong:  SMA(arr, e.longMA),
		RSI:      RSI(arr, e.rsi),
		Samples:  len(arr),
	}
}
