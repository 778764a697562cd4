package signal

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Input carries structured signal fields, e.g. from a JSON webhook.
type Input struct {
	Source      Source
	Asset       string
	Direction   Direction
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
	Leverage    int
	Confidence  float64
	Timeframe   string
	RawText     string
	Metadata    map[string]any
}

// New validates and normalizes structured input into a Signal.
func New(in Input, now time.Time) (Signal, error) {
	if _, ok := knownSources[in.Source]; !ok {
		return Signal{}, ErrUnknownSource
	}
	asset := NormalizeAsset(in.Asset)
	if asset == "" || (in.Direction != Long && in.Direction != Short) {
		return Signal{}, ErrIncomplete
	}
	if in.Entry <= 0 || in.StopLoss <= 0 {
		return Signal{}, ErrInvalidPrice
	}
	if in.Entry == in.StopLoss {
		return Signal{}, ErrStopEqualsEntry
	}
	lev := in.Leverage
	if lev == 0 {
		lev = MinLeverage
	}

	var meta map[string]any
	if len(in.Metadata) > 0 {
		meta = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}

	return Signal{
		ID:          uuid.NewString(),
		Source:      in.Source,
		Asset:       asset,
		Direction:   in.Direction,
		Entry:       in.Entry,
		StopLoss:    in.StopLoss,
		TakeProfits: NormalizeTargets(in.TakeProfits),
		Leverage:    clampLeverage(lev),
		Confidence:  math.Max(0, math.Min(in.Confidence, 1)),
		Timeframe:   strings.ToLower(strings.TrimSpace(in.Timeframe)),
		MarketType:  MarketTypeOf(asset),
		RawText:     in.RawText,
		Metadata:    meta,
		CreatedAt:   now.UTC(),
	}, nil
}

// ToSignal promotes a valid intent. Invalid intents return ErrIncomplete.
func (p ParsedIntent) ToSignal(source Source, now time.Time) (Signal, error) {
	if !p.Valid() {
		return Signal{}, ErrIncomplete
	}
	return New(Input{
		Source:      source,
		Asset:       p.Asset,
		Direction:   p.Direction,
		Entry:       p.Entry,
		StopLoss:    p.StopLoss,
		TakeProfits: p.TakeProfits,
		Leverage:    p.Leverage,
		Confidence:  p.Confidence,
		Timeframe:   p.Timeframe,
		RawText:     p.RawText,
	}, now)
}

// NormalizeAsset trims, uppercases and unifies pair separators to "/".
func NormalizeAsset(asset string) string {
	a := strings.ToUpper(strings.TrimSpace(asset))
	a = strings.TrimLeft(a, "#$")
	return strings.ReplaceAll(a, "-", "/")
}

var (
	commoditySymbols = []string{"XAU", "XAG", "GOLD", "SILVER", "OIL", "WTI", "BRENT", "NATGAS", "COPPER"}
	indexSymbols     = []string{"SPX", "SP500", "US500", "NAS100", "NDX", "US30", "DJI", "DAX", "GER40", "UK100", "FTSE", "NIKKEI", "JP225"}
	cryptoQuotes     = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}
	cryptoBases      = []string{"BTC", "ETH", "SOL", "XRP", "BNB", "ADA", "DOGE", "DOT", "AVAX", "LINK", "MATIC", "LTC", "TRX", "SHIB", "PEPE", "ARB", "OP", "SUI", "TON", "ATOM"}
)

// MarketTypeOf classifies an asset symbol.
func MarketTypeOf(asset string) MarketType {
	a := NormalizeAsset(asset)
	base, quote, pair := strings.Cut(a, "/")
	if !pair && len(a) == 6 {
		base, quote, pair = a[:3], a[3:], true
	}

	if hasPrefixIn(a, commoditySymbols) {
		return MarketCommodities
	}
	if hasPrefixIn(a, indexSymbols) {
		return MarketIndices
	}
	if pair && (in(quote, cryptoQuotes) || in(base, cryptoBases)) {
		return MarketCrypto
	}
	if pair && isFiat(base) && isFiat(quote) {
		return MarketForex
	}
	if in(a, cryptoBases) {
		return MarketCrypto
	}
	for _, q := range cryptoQuotes {
		if len(a) > len(q) && strings.HasSuffix(a, q) {
			return MarketCrypto
		}
	}
	return MarketStocks
}

func hasPrefixIn(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func in(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
