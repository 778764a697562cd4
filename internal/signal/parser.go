package signal

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// targetScale bounds how far a comma-split target may sit from the entry.
const targetScale = 10

var (
	cryptoPairRe = regexp.MustCompile(`(?i)\b([A-Z]{2,6})[/\-]?(USDT|USDC|BUSD|BTC|ETH)\b`)
	forexPairRe  = regexp.MustCompile(`\b([A-Z]{3})/?([A-Z]{3})\b`)

	longRe  = regexp.MustCompile(`(?i)\b(?:LONG|BUY|KAUFEN)\b`)
	shortRe = regexp.MustCompile(`(?i)\b(?:SHORT|SELL|VERKAUFEN)\b`)

	numberRe = regexp.MustCompile(`[0-9][0-9,.]*`)
	entryRe  = regexp.MustCompile(`(?i)(?:\b(?:entry|open|price|einstieg)|@)[:=\s]*([0-9][0-9,.]*)`)
	stopRe   = regexp.MustCompile(`(?i)\b(?:sl|stop[\s-]*loss|stoploss|stop)[:=\s]*([0-9][0-9,.]*)`)
	targetRe = regexp.MustCompile(`(?i)\b(?:tp|take[\s-]*profit|target|ziel)(?:\s*\d+\s*[:=)]\s*|\d+[:=\s]+|[:=\s]+)([0-9][0-9,.]*)`)
	// one label followed by a list, e.g. "TP: 100, 110, 120" or "Targets 100 110"
	targetListRe = regexp.MustCompile(`(?i)\b(?:tps?|take[\s-]*profits?|targets?|ziele?)[:=\s]+([0-9](?:[0-9,.]*[0-9])?\b(?:(?:[ \t]*;[ \t]*|,[ \t]+|[ \t]+)[0-9](?:[0-9,.]*[0-9])?\b)+)`)
	listSepRe    = regexp.MustCompile(`[ \t]*;[ \t]*|,[ \t]+|[ \t]+`)

	leverageLabelRe  = regexp.MustCompile(`(?i)\b(?:leverage|lev|hebel)[:=\s]*x?\s*([0-9]{1,3})`)
	leverageSuffixRe = regexp.MustCompile(`(?i)\b([0-9]{1,3})\s?x\b`)
	leveragePrefixRe = regexp.MustCompile(`(?i)\bx([0-9]{1,3})\b`)

	timeframeRe = regexp.MustCompile(`(?i)\b(1m|5m|15m|30m|1h|4h|1d|1w)\b`)
)

var (
	longEmoji  = []string{"🟢", "📈"}
	shortEmoji = []string{"🔴", "📉"}
)

// words the asset fallback must never mistake for a ticker
var reservedWords = map[string]struct{}{
	"LONG": {}, "SHORT": {}, "BUY": {}, "SELL": {}, "ENTRY": {}, "OPEN": {},
	"PRICE": {}, "SL": {}, "TP": {}, "STOP": {}, "LOSS": {}, "TAKE": {},
	"ZIEL": {}, "LEV": {}, "HEBEL": {}, "NEW": {}, "SPOT": {}, "CROSS": {},
	"ALERT": {}, "ZONE": {}, "NOW": {}, "AT": {}, "THE": {}, "AND": {},
}

var fiatCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "AUD": {}, "CAD": {},
	"NZD": {}, "SEK": {}, "NOK": {}, "DKK": {}, "PLN": {}, "TRY": {}, "ZAR": {},
	"MXN": {}, "SGD": {}, "HKD": {}, "CNH": {}, "XAU": {}, "XAG": {},
}

// Parse extracts a trade intent from free text. It never fails; fields it
// cannot find stay zero and the confidence score reflects what was found.
func Parse(text string) ParsedIntent {
	p := ParsedIntent{
		RawText:     text,
		Asset:       extractAsset(text),
		Direction:   extractDirection(text),
		Entry:       extractEntry(text),
		StopLoss:    firstLabeledNumber(stopRe, text),
		Leverage:    extractLeverage(text),
		Timeframe:   extractTimeframe(text),
	}
	p.TakeProfits = extractTargets(text, p.Entry)
	p.Confidence = Confidence(p)
	return p
}

func extractAsset(text string) string {
	if m := cryptoPairRe.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1]) + "/" + strings.ToUpper(m[2])
	}
	for _, m := range forexPairRe.FindAllStringSubmatch(text, -1) {
		if isFiat(m[1]) && isFiat(m[2]) && m[1] != m[2] {
			return m[1] + "/" + m[2]
		}
	}
	for _, field := range strings.Fields(text) {
		tok := strings.ToUpper(strings.Trim(field, "#$:,.!?()[]*"))
		if len(tok) < 2 || len(tok) > 5 || !isASCIIAlpha(tok) {
			continue
		}
		if _, reserved := reservedWords[tok]; reserved {
			continue
		}
		return tok
	}
	return ""
}

func extractDirection(text string) Direction {
	if longRe.MatchString(text) || containsAny(text, longEmoji) {
		return Long
	}
	if shortRe.MatchString(text) || containsAny(text, shortEmoji) {
		return Short
	}
	return ""
}

func extractEntry(text string) float64 {
	if v := firstLabeledNumber(entryRe, text); v > 0 {
		return v
	}
	for _, tok := range numberRe.FindAllString(text, -1) {
		if v, ok := ParseNumber(tok); ok && v > 0 {
			return v
		}
	}
	return 0
}

func extractTargets(text string, entry float64) []float64 {
	var labeled []float64
	for _, m := range targetRe.FindAllStringSubmatch(text, -1) {
		if list := splitCommaList(m[1], entry); list != nil {
			labeled = append(labeled, list...)
			continue
		}
		if v, ok := ParseNumber(m[1]); ok && v > 0 {
			labeled = append(labeled, v)
		}
	}
	if len(labeled) <= 1 {
		if m := targetListRe.FindStringSubmatch(text); m != nil {
			var list []float64
			for _, part := range listSepRe.Split(strings.TrimSpace(m[1]), -1) {
				if v, ok := ParseNumber(part); ok && v > 0 {
					list = append(list, v)
				}
			}
			if len(list) > 1 {
				labeled = list
			}
		}
	}
	return NormalizeTargets(labeled)
}

// splitCommaList reads "160,170,180" as three targets rather than one
// thousands-grouped number. With a known entry the split is taken only when
// the joined value is out of scale and every part is in scale; without one,
// two or more commas and no decimal point are required.
func splitCommaList(raw string, entry float64) []float64 {
	raw = strings.Trim(raw, ",.")
	if !strings.Contains(raw, ",") || strings.Contains(raw, ".") {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, ok := ParseNumber(part)
		if !ok || v <= 0 {
			return nil
		}
		if entry > 0 && (v < entry/targetScale || v > entry*targetScale) {
			return nil
		}
		out = append(out, v)
	}
	if entry > 0 {
		if whole, ok := ParseNumber(raw); ok && whole <= entry*targetScale {
			return nil
		}
		return out
	}
	if len(parts) < 3 {
		return nil
	}
	return out
}

func extractLeverage(text string) int {
	for _, re := range []*regexp.Regexp{leverageLabelRe, leverageSuffixRe, leveragePrefixRe} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, ok := ParseNumber(m[1])
		if !ok || v < MinLeverage {
			continue
		}
		return clampLeverage(int(v))
	}
	return 0
}

func extractTimeframe(text string) string {
	if m := timeframeRe.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

func firstLabeledNumber(re *regexp.Regexp, text string) float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	v, ok := ParseNumber(m[1])
	if !ok {
		return 0
	}
	return v
}

// Confidence scores completeness and internal consistency of an intent on a
// ten point budget, normalized to [0,1].
func Confidence(p ParsedIntent) float64 {
	const budget = 10.0
	score := 0.0
	if p.Asset != "" {
		score += 2
	}
	if p.Direction != "" {
		score += 2
	}
	if p.Entry > 0 {
		score += 2
	}
	if p.StopLoss > 0 {
		score += 2
	}
	if len(p.TakeProfits) > 0 {
		score++
		if len(p.TakeProfits) >= 2 {
			score += 0.5
		}
	}
	if p.Leverage > 0 {
		score += 0.5
	}
	if p.Entry > 0 && p.StopLoss > 0 && p.Direction != "" {
		if stopOnLossSide(p.Direction, p.Entry, p.StopLoss) {
			score += 0.5
		}
		if len(p.TakeProfits) > 0 && targetsOnProfitSide(p.Direction, p.Entry, p.TakeProfits) {
			score += 0.5
		}
	}
	return math.Max(0, math.Min(score/budget, 1))
}

func stopOnLossSide(d Direction, entry, stop float64) bool {
	if d == Long {
		return stop < entry
	}
	return stop > entry
}

func targetsOnProfitSide(d Direction, entry float64, targets []float64) bool {
	for _, tp := range targets {
		if d == Long && tp <= entry {
			return false
		}
		if d == Short && tp >= entry {
			return false
		}
	}
	return true
}

// NormalizeTargets drops non-positive values, deduplicates and sorts
// ascending.
func NormalizeTargets(in []float64) []float64 {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[float64]struct{}, len(in))
	out := make([]float64, 0, len(in))
	for _, v := range in {
		if v <= 0 {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Float64s(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func clampLeverage(v int) int {
	if v < MinLeverage {
		return MinLeverage
	}
	if v > MaxLeverage {
		return MaxLeverage
	}
	return v
}

func isFiat(code string) bool {
	_, ok := fiatCodes[code]
	return ok
}

func isASCIIAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
