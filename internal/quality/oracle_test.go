package quality

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/indicators"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

func TestBandOf(t *testing.T) {
	tests := []struct {
		score   float64
		want    Band
		approve bool
	}{
		{100, BandExcellent, true},
		{90, BandExcellent, true},
		{89.9, BandGood, true},
		{70, BandGood, true},
		{50, BandModerate, true},
		{49.9, BandPoor, false},
		{30, BandPoor, false},
		{29, BandReject, false},
		{0, BandReject, false},
	}
	for _, tt := range tests {
		got := BandOf(tt.score)
		if got != tt.want {
			t.Fatalf("BandOf(%v) = %s, want %s", tt.score, got, tt.want)
		}
		if got.Approves() != tt.approve {
			t.Fatalf("%s.Approves() = %v", got, got.Approves())
		}
	}
}

func TestHeuristic_Score(t *testing.T) {
	h := NewHeuristic(HeuristicConfig{TrustedChannels: []string{"Evening Trader"}})

	base := signal.Signal{
		ID:          "s1",
		Source:      signal.SourceTelegram,
		Asset:       "BTCUSDT",
		Direction:   signal.Long,
		Entry:       100,
		StopLoss:    95,
		TakeProfits: []float64{110, 120},
		Leverage:    5,
		Confidence:  1,
		CreatedAt:   time.Now(),
	}

	tests := []struct {
		name     string
		mutate   func(s *signal.Signal)
		want     float64
		band     Band
		warnings int
	}{
		{"full marks without trust", func(s *signal.Signal) {}, 85, BandGood, 0},
		{"trusted channel caps at 100", func(s *signal.Signal) {
			s.Metadata = map[string]any{"channel": "evening trader VIP"}
		}, 100, BandExcellent, 0},
		{"rr 1.5 tier", func(s *signal.Signal) { s.TakeProfits = []float64{107.5} }, 75, BandGood, 0},
		{"rr 1 tier", func(s *signal.Signal) { s.TakeProfits = []float64{105} }, 65, BandModerate, 0},
		{"poor rr warns", func(s *signal.Signal) { s.TakeProfits = []float64{102} }, 55, BandModerate, 1},
		{"no target", func(s *signal.Signal) { s.TakeProfits = nil; s.Confidence = 0.5 }, 20, BandReject, 1},
		{"short uses nearest target", func(s *signal.Signal) {
			s.Direction = signal.Short
			s.StopLoss = 105
			s.TakeProfits = []float64{80, 90}
		}, 85, BandGood, 0},
		{"high leverage warns", func(s *signal.Signal) { s.Leverage = 50 }, 85, BandGood, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := base
			tt.mutate(&sig)
			a, err := h.Score(context.Background(), sig)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if a.Score != tt.want {
				t.Fatalf("score = %v, want %v", a.Score, tt.want)
			}
			if a.Quality != string(tt.band) {
				t.Fatalf("band = %s, want %s", a.Quality, tt.band)
			}
			if a.Approve != tt.band.Approves() {
				t.Fatalf("approve = %v", a.Approve)
			}
			if len(a.Warnings) != tt.warnings {
				t.Fatalf("warnings = %v", a.Warnings)
			}
		})
	}
}

func TestHeuristic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHeuristic(HeuristicConfig{}).Score(ctx, signal.Signal{}); err == nil {
		t.Fatal("expected context error")
	}
}

type stubTrend struct {
	v     indicators.Values
	ready bool
}

func (s stubTrend) Snapshot(string) (indicators.Values, bool) { return s.v, s.ready }

func TestHeuristic_TrendCheck(t *testing.T) {
	long := signal.Signal{
		ID: "s1", Source: signal.SourceWebhook, Asset: "ETH/USDT", Direction: signal.Long,
		Entry: 100, StopLoss: 95, TakeProfits: []float64{110}, Leverage: 2, Confidence: 1,
	}
	short := long
	short.Direction, short.StopLoss, short.TakeProfits = signal.Short, 105, []float64{90}

	up := indicators.Values{SMAShort: 102, SMALong: 100, RSI: 55}
	down := indicators.Values{SMAShort: 98, SMALong: 100, RSI: 45}

	tests := []struct {
		name     string
		sig      signal.Signal
		trend    stubTrend
		want     float64
		warnings int
	}{
		{"not warmed up", long, stubTrend{v: down}, 85, 0},
		{"long with trend", long, stubTrend{v: up, ready: true}, 90, 0},
		{"long against trend", long, stubTrend{v: down, ready: true}, 75, 1},
		{"long into overbought", long, stubTrend{v: indicators.Values{SMAShort: 102, SMALong: 100, RSI: 80}, ready: true}, 85, 1},
		{"short with trend", short, stubTrend{v: down, ready: true}, 90, 0},
		{"short against trend and oversold", short, stubTrend{v: indicators.Values{SMAShort: 102, SMALong: 100, RSI: 20}, ready: true}, 70, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeuristic(HeuristicConfig{Trend: tt.trend})
			a, err := h.Score(context.Background(), tt.sig)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if a.Score != tt.want {
				t.Fatalf("score = %v, want %v (%s)", a.Score, tt.want, a.Reasoning)
			}
			if len(a.Warnings) != tt.warnings {
				t.Fatalf("warnings = %v", a.Warnings)
			}
		})
	}
}

func TestHeuristic_TrendFromEngine(t *testing.T) {
	engine := indicators.NewEngine(2, 4, 3, 8)
	for _, p := range []float64{100, 99, 101, 100, 102, 101} {
		engine.Observe("ETH/USDT", p)
	}
	h := NewHeuristic(HeuristicConfig{Trend: engine})
	a, err := h.Score(context.Background(), signal.Signal{
		ID: "s1", Source: signal.SourceWebhook, Asset: "ETH/USDT", Direction: signal.Long,
		Entry: 100, StopLoss: 95, TakeProfits: []float64{110}, Leverage: 2, Confidence: 1,
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if a.Score != 90 || !strings.Contains(a.Reasoning, "trend aligned") {
		t.Fatalf("assessment = %+v", a)
	}
}
