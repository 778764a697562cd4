package indicators

import (
	"math"
	"testing"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   float64
	}{
		{"short window", []float64{1, 2}, 3, 0},
		{"exact", []float64{1, 2, 3}, 3, 2},
		{"last values only", []float64{10, 1, 2, 3}, 3, 2},
		{"zero period", []float64{1, 2, 3}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SMA(tt.values, tt.period); got != tt.want {
				t.Fatalf("SMA = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"not enough samples", []float64{1, 2, 3}, 0},
		{"only gains", []float64{1, 2, 3, 4, 5}, 100},
		{"only losses", []float64{5, 4, 3, 2, 1}, 0},
		{"balanced", []float64{10, 11, 10, 11, 10}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RSI(tt.values, 4); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("RSI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_SnapshotReadiness(t *testing.T) {
	e := NewEngine(2, 4, 3, 5)

	for i, p := range []float64{100, 101, 102} {
		e.Update("btc/usdt", p)
		if _, ready := e.Snapshot("BTC/USDT"); ready {
			t.Fatalf("ready after %d samples", i+1)
		}
	}
	v := e.Update("BTC/USDT", 103)
	if v.Samples != 4 || v.SMALong != 101.5 || v.SMAShort != 102.5 {
		t.Fatalf("values = %+v", v)
	}
	if _, ready := e.Snapshot("BTC/USDT"); !ready {
		t.Fatal("expected ready after long window filled")
	}
	if v.Trend() != 1 {
		t.Fatalf("Trend = %d, want 1", v.Trend())
	}

	for _, p := range []float64{90, 80, 70} {
		e.Observe("BTC/USDT", p)
	}
	v, _ = e.Snapshot("BTC/USDT")
	if v.Samples != 5 {
		t.Fatalf("window not capped: %d samples", v.Samples)
	}
	if v.Trend() != -1 {
		t.Fatalf("Trend = %d, want -1", v.Trend())
	}
}

func TestEngine_IgnoresInvalidPrice(t *testing.T) {
	e := NewEngine(0, 0, 0, 0)
	e.Update("ETH/USDT", 0)
	e.Update("ETH/USDT", -5)
	if v, _ := e.Snapshot("ETH/USDT"); v.Samples != 0 {
		t.Fatalf("samples = %d, want 0", v.Samples)
	}
}
