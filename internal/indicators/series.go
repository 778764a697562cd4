package indicators

// SMA is the mean of the last period values, or 0 when fewer are available.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI computes an unsmoothed Relative Strength Index over the last period
// changes. A window without losses yields 100; too few values yield 0.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	tail := values[len(values)-period-1:]
	var gain, loss float64
	for i := 1; i < len(tail); i++ {
		if d := tail[i] - tail[i-1]; d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}
