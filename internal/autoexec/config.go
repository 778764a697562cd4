package autoexec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

var ErrInvalidConfig = errors.New("invalid auto-execute config")

// Tier scales position size for quality scores at or above MinScore.
type Tier struct {
	MinScore   float64 `json:"min_score" yaml:"min_score"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Config controls the auto-execute pipeline.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	MinConfidence          float64         `json:"min_confidence" yaml:"min_confidence"`
	MinQualityScore        float64         `json:"min_quality_score" yaml:"min_quality_score"`
	RequireQualityApproval bool            `json:"require_quality_approval" yaml:"require_quality_approval"`
	SkipGateOnOracleError  bool            `json:"skip_gate_on_oracle_error" yaml:"skip_gate_on_oracle_error"`
	AllowedSources         []signal.Source `json:"allowed_sources" yaml:"allowed_sources"` // empty allows all

	MaxDailyTrades         int `json:"max_daily_trades" yaml:"max_daily_trades"`
	CooldownMinutes        int `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MaxConsecutiveErrors   int `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	BreakerCooldownMinutes int `json:"breaker_cooldown_minutes" yaml:"breaker_cooldown_minutes"` // 0 keeps the breaker open until reset

	ScaleWithScore   bool   `json:"scale_with_score" yaml:"scale_with_score"`
	ScoreMultipliers []Tier `json:"score_multipliers" yaml:"score_multipliers"`

	ExecutorTimeoutSeconds float64 `json:"executor_timeout_seconds" yaml:"executor_timeout_seconds"`
	OracleTimeoutSeconds   float64 `json:"oracle_timeout_seconds" yaml:"oracle_timeout_seconds"`
	NotifyTimeoutSeconds   float64 `json:"notify_timeout_seconds" yaml:"notify_timeout_seconds"`

	HistorySize int `json:"history_size" yaml:"history_size"`

	NotifyOnTrade  bool `json:"notify_on_trade" yaml:"notify_on_trade"`
	NotifyOnReject bool `json:"notify_on_reject" yaml:"notify_on_reject"`
	NotifyOnError  bool `json:"notify_on_error" yaml:"notify_on_error"`
}

// DefaultConfig returns a disabled pipeline with conservative limits.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		MinConfidence:          0.6,
		MinQualityScore:        60,
		RequireQualityApproval: true,
		AllowedSources: []signal.Source{
			signal.SourceTelegram,
			signal.SourceTelegramChannel,
			signal.SourceTelegramBot,
			signal.SourceWebhook,
			signal.SourceRSS,
		},
		MaxDailyTrades:         10,
		CooldownMinutes:        5,
		MaxConsecutiveErrors:   5,
		BreakerCooldownMinutes: 30,
		ScaleWithScore:         true,
		ScoreMultipliers: []Tier{
			{MinScore: 90, Multiplier: 2.0},
			{MinScore: 80, Multiplier: 1.5},
			{MinScore: 70, Multiplier: 1.0},
			{MinScore: 60, Multiplier: 0.5},
		},
		ExecutorTimeoutSeconds: 10,
		OracleTimeoutSeconds:   15,
		NotifyTimeoutSeconds:   5,
		HistorySize:            100,
		NotifyOnTrade:          true,
		NotifyOnReject:         true,
		NotifyOnError:          true,
	}
}

// Validate checks ranges and normalizes the multiplier tiers.
func (c *Config) Validate() error {
	switch {
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return fmt.Errorf("%w: min_confidence must be in [0,1]", ErrInvalidConfig)
	case c.MinQualityScore < 0 || c.MinQualityScore > 100:
		return fmt.Errorf("%w: min_quality_score must be in [0,100]", ErrInvalidConfig)
	case c.MaxDailyTrades < 1:
		return fmt.Errorf("%w: max_daily_trades must be at least 1", ErrInvalidConfig)
	case c.CooldownMinutes < 0:
		return fmt.Errorf("%w: cooldown_minutes must not be negative", ErrInvalidConfig)
	case c.MaxConsecutiveErrors < 1:
		return fmt.Errorf("%w: max_consecutive_errors must be at least 1", ErrInvalidConfig)
	case c.BreakerCooldownMinutes < 0:
		return fmt.Errorf("%w: breaker_cooldown_minutes must not be negative", ErrInvalidConfig)
	case c.ExecutorTimeoutSeconds <= 0 || c.OracleTimeoutSeconds <= 0 || c.NotifyTimeoutSeconds <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	for _, src := range c.AllowedSources {
		if _, ok := signal.ParseSource(string(src)); !ok {
			return fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, src)
		}
	}
	for _, t := range c.ScoreMultipliers {
		if t.Multiplier <= 0 || t.MinScore < 0 || t.MinScore > 100 {
			return fmt.Errorf("%w: invalid score tier %+v", ErrInvalidConfig, t)
		}
	}
	if c.HistorySize < 1 {
		c.HistorySize = 100
	}
	c.ScoreMultipliers = append([]Tier(nil), c.ScoreMultipliers...)
	sort.Slice(c.ScoreMultipliers, func(i, j int) bool {
		return c.ScoreMultipliers[i].MinScore > c.ScoreMultipliers[j].MinScore
	})
	return nil
}

func (c Config) sourceAllowed(s signal.Source) bool {
	if len(c.AllowedSources) == 0 {
		return true
	}
	for _, allowed := range c.AllowedSources {
		if allowed == s {
			return true
		}
	}
	return false
}

// multiplierFor returns the tier multiplier for score, or 1 when scaling is
// off, no score exists or no tier matches.
func (c Config) multiplierFor(score float64, scored bool) float64 {
	if !c.ScaleWithScore || !scored {
		return 1
	}
	for _, t := range c.ScoreMultipliers {
		if score >= t.MinScore {
			return t.Multiplier
		}
	}
	return 1
}

func (c Config) clone() Config {
	out := c
	out.AllowedSources = append([]signal.Source(nil), c.AllowedSources...)
	out.ScoreMultipliers = append([]Tier(nil), c.ScoreMultipliers...)
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c Config) cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func (c Config) breakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMinutes) * time.Minute
}
