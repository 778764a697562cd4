package monitor

import (
	"context"
	"time"
)

// Level is the severity of an alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is emitted when a monitoring rule trips.
type Alert struct {
	Level   Level     `json:"level"`
	Rule    string    `json:"rule"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }
