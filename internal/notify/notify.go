// Package notify delivers auto-execute messages to logs, the event bus and
// HTTP endpoints.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/monitor"
	"github.com/robinzi2001-cell/trading-ai/pkg/i18n"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

// Render returns the localized text of msg. Rejections are prefixed with a
// translated label for the code; other kinds keep their text.
func Render(msg autoexec.Message) string {
	switch msg.Kind {
	case autoexec.KindSignalRejected, autoexec.KindExecutionFailed:
		label := Label(msg.Code)
		if label == "" {
			return msg.Text
		}
		format := i18n.M().SignalRejected
		if msg.Kind == autoexec.KindExecutionFailed {
			format = i18n.M().ExecutionFailed
		}
		return fmt.Sprintf(format, msg.Symbol, label) + " | " + msg.Text
	}
	return msg.Text
}

// Label translates a result code. Unknown codes return "".
func Label(code autoexec.Code) string {
	m := i18n.M()
	switch code {
	case autoexec.CodeDisabled:
		return m.RejectDisabled
	case autoexec.CodeDailyLimit:
		return m.RejectDailyLimit
	case autoexec.CodeSourceNotAllowed:
		return m.RejectSource
	case autoexec.CodeLowConfidence:
		return m.RejectConfidence
	case autoexec.CodeCooldown:
		return m.RejectCooldown
	case autoexec.CodeBreakerOpen:
		return m.RejectBreaker
	case autoexec.CodeQualityDisapproved:
		return m.RejectQualityVeto
	case autoexec.CodeQualityTooLow:
		return m.RejectQualityScore
	case autoexec.CodeLedgerRejected:
		return m.RejectLedger
	case autoexec.CodeExecutionTimeout:
		return m.RejectExecTimeout
	case autoexec.CodeExecutionFailed:
		return m.RejectExecFailed
	case "":
		return ""
	}
	// risk reasons
	return m.RejectRisk
}

// LogNotifier writes messages to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Send(_ context.Context, msg autoexec.Message) error {
	fields := []zap.Field{
		zap.String("kind", string(msg.Kind)),
		zap.String("symbol", msg.Symbol),
		zap.String("code", string(msg.Code)),
	}
	switch msg.Kind {
	case autoexec.KindExecutionFailed, autoexec.KindBreakerOpen, autoexec.KindRiskAlert:
		n.logger.Warn(Render(msg), fields...)
	default:
		n.logger.Info(Render(msg), fields...)
	}
	return nil
}

// BusNotifier republishes messages on the event bus for websocket clients.
type BusNotifier struct {
	pub autoexec.Publisher
}

func NewBusNotifier(pub autoexec.Publisher) *BusNotifier {
	return &BusNotifier{pub: pub}
}

func (n *BusNotifier) Send(_ context.Context, msg autoexec.Message) error {
	msg.Text = Render(msg)
	n.pub.Publish(events.EventNotification, msg)
	return nil
}

// WebhookNotifier posts messages as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg autoexec.Message) error {
	body, err := json.Marshal(map[string]any{
		"kind":   msg.Kind,
		"symbol": msg.Symbol,
		"code":   msg.Code,
		"text":   Render(msg),
		"at":     msg.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Multi sends to every notifier and combines their errors.
type Multi []autoexec.Notifier

func (m Multi) Send(ctx context.Context, msg autoexec.Message) error {
	var errs error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = multierr.Append(errs, n.Send(ctx, msg))
	}
	return errs
}

// AlertSink forwards monitor alerts as risk-alert messages.
func AlertSink(n autoexec.Notifier) monitor.AlertSink {
	return monitor.SinkFunc(func(ctx context.Context, a monitor.Alert) error {
		return n.Send(ctx, autoexec.Message{
			Kind: autoexec.KindRiskAlert,
			Text: fmt.Sprintf("[%s] %s: %s", a.Level, a.Rule, a.Message),
			At:   a.At,
		})
	})
}
