package events

// Event enumerates high-level topics inside the trading service.
type Event string

const (
	EventSignalReceived    Event = "signal.received"
	EventSignalDismissed   Event = "signal.dismissed"
	EventPriceTick         Event = "price.tick"
	EventTradeOpened       Event = "trade.opened"
	EventTradeClosed       Event = "trade.closed"
	EventTradeCancelled    Event = "trade.cancelled"
	EventPositionUpdated   Event = "position.updated"
	EventPortfolioUpdated  Event = "portfolio.updated"
	EventExecutionRecorded Event = "autoexec.execution"
	EventBreakerChanged    Event = "autoexec.breaker"
	EventRiskAlert         Event = "risk.alert"
	EventNotification      Event = "notify.message"
)

// All lists every topic, used by fan-out consumers such as the websocket hub.
var All = []Event{
	EventSignalReceived,
	EventSignalDismissed,
	EventPriceTick,
	EventTradeOpened,
	EventTradeClosed,
	EventTradeCancelled,
	EventPositionUpdated,
	EventPortfolioUpdated,
	EventExecutionRecorded,
	EventBreakerChanged,
	EventRiskAlert,
	EventNotification,
}

// PriceTick is the payload of EventPriceTick.
type PriceTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Envelope wraps a payload with its topic for consumers that subscribe to
// several topics at once.
type Envelope struct {
	Type    Event `json:"type"`
	Payload any   `json:"payload"`
}
