package i18n

import (
	"reflect"
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangDE Language = "de"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	PaperMode          string
	StateRestored      string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	StateLoadFailed    string
	APIServerError     string
	MockFeedStarted    string

	// Signals
	SignalReceived      string
	SignalParseFailed   string
	SignalDismissed     string
	WebhookBadSignature string

	// Auto-execute
	AutoExecEnabled    string
	AutoExecDisabled   string
	TradeExecuted      string
	SignalRejected     string
	ExecutionFailed    string
	BreakerOpened      string
	BreakerReset       string
	DailyCounterReset  string
	QualityUnavailable string
	NotificationFailed string
	RejectDisabled     string
	RejectDailyLimit   string
	RejectSource       string
	RejectConfidence   string
	RejectCooldown     string
	RejectBreaker      string
	RejectQualityVeto  string
	RejectQualityScore string
	RejectRisk         string
	RejectLedger       string
	RejectExecTimeout  string
	RejectExecFailed   string

	// Ledger
	PositionOpened  string
	PositionClosed  string
	TradeCancelled  string
	StopLossHit     string
	TakeProfitHit   string
	RiskMetricsFail string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting trading core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	PaperMode:          "Paper trading: orders are simulated",
	StateRestored:      "Ledger restored: %d open positions, balance %.2f",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	StateLoadFailed:    "Failed to load state: %v",
	APIServerError:     "API server error: %v",
	MockFeedStarted:    "Mock price feed started for %d symbols",

	// Signals
	SignalReceived:      "Signal received: %s %s @ %.4f",
	SignalParseFailed:   "Could not parse signal: %v",
	SignalDismissed:     "Signal dismissed: %s",
	WebhookBadSignature: "Webhook signature mismatch",

	// Auto-execute
	AutoExecEnabled:    "Auto-execute enabled",
	AutoExecDisabled:   "Auto-execute disabled",
	TradeExecuted:      "Trade executed: %s %s size %.6f @ %.4f",
	SignalRejected:     "Signal rejected for %s: %s",
	ExecutionFailed:    "Execution failed for %s: %s",
	BreakerOpened:      "Circuit breaker open after %d consecutive errors",
	BreakerReset:       "Circuit breaker reset",
	DailyCounterReset:  "Daily trade counter reset",
	QualityUnavailable: "Quality check unavailable: %v",
	NotificationFailed: "Notification failed: %v",
	RejectDisabled:     "auto-execute is disabled",
	RejectDailyLimit:   "daily trade limit reached",
	RejectSource:       "source not allowed",
	RejectConfidence:   "confidence below minimum",
	RejectCooldown:     "symbol in cooldown",
	RejectBreaker:      "circuit breaker open",
	RejectQualityVeto:  "quality check did not approve",
	RejectQualityScore: "quality score below minimum",
	RejectRisk:         "risk check failed",
	RejectLedger:       "ledger rejected trade",
	RejectExecTimeout:  "executor timed out",
	RejectExecFailed:   "executor failed",

	// Ledger
	PositionOpened:  "Position opened: %s %s qty %.6f @ %.4f",
	PositionClosed:  "Position closed: %s pnl %.2f (%s)",
	TradeCancelled:  "Pending trade cancelled: %s",
	StopLossHit:     "Stop loss hit for %s @ %.4f",
	TakeProfitHit:   "Take profit hit for %s @ %.4f",
	RiskMetricsFail: "Failed to update risk metrics: %v",
}

// German messages
var messagesDE = Messages{
	// System
	Starting:           "Trading-Core wird gestartet...",
	ConfigLoaded:       "Konfiguration geladen (Port: %s)",
	UsingDBPath:        "Datenbankpfad: %s",
	ServerListening:    "Server lauscht auf :%s",
	ShuttingDown:       "Wird sauber heruntergefahren...",
	PaperMode:          "Papierhandel: Orders werden simuliert",
	StateRestored:      "Ledger wiederhergestellt: %d offene Positionen, Saldo %.2f",
	ConfigLoadFailed:   "Konfiguration konnte nicht geladen werden: %v",
	DBInitFailed:       "Datenbank konnte nicht initialisiert werden: %v",
	DBMigrationsFailed: "Migrationen fehlgeschlagen: %v",
	StateLoadFailed:    "Zustand konnte nicht geladen werden: %v",
	APIServerError:     "API-Serverfehler: %v",
	MockFeedStarted:    "Simulierter Preisfeed fuer %d Symbole gestartet",

	// Signals
	SignalReceived:      "Signal empfangen: %s %s @ %.4f",
	SignalParseFailed:   "Signal konnte nicht gelesen werden: %v",
	SignalDismissed:     "Signal verworfen: %s",
	WebhookBadSignature: "Webhook-Signatur stimmt nicht",

	// Auto-execute
	AutoExecEnabled:    "Auto-Ausfuehrung aktiviert",
	AutoExecDisabled:   "Auto-Ausfuehrung deaktiviert",
	TradeExecuted:      "Trade ausgefuehrt: %s %s Menge %.6f @ %.4f",
	SignalRejected:     "Signal fuer %s abgelehnt: %s",
	ExecutionFailed:    "Ausfuehrung fuer %s fehlgeschlagen: %s",
	BreakerOpened:      "Schutzschalter offen nach %d Fehlern in Folge",
	BreakerReset:       "Schutzschalter zurueckgesetzt",
	DailyCounterReset:  "Tageszaehler zurueckgesetzt",
	QualityUnavailable: "Qualitaetspruefung nicht verfuegbar: %v",
	NotificationFailed: "Benachrichtigung fehlgeschlagen: %v",
	RejectDisabled:     "Auto-Ausfuehrung ist deaktiviert",
	RejectDailyLimit:   "Tageslimit erreicht",
	RejectSource:       "Quelle nicht erlaubt",
	RejectConfidence:   "Konfidenz unter Minimum",
	RejectCooldown:     "Symbol in Abkuehlphase",
	RejectBreaker:      "Schutzschalter offen",
	RejectQualityVeto:  "Qualitaetspruefung nicht bestanden",
	RejectQualityScore: "Qualitaetswert unter Minimum",
	RejectRisk:         "Risikopruefung fehlgeschlagen",
	RejectLedger:       "Ledger hat den Trade abgelehnt",
	RejectExecTimeout:  "Zeitueberschreitung bei der Ausfuehrung",
	RejectExecFailed:   "Ausfuehrung fehlgeschlagen",

	// Ledger
	PositionOpened:  "Position eroeffnet: %s %s Menge %.6f @ %.4f",
	PositionClosed:  "Position geschlossen: %s PnL %.2f (%s)",
	TradeCancelled:  "Ausstehender Trade storniert: %s",
	StopLossHit:     "Stop-Loss ausgeloest fuer %s @ %.4f",
	TakeProfitHit:   "Take-Profit ausgeloest fuer %s @ %.4f",
	RiskMetricsFail: "Risikokennzahlen konnten nicht aktualisiert werden: %v",
}

func init() {
	messages = &messagesEN
}

// ParseLanguage maps a tag like "de" or "de-DE" to a supported language.
func ParseLanguage(s string) Language {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "de") {
		return LangDE
	}
	return LangEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangDE:
		messages = &messagesDE
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
