package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
	"github.com/robinzi2001-cell/trading-ai/pkg/db"
	"github.com/robinzi2001-cell/trading-ai/pkg/i18n"
	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type listTradesQuery struct {
	Status string `form:"status"`
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit"`
}

func (q *listTradesQuery) normalize() error {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
	switch ledger.Status(q.Status) {
	case "", ledger.StatusPending, ledger.StatusOpen, ledger.StatusClosed, ledger.StatusCancelled:
	default:
		return errors.New("status must be pending, open, closed or cancelled")
	}
	if q.Symbol != "" {
		q.Symbol = signal.NormalizeAsset(q.Symbol)
	}
	return nil
}

type closeTradeRequest struct {
	Price float64 `json:"price"`
}

type priceRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	Price  float64 `json:"price" binding:"gt=0"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func respondAbort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// requestBody returns the raw body, reusing bytes already read by the
// signature check.
func requestBody(c *gin.Context) ([]byte, error) {
	if v, ok := c.Get(gin.BodyBytesKey); ok {
		if b, isBytes := v.([]byte); isBytes {
			return b, nil
		}
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxWebhookBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func isJSON(c *gin.Context, body []byte) bool {
	if strings.Contains(c.ContentType(), "json") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}

// signalFromBody builds a signal from a plain-text message or a JSON object.
// JSON objects without an asset fall back to parsing their "text" field.
func signalFromBody(c *gin.Context, body []byte, now time.Time) (signal.Signal, signal.ParsedIntent, error) {
	if !isJSON(c, body) {
		intent := signal.Parse(string(body))
		sig, err := intent.ToSignal(signal.SourceWebhook, now)
		return sig, intent, err
	}

	r, err := record.Decode(body)
	if err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}

	source := signal.SourceWebhook
	if raw := record.String(r, "source"); raw != "" {
		src, ok := signal.ParseSource(raw)
		if !ok {
			return signal.Signal{}, signal.ParsedIntent{}, signal.ErrUnknownSource
		}
		source = src
	}
	meta, err := record.Map(r, "metadata")
	if err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	if channel := record.String(r, "channel"); channel != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["channel"] = channel
	}

	asset := record.String(r, "asset")
	if asset == "" {
		asset = record.String(r, "symbol")
	}
	if asset == "" {
		intent := signal.Parse(record.String(r, "text"))
		sig, err := intent.ToSignal(source, now)
		if err != nil {
			return signal.Signal{}, intent, err
		}
		if len(meta) > 0 {
			sig.Metadata = meta
		}
		return sig, intent, nil
	}

	in := signal.Input{
		Source:    source,
		Asset:     asset,
		Timeframe: record.String(r, "timeframe"),
		RawText:   record.String(r, "text"),
		Metadata:  meta,
	}
	dirRaw := record.String(r, "direction")
	if dirRaw == "" {
		dirRaw = record.String(r, "side")
	}
	in.Direction, _ = signal.ParseDirection(dirRaw)
	entryKey := "entry"
	if _, ok := r[entryKey]; !ok {
		entryKey = "entry_price"
	}
	if in.Entry, err = record.Float(r, entryKey); err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	if in.StopLoss, err = record.Float(r, "stop_loss"); err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	if in.TakeProfits, err = record.Floats(r, "take_profits"); err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	if in.Leverage, err = record.Int(r, "leverage"); err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	if in.Confidence, err = record.Float(r, "confidence"); err != nil {
		return signal.Signal{}, signal.ParsedIntent{}, err
	}
	sig, err := signal.New(in, now)
	return sig, signal.ParsedIntent{}, err
}

func signalErrorCode(err error) string {
	switch {
	case errors.Is(err, signal.ErrIncomplete):
		return "SIGNAL_INCOMPLETE"
	case errors.Is(err, signal.ErrInvalidPrice), errors.Is(err, signal.ErrStopEqualsEntry):
		return "INVALID_PRICES"
	case errors.Is(err, signal.ErrUnknownSource):
		return "UNKNOWN_SOURCE"
	default:
		return "INVALID_PAYLOAD"
	}
}

func intentView(p signal.ParsedIntent) gin.H {
	return gin.H{
		"asset":        p.Asset,
		"direction":    p.Direction,
		"entry_price":  p.Entry,
		"stop_loss":    p.StopLoss,
		"take_profits": p.TakeProfits,
		"leverage":     p.Leverage,
		"timeframe":    p.Timeframe,
		"confidence":   p.Confidence,
		"valid":        p.Valid(),
	}
}

// webhook ingests a signal and runs it through the auto-execute pipeline.
func (s *Server) webhook(c *gin.Context) {
	body, err := requestBody(c)
	if err != nil {
		respondError(c, http.StatusRequestEntityTooLarge, "INVALID_PAYLOAD", err.Error())
		return
	}

	sig, intent, err := signalFromBody(c, body, time.Now())
	if err != nil {
		s.logger.Info(fmt.Sprintf(i18n.M().SignalParseFailed, err))
		status := http.StatusUnprocessableEntity
		if signalErrorCode(err) == "INVALID_PAYLOAD" {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"code":   signalErrorCode(err),
			"error":  err.Error(),
			"parsed": intentView(intent),
		})
		return
	}

	s.logger.Info(fmt.Sprintf(i18n.M().SignalReceived, sig.Asset, sig.Direction, sig.Entry),
		zap.String("signal_id", sig.ID),
		zap.String("source", string(sig.Source)))
	s.publish(events.EventSignalReceived, sig)

	resp := gin.H{"signal": sig.ToRecord()}
	if s.AutoExec != nil {
		// Stage timeouts bound the run; a client disconnect must not cancel it.
		res := s.AutoExec.Process(context.WithoutCancel(c.Request.Context()), sig)
		if res.Executed() {
			sig = sig.WithExecuted()
			s.publish(events.EventSignalReceived, sig)
			resp["signal"] = sig.ToRecord()
		}
		resp["result"] = res
	}
	c.JSON(http.StatusOK, resp)
}

// parseSignal runs the text parser without creating a signal.
func (s *Server) parseSignal(c *gin.Context) {
	body, err := requestBody(c)
	if err != nil {
		respondError(c, http.StatusRequestEntityTooLarge, "INVALID_PAYLOAD", err.Error())
		return
	}
	text := string(body)
	if isJSON(c, body) {
		r, err := record.Decode(body)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid JSON body")
			return
		}
		text = record.String(r, "text")
	}
	if strings.TrimSpace(text) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "text is required")
		return
	}
	c.JSON(http.StatusOK, intentView(signal.Parse(text)))
}

func (s *Server) listSignals(c *gin.Context) {
	if s.DB == nil {
		respondError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "storage not configured")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	rows, err := s.DB.ListSignals(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, rows)
}

// dismissSignal marks a stored signal as dismissed.
func (s *Server) dismissSignal(c *gin.Context) {
	if s.DB == nil {
		respondError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "storage not configured")
		return
	}
	r, err := s.DB.GetSignal(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "signal not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	sig, err := signal.FromRecord(r)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if sig.Executed {
		respondError(c, http.StatusConflict, "ALREADY_EXECUTED", "executed signals cannot be dismissed")
		return
	}
	sig = sig.WithDismissed()
	s.logger.Info(fmt.Sprintf(i18n.M().SignalDismissed, sig.ID))
	s.publish(events.EventSignalDismissed, sig)
	c.JSON(http.StatusOK, sig.ToRecord())
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	if err := q.normalize(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Book.Trades(ledger.TradeFilter{
		Status: ledger.Status(q.Status),
		Symbol: q.Symbol,
		Limit:  q.Limit,
	}))
}

func (s *Server) getTrade(c *gin.Context) {
	id := c.Param("id")
	if t, ok := s.Book.Trade(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	if s.DB != nil {
		if r, err := s.DB.GetTrade(c.Request.Context(), id); err == nil {
			if t, err := ledger.TradeFromRecord(r); err == nil {
				c.JSON(http.StatusOK, t)
				return
			}
		}
	}
	respondError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
}

// closeTrade closes an open trade at the given price, or at the latest known
// mark when no price is sent.
func (s *Server) closeTrade(c *gin.Context) {
	var req closeTradeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}

	id := c.Param("id")
	t, ok := s.Book.Trade(id)
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
		return
	}
	price := req.Price
	if price <= 0 {
		price = s.markPrice(t.Symbol)
	}
	if price <= 0 {
		respondError(c, http.StatusBadRequest, "NO_PRICE", "no price given and no mark price known")
		return
	}

	closed, err := s.Book.Close(id, price, ledger.ReasonManual)
	switch {
	case errors.Is(err, ledger.ErrTradeNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
	case errors.Is(err, ledger.ErrTradeNotOpen):
		respondError(c, http.StatusConflict, "TRADE_NOT_OPEN", err.Error())
	case errors.Is(err, ledger.ErrInvalidPrice):
		respondError(c, http.StatusBadRequest, "INVALID_PRICE", err.Error())
	case err != nil:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	default:
		c.JSON(http.StatusOK, closed)
	}
}

func (s *Server) markPrice(symbol string) float64 {
	if s.Prices != nil {
		if p, ok := s.Prices.Get(symbol); ok {
			return p
		}
	}
	if pos, ok := s.Book.Position(symbol); ok {
		return pos.CurrentPrice
	}
	return 0
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Book.Positions())
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.Book.Portfolio())
}

func (s *Server) listOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	if s.Orders == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, s.Orders.Orders(q.Limit))
}

// updatePrice applies a manual mark price, which may trigger a stop or target.
func (s *Server) updatePrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "symbol and positive price are required")
		return
	}
	tick := events.PriceTick{Symbol: signal.NormalizeAsset(req.Symbol), Price: req.Price}

	var closed *ledger.Trade
	if s.Marker != nil {
		closed = s.Marker.Apply(tick)
	} else {
		if s.Prices != nil {
			s.Prices.Set(tick.Symbol, tick.Price)
		}
		var err error
		if closed, err = s.Book.UpdatePrice(tick.Symbol, tick.Price); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PRICE", err.Error())
			return
		}
	}

	resp := gin.H{"symbol": tick.Symbol, "price": tick.Price}
	if closed != nil {
		resp["closed_trade"] = closed
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) autoExecStatus(c *gin.Context) {
	if s.AutoExec == nil {
		respondError(c, http.StatusServiceUnavailable, "AUTOEXEC_UNAVAILABLE", "auto-execute not configured")
		return
	}
	c.JSON(http.StatusOK, s.AutoExec.Status())
}

func (s *Server) autoExecHistory(c *gin.Context) {
	if s.AutoExec == nil {
		respondError(c, http.StatusServiceUnavailable, "AUTOEXEC_UNAVAILABLE", "auto-execute not configured")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	c.JSON(http.StatusOK, s.AutoExec.History(q.Limit))
}

// updateAutoExecConfig overlays the sent fields on the current config.
func (s *Server) updateAutoExecConfig(c *gin.Context) {
	if s.AutoExec == nil {
		respondError(c, http.StatusServiceUnavailable, "AUTOEXEC_UNAVAILABLE", "auto-execute not configured")
		return
	}
	cfg := s.AutoExec.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := s.AutoExec.UpdateConfig(cfg); err != nil {
		if errors.Is(err, autoexec.ErrInvalidConfig) {
			respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if cfg.Enabled {
		s.logger.Info(i18n.M().AutoExecEnabled)
	} else {
		s.logger.Info(i18n.M().AutoExecDisabled)
	}
	c.JSON(http.StatusOK, s.AutoExec.Config())
}

func (s *Server) resetBreaker(c *gin.Context) {
	if s.AutoExec == nil {
		respondError(c, http.StatusServiceUnavailable, "AUTOEXEC_UNAVAILABLE", "auto-execute not configured")
		return
	}
	s.AutoExec.ResetBreaker()
	c.JSON(http.StatusOK, s.AutoExec.BreakerInfo())
}

func (s *Server) reconciliationReport(c *gin.Context) {
	if s.Drift == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILE_UNAVAILABLE", "reconciliation disabled")
		return
	}
	// report is null until the first run
	c.JSON(http.StatusOK, gin.H{"report": s.Drift.LastReport()})
}

func (s *Server) runReconciliation(c *gin.Context) {
	if s.Drift == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILE_UNAVAILABLE", "reconciliation disabled")
		return
	}
	report, err := s.Drift.Reconcile(c.Request.Context())
	if err != nil {
		s.logger.Error("manual reconciliation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "RECONCILE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) getRiskSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings": s.RiskMgr.Settings(),
		"metrics":  s.RiskMgr.Metrics(),
	})
}

// updateRiskSettings overlays the sent fields on the current settings.
func (s *Server) updateRiskSettings(c *gin.Context) {
	settings := s.RiskMgr.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := s.RiskMgr.UpdateSettings(c.Request.Context(), settings); err != nil {
		if errors.Is(err, risk.ErrInvalidSettings) {
			respondError(c, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.RiskMgr.Settings())
}

func (s *Server) getMetrics(c *gin.Context) {
	resp := gin.H{
		"portfolio": s.Book.Portfolio(),
		"risk":      s.RiskMgr.Metrics(),
	}
	if s.Metrics != nil {
		resp["pipeline"] = s.Metrics.GetSnapshot()
	}
	if s.Prices != nil {
		resp["prices"] = s.Prices.All()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) publish(e events.Event, payload any) {
	if s.Bus != nil {
		s.Bus.Publish(e, payload)
	}
}
