package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTopics returns the requested topics, or every topic when the filter is
// empty. Unknown names are ignored.
func wsTopics(filter string) []events.Event {
	if strings.TrimSpace(filter) == "" {
		return events.All
	}
	known := make(map[events.Event]bool, len(events.All))
	for _, e := range events.All {
		known[e] = true
	}
	var out []events.Event
	for _, name := range strings.Split(filter, ",") {
		e := events.Event(strings.TrimSpace(name))
		if known[e] {
			out = append(out, e)
		}
	}
	return out
}

// wsPayload converts payloads without JSON tags to their record form.
func wsPayload(env events.Envelope) events.Envelope {
	if sig, ok := env.Payload.(signal.Signal); ok {
		env.Payload = sig.ToRecord()
	}
	return env
}

func (s *Server) websocket(c *gin.Context) {
	topics := wsTopics(c.Query("topics"))
	if len(topics) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_TOPICS", "no known topics requested")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany(topics, wsBuffer)
	defer unsub()

	// Reader detects client disconnects and keeps the pong deadline fresh.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsPayload(env)); err != nil {
				s.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
