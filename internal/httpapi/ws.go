package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ws"
)

// closeUnauthorized is the application close code sent when the token in the
// query string fails verification.
const closeUnauthorized = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients cannot set Authorization headers on WebSocket
	// upgrades, so the token travels in the query string and CORS-style
	// origin policy is enforced by the token itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotFrame is the first frame a fresh subscriber receives: recent bars
// and the latest indicator values, so the chart renders before live updates
// arrive.
type snapshotFrame struct {
	Type       string             `json:"type"`
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Bars       []models.Candle    `json:"bars"`
	Indicators map[string]float64 `json:"indicators"`
}

// handleWebSocket upgrades the connection, then authenticates. The upgrade
// must happen first: an HTTP error after hijacking would be lost, so a bad
// token is reported as close code 4001 on the socket instead.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1m"
	}
	if !validTimeframes[timeframe] {
		writeError(w, http.StatusBadRequest, "invalid timeframe")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("WebSocket upgrade failed")
		return
	}

	claims, err := s.deps.Auth.Verify(r.URL.Query().Get("token"))
	if err != nil || claims.TokenType == "refresh" {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "invalid or missing token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		log.Warn().Str("symbol", symbol).Msg("WebSocket rejected: bad token")
		return
	}

	client := s.deps.Hub.Register(symbol, claims.Subject, conn)
	defer s.deps.Hub.Unregister(client)

	if err := s.sendSnapshot(r, symbol, timeframe, client); err != nil {
		return
	}
	s.readLoop(conn, client, symbol)
}

// sendSnapshot loads the initial frame, cache first, and writes it through
// the hub.
func (s *Server) sendSnapshot(r *http.Request, symbol, timeframe string, client *ws.Client) error {
	ctx := r.Context()

	bars, err := s.deps.Cache.GetCachedBars(ctx, symbol, timeframe, int64(s.cfg.SnapshotBars))
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Snapshot bar cache read failed")
	}
	if len(bars) == 0 {
		if bars, err = s.deps.Store.GetRecentCandles(ctx, symbol, timeframe, s.cfg.SnapshotBars); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Snapshot bar query failed")
			bars = nil
		}
	}

	indicators, err := s.deps.Cache.GetCachedIndicators(ctx, symbol, timeframe)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Snapshot indicator read failed")
	}

	return s.deps.Hub.SendSnapshot(client, snapshotFrame{
		Type:       "initial",
		Symbol:     symbol,
		Timeframe:  timeframe,
		Bars:       bars,
		Indicators: indicators,
	})
}

// readLoop consumes client frames until the connection drops. The only
// client-to-server message is the keepalive ping.
func (s *Server) readLoop(conn *websocket.Conn, client *ws.Client, symbol string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("symbol", symbol).Msg("WebSocket read ended")
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := s.deps.Hub.Pong(client); err != nil {
				return
			}
		}
	}
}
