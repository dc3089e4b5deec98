package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytechsonamy/crypto-stock-platform/internal/auth"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/health"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ratelimit"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ws"
)

type pingerFake struct{ err error }

func (p pingerFake) Ping(context.Context) error { return p.err }

type testEnv struct {
	server  *Server
	dbMock  sqlmock.Sqlmock
	rdMock  redismock.ClientMock
	auth    *auth.Manager
	metrics *metrics.Registry
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	am, err := auth.NewManager(config.AuthConfig{
		JWTSecret: "test-secret",
		Users: []config.User{{
			UserID: "u1", Username: "alice", PasswordHash: hash, Roles: []string{"user"},
		}},
	})
	require.NoError(t, err)

	mockDB, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mr := metrics.New(prometheus.NewRegistry())
	st := store.NewWithDB(sqlx.NewDb(mockDB, "postgres"), 5*time.Second, mr)

	rdClient, rdMock := redismock.NewClientMock()
	ca := cache.NewWithClient(rdClient, mr, cache.DefaultMaxBars)

	deps := Deps{
		Auth:    am,
		Catalog: catalog.New(st, ca),
		Store:   st,
		Cache:   ca,
		Hub:     ws.NewHub(ws.Config{}, mr),
		Health:  health.NewReporter(pingerFake{}, pingerFake{}, nil),
		Metrics: mr,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testEnv{
		server:  NewServer(Config{SnapshotBars: 5}, deps),
		dbMock:  dbMock,
		rdMock:  rdMock,
		auth:    am,
		metrics: mr,
	}
}

func (e *testEnv) accessToken(t *testing.T) string {
	t.Helper()
	token, err := e.auth.AccessToken(auth.User{UserID: "u1", Username: "alice", Roles: []string{"user"}})
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.True(t, report.Database.Connected)
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Health = health.NewReporter(pingerFake{err: errors.New("connection refused")}, pingerFake{}, nil)
	})

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginIssuesTokenPair(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodPost, "/auth/login", "",
		map[string]string{"username": "alice", "password": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := env.auth.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodPost, "/auth/login", "",
		map[string]string{"username": "alice", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshExchangesToken(t *testing.T) {
	env := newTestEnv(t, nil)

	refresh, err := env.auth.RefreshToken(auth.User{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	rec := doRequest(t, env.server.Handler(), http.MethodPost, "/auth/refresh", "",
		map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEmpty(t, pair.AccessToken)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenRejectedOnAPIRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	refresh, err := env.auth.RefreshToken(auth.User{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", refresh, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSymbolsServedFromCache(t *testing.T) {
	env := newTestEnv(t, nil)

	symbols := []models.Symbol{
		{AssetClass: models.AssetCrypto, Symbol: "BTCUSDT", Exchange: "BINANCE", IsActive: true},
		{AssetClass: models.AssetBIST, Symbol: "THYAO.IS", Exchange: "BIST", IsActive: true},
	}
	data, err := json.Marshal(symbols)
	require.NoError(t, err)
	env.rdMock.ExpectGet(cache.KeySymbolsAll).SetVal(string(data))

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", env.accessToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Exchanges map[string][]models.Symbol `json:"exchanges"`
		Total     int                        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Exchanges["BINANCE"], 1)
	assert.Len(t, resp.Exchanges["BIST"], 1)
}

func TestChartsCacheHit(t *testing.T) {
	env := newTestEnv(t, nil)

	bars := []models.Candle{
		{Time: time.Unix(60, 0).UTC(), Symbol: "BTCUSDT", Exchange: "BINANCE", Timeframe: "1m", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 3},
		{Time: time.Unix(120, 0).UTC(), Symbol: "BTCUSDT", Exchange: "BINANCE", Timeframe: "1m", Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 4},
	}
	raw := make([]string, 0, len(bars))
	for _, b := range bars {
		data, err := json.Marshal(b)
		require.NoError(t, err)
		raw = append(raw, string(data))
	}
	env.rdMock.ExpectZRange(cache.BarsKey("BTCUSDT", "1m"), -50, -1).SetVal(raw)
	env.rdMock.ExpectHGetAll(cache.IndicatorsKey("BTCUSDT", "1m")).SetVal(map[string]string{"rsi": "55.5"})

	rec := doRequest(t, env.server.Handler(), http.MethodGet,
		"/api/v1/charts/btcusdt?timeframe=1m&limit=50", env.accessToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BTCUSDT", resp.Symbol)
	assert.Equal(t, "cache", resp.Source)
	assert.Len(t, resp.Bars, 2)
	assert.Equal(t, 55.5, resp.Indicators["rsi"])
}

func TestChartsRejectsUnknownTimeframe(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodGet,
		"/api/v1/charts/BTCUSDT?timeframe=3m", env.accessToken(t), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitHeadersOnFailOpen(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		client, mock := redismock.NewClientMock()
		mock.ExpectHGetAll(ratelimit.Key("u1")).SetErr(errors.New("redis down"))
		d.Limiter = ratelimit.New(client, metrics.New(prometheus.NewRegistry()), 10, time.Minute)
	})

	env.rdMock.ExpectGet(cache.KeySymbolsAll).SetVal("[]")

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", env.accessToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitDeniesWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		client, mock := redismock.NewClientMock()
		mock.ExpectHGetAll(ratelimit.Key("u1")).SetVal(map[string]string{
			"tokens":      "0",
			"last_refill": strconv.FormatFloat(float64(time.Now().UnixNano())/float64(time.Second), 'f', -1, 64),
		})
		d.Limiter = ratelimit.New(client, metrics.New(prometheus.NewRegistry()), 10, time.Minute)
	})

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/symbols", env.accessToken(t), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestCreateAlert(t *testing.T) {
	env := newTestEnv(t, nil)

	env.dbMock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doRequest(t, env.server.Handler(), http.MethodPost, "/api/v1/alerts", env.accessToken(t),
		map[string]any{
			"symbol":    "btcusdt",
			"condition": "PRICE_ABOVE",
			"threshold": 50000,
			"channels":  []string{"websocket", "webhook"},
		})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.AlertID)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, "BTCUSDT", created.Symbol)
	assert.Equal(t, 300, created.CooldownSeconds)
	assert.True(t, created.IsActive)
	assert.NoError(t, env.dbMock.ExpectationsWereMet())
}

func TestCreateAlertValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.accessToken(t)

	for name, body := range map[string]map[string]any{
		"missing symbol":    {"condition": "PRICE_ABOVE", "threshold": 1},
		"bad condition":     {"symbol": "BTCUSDT", "condition": "PRICE_NEAR", "threshold": 1},
		"bad channel":       {"symbol": "BTCUSDT", "condition": "PRICE_ABOVE", "channels": []string{"pigeon"}},
		"negative cooldown": {"symbol": "BTCUSDT", "condition": "PRICE_ABOVE", "cooldown_seconds": -5},
	} {
		rec := doRequest(t, env.server.Handler(), http.MethodPost, "/api/v1/alerts", token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestGetAlertNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	env.dbMock.ExpectQuery("SELECT (.+) FROM alerts").
		WillReturnError(sql.ErrNoRows)

	rec := doRequest(t, env.server.Handler(), http.MethodGet,
		"/api/v1/alerts/missing-id", env.accessToken(t), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQualityReportCountsResults(t *testing.T) {
	env := newTestEnv(t, nil)

	reason := "price anomaly (z-score: 4.10)"
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"time", "symbol", "exchange", "check_type", "result",
		"error_message", "trade_price", "trade_quantity", "quality_score", "metadata",
	}).
		AddRow(now, "BTCUSDT", "binance", "all_checks", models.QualityResultPassed,
			nil, 50000.0, 0.5, 0.97, nil).
		AddRow(now.Add(-time.Minute), "BTCUSDT", "binance", "price_anomaly", models.QualityResultFailed,
			reason, 62000.0, 0.5, 0.81, nil)
	env.dbMock.ExpectQuery("SELECT (.+) FROM data_quality_metrics").
		WithArgs("BTCUSDT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	rec := doRequest(t, env.server.Handler(), http.MethodGet,
		"/api/v1/quality/BTCUSDT?hours=24", env.accessToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TotalChecks    int                    `json:"total_checks"`
		Passed         int                    `json:"passed"`
		Failed         int                    `json:"failed"`
		PassRate       float64                `json:"pass_rate"`
		LatestScore    *float64               `json:"latest_score"`
		RecentFailures []models.QualitySample `json:"recent_failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, 2, resp.TotalChecks)
	assert.Equal(t, 1, resp.Passed)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 0.5, resp.PassRate)
	require.NotNil(t, resp.LatestScore)
	assert.Equal(t, 0.97, *resp.LatestScore)
	require.Len(t, resp.RecentFailures, 1)
	assert.Equal(t, "price_anomaly", resp.RecentFailures[0].CheckType)
	require.NotNil(t, resp.RecentFailures[0].ErrorMessage)
	assert.Equal(t, reason, *resp.RecentFailures[0].ErrorMessage)
}

func TestNotFoundIsJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/no/such/route", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not found", body["error"])
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.server.Handler(), http.MethodGet, "/health", "", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws/BTCUSDT?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestWebSocketSendsInitialSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	bar := models.Candle{Time: time.Unix(60, 0).UTC(), Symbol: "BTCUSDT", Exchange: "BINANCE", Timeframe: "1m", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 2}
	data, err := json.Marshal(bar)
	require.NoError(t, err)
	env.rdMock.ExpectZRange(cache.BarsKey("BTCUSDT", "1m"), -5, -1).SetVal([]string{string(data)})
	env.rdMock.ExpectHGetAll(cache.IndicatorsKey("BTCUSDT", "1m")).SetVal(map[string]string{"rsi": "48"})

	url := fmt.Sprintf("ws%s/ws/BTCUSDT?token=%s", srv.URL[len("http"):], env.accessToken(t))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame snapshotFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "initial", frame.Type)
	assert.Equal(t, "BTCUSDT", frame.Symbol)
	require.Len(t, frame.Bars, 1)
	assert.Equal(t, 48.0, frame.Indicators["rsi"])

	// Keepalive: ping gets a pong back.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}
