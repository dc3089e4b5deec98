package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/auth"
	"github.com/mytechsonamy/crypto-stock-platform/internal/health"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

var validTimeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true,
}

// handleHealth serves the aggregate health report. Unhealthy (a critical
// dependency down) gets a 503 so load balancers pull the instance; degraded
// still serves traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	pair, err := s.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		log.Error().Err(err).Msg("Login failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.deps.Auth.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleSymbols lists the active universe grouped by venue.
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	grouped, err := s.deps.Catalog.GroupedByExchange(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Symbol listing failed")
		writeError(w, http.StatusInternalServerError, "failed to load symbols")
		return
	}

	total := 0
	for _, symbols := range grouped {
		total += len(symbols)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchanges": grouped,
		"total":     total,
	})
}

type chartResponse struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Bars       []models.Candle    `json:"bars"`
	Indicators map[string]float64 `json:"indicators"`
	Source     string             `json:"source"`
}

// handleCharts returns recent bars plus the latest indicator values for a
// symbol. The hot Redis ring is tried first; storage backs cache misses.
func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1m"
	}
	if !validTimeframes[timeframe] {
		writeError(w, http.StatusBadRequest, "invalid timeframe")
		return
	}
	limit := parseIntQuery(r, "limit", 100, 1000)

	ctx := r.Context()
	resp := chartResponse{Symbol: symbol, Timeframe: timeframe, Source: "cache"}

	bars, err := s.deps.Cache.GetCachedBars(ctx, symbol, timeframe, int64(limit))
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache read failed")
	}
	if len(bars) == 0 {
		bars, err = s.deps.Store.GetRecentCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Bar query failed")
			writeError(w, http.StatusInternalServerError, "failed to load chart data")
			return
		}
		resp.Source = "database"
	}
	resp.Bars = bars

	indicators, err := s.deps.Cache.GetCachedIndicators(ctx, symbol, timeframe)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Indicator cache read failed")
	}
	if len(indicators) == 0 {
		rows, err := s.deps.Store.GetRecentIndicators(ctx, symbol, timeframe, 1)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Indicator query failed")
		} else if len(rows) > 0 {
			indicators = rows[0].Values()
		}
	}
	resp.Indicators = indicators

	writeJSON(w, http.StatusOK, resp)
}

// handleFeatures serves engineered feature vectors. mode=realtime (default)
// returns the latest vector, cache first; mode=batch returns the rows in a
// [start, end] window for training extracts.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "realtime"
	}
	ctx := r.Context()

	switch mode {
	case "realtime":
		values, err := s.deps.Cache.GetCachedFeatures(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Feature cache read failed")
		}
		if len(values) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"symbol": symbol, "mode": mode, "features": values, "source": "cache",
			})
			return
		}

		row, err := s.deps.Store.GetLatestFeatures(ctx, symbol, models.FeatureVersion)
		if err != nil {
			if isNotFound(err) {
				writeError(w, http.StatusNotFound, "no features for symbol")
				return
			}
			log.Error().Err(err).Str("symbol", symbol).Msg("Feature query failed")
			writeError(w, http.StatusInternalServerError, "failed to load features")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"symbol": symbol, "mode": mode, "features": row.Values(),
			"time": row.Time, "source": "database",
		})

	case "batch":
		start, err := parseTimeQuery(r, "start")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		end, err := parseTimeQuery(r, "end")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if start.IsZero() || end.IsZero() || !end.After(start) {
			writeError(w, http.StatusBadRequest, "batch mode requires start and end with end after start")
			return
		}

		rows, err := s.deps.Store.GetFeaturesRange(ctx, symbol, models.FeatureVersion, start, end)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Feature range query failed")
			writeError(w, http.StatusInternalServerError, "failed to load features")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"symbol": symbol, "mode": mode, "count": len(rows), "features": rows,
		})

	default:
		writeError(w, http.StatusBadRequest, "mode must be realtime or batch")
	}
}

type qualityResponse struct {
	Symbol         string                 `json:"symbol"`
	WindowHours    int                    `json:"window_hours"`
	TotalChecks    int                    `json:"total_checks"`
	Passed         int                    `json:"passed"`
	Failed         int                    `json:"failed"`
	PassRate       float64                `json:"pass_rate"`
	LatestScore    *float64               `json:"latest_score,omitempty"`
	RecentFailures []models.QualitySample `json:"recent_failures"`
}

// handleQuality summarizes a symbol's validation outcomes over a trailing
// window (default 24h).
func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	hours := parseIntQuery(r, "hours", 24, 24*7)

	now := time.Now().UTC()
	samples, err := s.deps.Store.GetQualityMetrics(r.Context(), symbol, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Quality query failed")
		writeError(w, http.StatusInternalServerError, "failed to load quality metrics")
		return
	}

	resp := qualityResponse{
		Symbol:         symbol,
		WindowHours:    hours,
		TotalChecks:    len(samples),
		RecentFailures: []models.QualitySample{},
	}
	for _, sample := range samples {
		if sample.Result == models.QualityResultPassed {
			resp.Passed++
		} else {
			resp.Failed++
			if len(resp.RecentFailures) < 20 {
				resp.RecentFailures = append(resp.RecentFailures, sample)
			}
		}
	}
	if resp.TotalChecks > 0 {
		resp.PassRate = float64(resp.Passed) / float64(resp.TotalChecks)
		score := samples[0].QualityScore
		resp.LatestScore = &score
	}
	writeJSON(w, http.StatusOK, resp)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
