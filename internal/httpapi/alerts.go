package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

var validConditions = map[models.AlertCondition]bool{
	models.PriceAbove:    true,
	models.PriceBelow:    true,
	models.RSIAbove:      true,
	models.RSIBelow:      true,
	models.MACDCrossover: true,
	models.VolumeSpike:   true,
}

var validChannels = map[models.NotificationChannel]bool{
	models.ChannelWebsocket: true,
	models.ChannelEmail:     true,
	models.ChannelWebhook:   true,
	models.ChannelSlack:     true,
}

type alertRequest struct {
	Symbol          string                       `json:"symbol"`
	Condition       models.AlertCondition        `json:"condition"`
	Threshold       float64                      `json:"threshold"`
	Channels        []models.NotificationChannel `json:"channels"`
	CooldownSeconds int                          `json:"cooldown_seconds"`
	OneTime         bool                         `json:"one_time"`
	IsActive        *bool                        `json:"is_active"`
	Metadata        map[string]any               `json:"metadata"`
}

func (req *alertRequest) validate() string {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return "symbol is required"
	}
	if !validConditions[req.Condition] {
		return "unknown condition"
	}
	if len(req.Channels) == 0 {
		req.Channels = []models.NotificationChannel{models.ChannelWebsocket}
	}
	for _, ch := range req.Channels {
		if !validChannels[ch] {
			return "unknown notification channel: " + string(ch)
		}
	}
	if req.CooldownSeconds < 0 {
		return "cooldown_seconds must not be negative"
	}
	if req.CooldownSeconds == 0 {
		req.CooldownSeconds = 300
	}
	return ""
}

// handleCreateAlert registers a new rule owned by the authenticated user.
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	alert := models.Alert{
		AlertID:         uuid.New().String(),
		UserID:          claims.Subject,
		Symbol:          req.Symbol,
		Condition:       req.Condition,
		Threshold:       req.Threshold,
		Channels:        req.Channels,
		CooldownSeconds: req.CooldownSeconds,
		OneTime:         req.OneTime,
		IsActive:        active,
		CreatedAt:       time.Now().UTC(),
		Metadata:        req.Metadata,
	}

	if err := s.deps.Store.InsertAlert(r.Context(), alert); err != nil {
		log.Error().Err(err).Str("user_id", alert.UserID).Msg("Alert insert failed")
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	s.invalidateRules(alert.Symbol)

	log.Info().
		Str("alert_id", alert.AlertID).
		Str("symbol", alert.Symbol).
		Str("condition", string(alert.Condition)).
		Msg("Alert created")
	writeJSON(w, http.StatusCreated, alert)
}

// handleListAlerts returns every rule the authenticated user owns.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	alerts, err := s.deps.Store.GetUserAlerts(r.Context(), claims.Subject)
	if err != nil {
		log.Error().Err(err).Str("user_id", claims.Subject).Msg("Alert list failed")
		writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	alert, err := s.deps.Store.GetAlert(r.Context(), mux.Vars(r)["id"], claims.Subject)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Error().Err(err).Msg("Alert lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleUpdateAlert rewrites a rule's mutable fields. Ownership is enforced
// in the store by the (alert_id, user_id) pair.
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ctx := r.Context()
	alertID := mux.Vars(r)["id"]

	alert, err := s.deps.Store.GetAlert(ctx, alertID, claims.Subject)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Error().Err(err).Msg("Alert lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The symbol is immutable; updates target the rule, not reassign it.
	req.Symbol = alert.Symbol
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	alert.Condition = req.Condition
	alert.Threshold = req.Threshold
	alert.Channels = req.Channels
	alert.CooldownSeconds = req.CooldownSeconds
	alert.OneTime = req.OneTime
	if req.IsActive != nil {
		alert.IsActive = *req.IsActive
	}
	if req.Metadata != nil {
		alert.Metadata = req.Metadata
	}

	if err := s.deps.Store.UpdateAlert(ctx, *alert); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Error().Err(err).Str("alert_id", alertID).Msg("Alert update failed")
		writeError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}
	s.invalidateRules(alert.Symbol)
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ctx := r.Context()
	alertID := mux.Vars(r)["id"]

	// Fetch first so the rule cache invalidation knows the symbol.
	alert, err := s.deps.Store.GetAlert(ctx, alertID, claims.Subject)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Error().Err(err).Msg("Alert lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}

	if err := s.deps.Store.DeleteAlert(ctx, alertID, claims.Subject); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Error().Err(err).Str("alert_id", alertID).Msg("Alert delete failed")
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	s.invalidateRules(alert.Symbol)

	log.Info().Str("alert_id", alertID).Str("user_id", claims.Subject).Msg("Alert deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "alert_id": alertID})
}

func (s *Server) invalidateRules(symbol string) {
	if s.deps.Rules == nil {
		return
	}
	s.deps.Rules.Invalidate(symbol)
}
