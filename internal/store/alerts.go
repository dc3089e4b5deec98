package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/rs/zerolog/log"
)

const alertColumns = `alert_id, user_id, symbol, condition, threshold,
	channels, cooldown_seconds, one_time, is_active,
	created_at, last_triggered_at, trigger_count, metadata`

// alertRow shims models.Alert for sqlx: channels is a text[] column and
// metadata is jsonb.
type alertRow struct {
	AlertID         string         `db:"alert_id"`
	UserID          string         `db:"user_id"`
	Symbol          string         `db:"symbol"`
	Condition       string         `db:"condition"`
	Threshold       float64        `db:"threshold"`
	Channels        pq.StringArray `db:"channels"`
	CooldownSeconds int            `db:"cooldown_seconds"`
	OneTime         bool           `db:"one_time"`
	IsActive        bool           `db:"is_active"`
	CreatedAt       time.Time      `db:"created_at"`
	LastTriggeredAt *time.Time     `db:"last_triggered_at"`
	TriggerCount    int            `db:"trigger_count"`
	Metadata        []byte         `db:"metadata"`
}

func (r alertRow) alert() models.Alert {
	a := models.Alert{
		AlertID:         r.AlertID,
		UserID:          r.UserID,
		Symbol:          r.Symbol,
		Condition:       models.AlertCondition(r.Condition),
		Threshold:       r.Threshold,
		CooldownSeconds: r.CooldownSeconds,
		OneTime:         r.OneTime,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt,
		LastTriggeredAt: r.LastTriggeredAt,
		TriggerCount:    r.TriggerCount,
		Metadata:        map[string]any{},
	}
	for _, ch := range r.Channels {
		a.Channels = append(a.Channels, models.NotificationChannel(ch))
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &a.Metadata); err != nil {
			log.Warn().Err(err).Str("alert_id", r.AlertID).Msg("dropping unreadable alert metadata")
		}
	}
	return a
}

func alertArgs(a models.Alert) (pq.StringArray, []byte, error) {
	channels := make(pq.StringArray, 0, len(a.Channels))
	for _, ch := range a.Channels {
		channels = append(channels, string(ch))
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode alert metadata: %w", err)
	}
	return channels, raw, nil
}

// InsertAlert persists a new rule. Returns ErrDuplicate when the alert_id
// already exists.
func (m *Manager) InsertAlert(ctx context.Context, a models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	channels, meta, err := alertArgs(a)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	start := time.Now()
	_, err = m.db.ExecContext(ctx, query,
		a.AlertID, a.UserID, a.Symbol, string(a.Condition), a.Threshold,
		channels, a.CooldownSeconds, a.OneTime, a.IsActive,
		a.CreatedAt, a.LastTriggeredAt, a.TriggerCount, meta,
	)
	m.observe("insert", "alerts", start, err)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// UpdateAlert rewrites the mutable fields of a rule. The (alert_id, user_id)
// pair enforces ownership; a non-owner update reports ErrNotFound rather
// than leaking the rule's existence.
func (m *Manager) UpdateAlert(ctx context.Context, a models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	channels, meta, err := alertArgs(a)
	if err != nil {
		return err
	}

	query := `
		UPDATE alerts
		SET condition = $1,
		    threshold = $2,
		    channels = $3,
		    cooldown_seconds = $4,
		    one_time = $5,
		    is_active = $6,
		    last_triggered_at = $7,
		    trigger_count = $8,
		    metadata = $9
		WHERE alert_id = $10 AND user_id = $11`

	start := time.Now()
	res, err := m.db.ExecContext(ctx, query,
		string(a.Condition), a.Threshold, channels,
		a.CooldownSeconds, a.OneTime, a.IsActive,
		a.LastTriggeredAt, a.TriggerCount, meta,
		a.AlertID, a.UserID,
	)
	m.observe("update", "alerts", start, err)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlert removes a rule owned by user_id.
func (m *Manager) DeleteAlert(ctx context.Context, alertID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `DELETE FROM alerts WHERE alert_id = $1 AND user_id = $2`

	start := time.Now()
	res, err := m.db.ExecContext(ctx, query, alertID, userID)
	m.observe("delete", "alerts", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert fetches one rule by (alert_id, user_id).
func (m *Manager) GetAlert(ctx context.Context, alertID, userID string) (*models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1 AND user_id = $2`

	start := time.Now()
	var row alertRow
	err := m.db.GetContext(ctx, &row, query, alertID, userID)
	m.observe("select", "alerts", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	a := row.alert()
	return &a, nil
}

// GetUserAlerts returns every rule a user owns, newest first.
func (m *Manager) GetUserAlerts(ctx context.Context, userID string) ([]models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC`

	start := time.Now()
	var rows []alertRow
	err := m.db.SelectContext(ctx, &rows, query, userID)
	m.observe("select", "alerts", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query user alerts: %w", err)
	}

	alerts := make([]models.Alert, 0, len(rows))
	for _, r := range rows {
		alerts = append(alerts, r.alert())
	}
	return alerts, nil
}

// GetActiveAlerts returns the active rules watching a symbol, oldest first
// so evaluation order is stable.
func (m *Manager) GetActiveAlerts(ctx context.Context, symbol string) ([]models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE symbol = $1 AND is_active = TRUE
		ORDER BY created_at ASC`

	start := time.Now()
	var rows []alertRow
	err := m.db.SelectContext(ctx, &rows, query, symbol)
	m.observe("select", "alerts", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}

	alerts := make([]models.Alert, 0, len(rows))
	for _, r := range rows {
		alerts = append(alerts, r.alert())
	}
	return alerts, nil
}
