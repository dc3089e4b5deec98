package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/rs/zerolog/log"
)

// qualityRow mirrors the data_quality_metrics table. Metadata travels as a
// jsonb column, so it needs a []byte shim around models.QualitySample.
type qualityRow struct {
	Time          time.Time `db:"time"`
	Symbol        string    `db:"symbol"`
	Exchange      string    `db:"exchange"`
	CheckType     string    `db:"check_type"`
	Result        string    `db:"result"`
	ErrorMessage  *string   `db:"error_message"`
	TradePrice    *float64  `db:"trade_price"`
	TradeQuantity *float64  `db:"trade_quantity"`
	QualityScore  float64   `db:"quality_score"`
	Metadata      []byte    `db:"metadata"`
}

func (r qualityRow) sample() models.QualitySample {
	s := models.QualitySample{
		Time:          r.Time,
		Symbol:        r.Symbol,
		Exchange:      r.Exchange,
		CheckType:     r.CheckType,
		Result:        r.Result,
		ErrorMessage:  r.ErrorMessage,
		TradePrice:    r.TradePrice,
		TradeQuantity: r.TradeQuantity,
		QualityScore:  r.QualityScore,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &s.Metadata); err != nil {
			log.Warn().Err(err).Str("symbol", r.Symbol).Msg("dropping unreadable quality metadata")
		}
	}
	return s
}

// InsertQualityMetric appends one quality log entry. The table is
// append-only: every failed check and a sample of passes land here.
func (m *Manager) InsertQualityMetric(ctx context.Context, s models.QualitySample) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var meta []byte
	if len(s.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode quality metadata: %w", err)
		}
	}

	query := `
		INSERT INTO data_quality_metrics (
			time, symbol, exchange, check_type, result,
			error_message, trade_price, trade_quantity,
			quality_score, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	start := time.Now()
	_, err := m.db.ExecContext(ctx, query,
		s.Time, s.Symbol, s.Exchange, s.CheckType, s.Result,
		s.ErrorMessage, s.TradePrice, s.TradeQuantity,
		s.QualityScore, meta,
	)
	m.observe("insert", "data_quality_metrics", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert quality metric: %w", err)
	}
	return nil
}

// GetQualityMetrics returns entries within [from, to], newest first.
func (m *Manager) GetQualityMetrics(ctx context.Context, symbol string, from, to time.Time) ([]models.QualitySample, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT time, symbol, exchange, check_type, result,
		       error_message, trade_price, trade_quantity,
		       quality_score, metadata
		FROM data_quality_metrics
		WHERE symbol = $1
		  AND time >= $2
		  AND time <= $3
		ORDER BY time DESC`

	start := time.Now()
	var rows []qualityRow
	err := m.db.SelectContext(ctx, &rows, query, symbol, from, to)
	m.observe("select_range", "data_quality_metrics", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality metrics: %w", err)
	}

	samples := make([]models.QualitySample, 0, len(rows))
	for _, r := range rows {
		samples = append(samples, r.sample())
	}
	return samples, nil
}
