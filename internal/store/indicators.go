package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

const indicatorColumns = `time, symbol, timeframe,
	rsi_14, macd, macd_signal, macd_hist,
	bb_upper, bb_middle, bb_lower,
	sma_20, sma_50, sma_100, sma_200,
	ema_12, ema_26, ema_50,
	vwap, stoch_k, stoch_d, atr_14, adx_14, volume_sma`

const upsertIndicatorsQuery = `
	INSERT INTO indicators (` + indicatorColumns + `)
	VALUES (:time, :symbol, :timeframe,
		:rsi_14, :macd, :macd_signal, :macd_hist,
		:bb_upper, :bb_middle, :bb_lower,
		:sma_20, :sma_50, :sma_100, :sma_200,
		:ema_12, :ema_26, :ema_50,
		:vwap, :stoch_k, :stoch_d, :atr_14, :adx_14, :volume_sma)
	ON CONFLICT (time, symbol, timeframe)
	DO UPDATE SET
		rsi_14 = EXCLUDED.rsi_14,
		macd = EXCLUDED.macd,
		macd_signal = EXCLUDED.macd_signal,
		macd_hist = EXCLUDED.macd_hist,
		bb_upper = EXCLUDED.bb_upper,
		bb_middle = EXCLUDED.bb_middle,
		bb_lower = EXCLUDED.bb_lower,
		sma_20 = EXCLUDED.sma_20,
		sma_50 = EXCLUDED.sma_50,
		sma_100 = EXCLUDED.sma_100,
		sma_200 = EXCLUDED.sma_200,
		ema_12 = EXCLUDED.ema_12,
		ema_26 = EXCLUDED.ema_26,
		ema_50 = EXCLUDED.ema_50,
		vwap = EXCLUDED.vwap,
		stoch_k = EXCLUDED.stoch_k,
		stoch_d = EXCLUDED.stoch_d,
		atr_14 = EXCLUDED.atr_14,
		adx_14 = EXCLUDED.adx_14,
		volume_sma = EXCLUDED.volume_sma`

// InsertIndicators upserts the indicator row for one (time, symbol,
// timeframe). Indicators without enough history are stored as NULL.
func (m *Manager) InsertIndicators(ctx context.Context, set models.IndicatorSet) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err := m.db.NamedExecContext(ctx, upsertIndicatorsQuery, set)
	m.observe("insert", "indicators", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert indicators: %w", err)
	}
	return nil
}

// GetRecentIndicators returns the last limit rows in chronological order.
func (m *Manager) GetRecentIndicators(ctx context.Context, symbol, timeframe string, limit int) ([]models.IndicatorSet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + indicatorColumns + `
		FROM indicators
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY time DESC
		LIMIT $3`

	start := time.Now()
	var sets []models.IndicatorSet
	err := m.db.SelectContext(ctx, &sets, query, symbol, timeframe, limit)
	m.observe("select", "indicators", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators: %w", err)
	}

	for i, j := 0, len(sets)-1; i < j; i, j = i+1, j-1 {
		sets[i], sets[j] = sets[j], sets[i]
	}
	return sets, nil
}

// GetIndicatorsRange returns rows within [from, to] in chronological order.
func (m *Manager) GetIndicatorsRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.IndicatorSet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + indicatorColumns + `
		FROM indicators
		WHERE symbol = $1
		  AND timeframe = $2
		  AND time >= $3
		  AND time <= $4
		ORDER BY time ASC`

	start := time.Now()
	var sets []models.IndicatorSet
	err := m.db.SelectContext(ctx, &sets, query, symbol, timeframe, from, to)
	m.observe("select_range", "indicators", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators range: %w", err)
	}
	return sets, nil
}
