package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

const upsertCandleQuery = `
	INSERT INTO candles (
		time, symbol, exchange, timeframe,
		open, high, low, close, volume, trade_count
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (time, symbol, exchange, timeframe)
	DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		trade_count = EXCLUDED.trade_count`

// InsertCandle upserts a single candle. Re-emitting a bucket overwrites the
// previous row, which keeps collector restarts idempotent.
func (m *Manager) InsertCandle(ctx context.Context, c models.Candle) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err := m.db.ExecContext(ctx, upsertCandleQuery,
		c.Time, c.Symbol, c.Exchange, c.Timeframe,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
	m.observe("insert", "candles", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert candle: %w", err)
	}
	return nil
}

// BatchInsertCandles upserts candles atomically. Used by historical backfill.
func (m *Manager) BatchInsertCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout*time.Duration(len(candles)/100+1))
	defer cancel()

	start := time.Now()
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertCandleQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Time, c.Symbol, c.Exchange, c.Timeframe,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount); err != nil {
			m.observe("batch_insert", "candles", start, err)
			return fmt.Errorf("failed to insert candle in batch: %w", err)
		}
	}

	err = tx.Commit()
	m.observe("batch_insert", "candles", start, err)
	if err != nil {
		return fmt.Errorf("failed to commit candle batch: %w", err)
	}
	return nil
}

// GetRecentCandles returns the last limit candles in chronological order.
func (m *Manager) GetRecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT time, symbol, exchange, timeframe,
		       open, high, low, close, volume, trade_count
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY time DESC
		LIMIT $3`

	start := time.Now()
	var candles []models.Candle
	err := m.db.SelectContext(ctx, &candles, query, symbol, timeframe, limit)
	m.observe("select", "candles", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent candles: %w", err)
	}

	// Fetched newest-first; reverse into chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetCandlesRange returns candles within [from, to] in chronological order.
func (m *Manager) GetCandlesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT time, symbol, exchange, timeframe,
		       open, high, low, close, volume, trade_count
		FROM candles
		WHERE symbol = $1
		  AND timeframe = $2
		  AND time >= $3
		  AND time <= $4
		ORDER BY time ASC`

	start := time.Now()
	var candles []models.Candle
	err := m.db.SelectContext(ctx, &candles, query, symbol, timeframe, from, to)
	m.observe("select_range", "candles", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles range: %w", err)
	}
	return candles, nil
}
