package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

const featureColumns = `time, symbol, exchange, timeframe, feature_version,
	return_1, return_5, return_10, log_return,
	price_momentum_5, price_momentum_10, price_acceleration,
	volatility_5, volatility_10, volatility_20,
	high_low_ratio, true_range, volatility_trend,
	volume_change, volume_momentum_5, volume_momentum_10,
	volume_ratio_5, volume_ratio_20,
	volume_price_trend, volume_price_trend_norm,
	rsi, rsi_oversold, rsi_overbought, rsi_neutral,
	macd, macd_signal, macd_diff, macd_crossover, macd_crossunder,
	bb_upper, bb_middle, bb_lower, bb_position, bb_width, bb_squeeze,
	hour, day_of_week, is_weekend, is_market_open,
	sma_20, sma_50, sma_100, sma_200,
	sma_20_distance, sma_50_distance, sma_100_distance, sma_200_distance,
	price_above_sma_20, price_above_sma_50, price_above_sma_100, price_above_sma_200,
	trend_strength`

const insertFeaturesQuery = `
	INSERT INTO ml_features (` + featureColumns + `)
	VALUES (:time, :symbol, :exchange, :timeframe, :feature_version,
		:return_1, :return_5, :return_10, :log_return,
		:price_momentum_5, :price_momentum_10, :price_acceleration,
		:volatility_5, :volatility_10, :volatility_20,
		:high_low_ratio, :true_range, :volatility_trend,
		:volume_change, :volume_momentum_5, :volume_momentum_10,
		:volume_ratio_5, :volume_ratio_20,
		:volume_price_trend, :volume_price_trend_norm,
		:rsi, :rsi_oversold, :rsi_overbought, :rsi_neutral,
		:macd, :macd_signal, :macd_diff, :macd_crossover, :macd_crossunder,
		:bb_upper, :bb_middle, :bb_lower, :bb_position, :bb_width, :bb_squeeze,
		:hour, :day_of_week, :is_weekend, :is_market_open,
		:sma_20, :sma_50, :sma_100, :sma_200,
		:sma_20_distance, :sma_50_distance, :sma_100_distance, :sma_200_distance,
		:price_above_sma_20, :price_above_sma_50, :price_above_sma_100, :price_above_sma_200,
		:trend_strength)`

// InsertFeatures appends one engineered feature row. ml_features is
// append-only, so there is no conflict clause.
func (m *Manager) InsertFeatures(ctx context.Context, row models.FeatureRow) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err := m.db.NamedExecContext(ctx, insertFeaturesQuery, row)
	m.observe("insert", "ml_features", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert features: %w", err)
	}
	return nil
}

// GetLatestFeatures returns the newest row for (symbol, version), or
// ErrNotFound when the symbol has no features at that version yet.
func (m *Manager) GetLatestFeatures(ctx context.Context, symbol, version string) (*models.FeatureRow, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + featureColumns + `
		FROM ml_features
		WHERE symbol = $1 AND feature_version = $2
		ORDER BY time DESC
		LIMIT 1`

	start := time.Now()
	var row models.FeatureRow
	err := m.db.GetContext(ctx, &row, query, symbol, version)
	m.observe("select", "ml_features", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest features: %w", err)
	}
	return &row, nil
}

// GetFeaturesRange returns training rows within [from, to] in chronological
// order.
func (m *Manager) GetFeaturesRange(ctx context.Context, symbol, version string, from, to time.Time) ([]models.FeatureRow, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + featureColumns + `
		FROM ml_features
		WHERE symbol = $1
		  AND feature_version = $2
		  AND time >= $3
		  AND time <= $4
		ORDER BY time ASC`

	start := time.Now()
	var rows []models.FeatureRow
	err := m.db.SelectContext(ctx, &rows, query, symbol, version, from, to)
	m.observe("select_range", "ml_features", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query features range: %w", err)
	}
	return rows, nil
}
