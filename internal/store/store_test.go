package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

func newTestStore(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	sqlxDB := sqlx.NewDb(mockDB, "postgres")
	m := NewWithDB(sqlxDB, 5*time.Second, metrics.New(prometheus.NewRegistry()))
	return m, mock
}

func testCandle(ts time.Time) models.Candle {
	return models.Candle{
		Time:       ts,
		Symbol:     "BTCUSDT",
		Exchange:   "binance",
		Timeframe:  "1m",
		Open:       100.0,
		High:       105.0,
		Low:        99.0,
		Close:      104.0,
		Volume:     12.5,
		TradeCount: 42,
	}
}

func candleColumns() []string {
	return []string{"time", "symbol", "exchange", "timeframe", "open", "high", "low", "close", "volume", "trade_count"}
}

func TestInsertCandle(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)
	c := testCandle(ts)

	mock.ExpectExec("INSERT INTO candles").
		WithArgs(c.Time, c.Symbol, c.Exchange, c.Timeframe,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.InsertCandle(context.Background(), c)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertCandles(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)
	candles := []models.Candle{testCandle(ts), testCandle(ts.Add(time.Minute))}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := m.BatchInsertCandles(context.Background(), candles)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertCandlesEmpty(t *testing.T) {
	m, mock := newTestStore(t)

	err := m.BatchInsertCandles(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentCandlesReversesToChronological(t *testing.T) {
	m, mock := newTestStore(t)
	t0 := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	// Rows arrive newest-first from the DESC query.
	rows := sqlmock.NewRows(candleColumns()).
		AddRow(t1, "BTCUSDT", "binance", "1m", 104.0, 106.0, 103.0, 105.0, 8.0, int64(10)).
		AddRow(t0, "BTCUSDT", "binance", "1m", 100.0, 105.0, 99.0, 104.0, 12.5, int64(42))

	mock.ExpectQuery("SELECT (.+) FROM candles").
		WithArgs("BTCUSDT", "1m", 2).
		WillReturnRows(rows)

	candles, err := m.GetRecentCandles(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, t0, candles[0].Time.UTC())
	assert.Equal(t, t1, candles[1].Time.UTC())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCandlesRange(t *testing.T) {
	m, mock := newTestStore(t)
	from := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	rows := sqlmock.NewRows(candleColumns()).
		AddRow(from.Add(time.Hour), "BTCUSDT", "binance", "1h", 100.0, 105.0, 99.0, 104.0, 12.5, int64(42))

	mock.ExpectQuery("SELECT (.+) FROM candles").
		WithArgs("BTCUSDT", "1h", from, to).
		WillReturnRows(rows)

	candles, err := m.GetCandlesRange(context.Background(), "BTCUSDT", "1h", from, to)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 104.0, candles[0].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIndicators(t *testing.T) {
	m, mock := newTestStore(t)
	rsi := 55.5

	mock.ExpectExec("INSERT INTO indicators").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.InsertIndicators(context.Background(), models.IndicatorSet{
		Time:      time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC),
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		RSI14:     &rsi,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentIndicatorsNullsStayNil(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)

	cols := []string{"time", "symbol", "timeframe", "rsi_14", "macd"}
	rows := sqlmock.NewRows(cols).
		AddRow(ts, "BTCUSDT", "1m", 55.5, nil)

	mock.ExpectQuery("SELECT (.+) FROM indicators").
		WithArgs("BTCUSDT", "1m", 1).
		WillReturnRows(rows)

	sets, err := m.GetRecentIndicators(context.Background(), "BTCUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.NotNil(t, sets[0].RSI14)
	assert.Equal(t, 55.5, *sets[0].RSI14)
	assert.Nil(t, sets[0].MACD)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFeatures(t *testing.T) {
	m, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO ml_features").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.InsertFeatures(context.Background(), models.FeatureRow{
		Time:           time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC),
		Symbol:         "BTCUSDT",
		Exchange:       "binance",
		Timeframe:      "1m",
		FeatureVersion: models.FeatureVersion,
		Return1:        0.01,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestFeaturesNotFound(t *testing.T) {
	m, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM ml_features").
		WithArgs("BTCUSDT", "v1.0").
		WillReturnRows(sqlmock.NewRows([]string{"time", "symbol"}))

	row, err := m.GetLatestFeatures(context.Background(), "BTCUSDT", "v1.0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestFeatures(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)

	cols := []string{"time", "symbol", "exchange", "timeframe", "feature_version", "return_1", "rsi_oversold"}
	rows := sqlmock.NewRows(cols).
		AddRow(ts, "BTCUSDT", "binance", "1m", "v1.0", 0.01, 1)

	mock.ExpectQuery("SELECT (.+) FROM ml_features").
		WithArgs("BTCUSDT", "v1.0").
		WillReturnRows(rows)

	row, err := m.GetLatestFeatures(context.Background(), "BTCUSDT", "v1.0")
	require.NoError(t, err)
	assert.Equal(t, 0.01, row.Return1)
	assert.Equal(t, 1, row.RSIOversold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertQualityMetric(t *testing.T) {
	m, mock := newTestStore(t)
	msg := "z-score 4.2 exceeds limit"
	price := 142.0
	qty := 1.0

	mock.ExpectExec("INSERT INTO data_quality_metrics").
		WithArgs(sqlmock.AnyArg(), "BTCUSDT", "binance", "price_anomaly", "failed",
			msg, price, qty, 0.97, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.InsertQualityMetric(context.Background(), models.QualitySample{
		Time:          time.Now().UTC(),
		Symbol:        "BTCUSDT",
		Exchange:      "binance",
		CheckType:     "price_anomaly",
		Result:        "failed",
		ErrorMessage:  &msg,
		TradePrice:    &price,
		TradeQuantity: &qty,
		QualityScore:  0.97,
		Metadata:      map[string]any{"z_score": 4.2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQualityMetrics(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)

	cols := []string{"time", "symbol", "exchange", "check_type", "result",
		"error_message", "trade_price", "trade_quantity", "quality_score", "metadata"}
	rows := sqlmock.NewRows(cols).
		AddRow(ts, "BTCUSDT", "binance", "freshness", "failed",
			"stale tick", 100.0, 1.0, 0.95, []byte(`{"age_seconds": 61}`))

	mock.ExpectQuery("SELECT (.+) FROM data_quality_metrics").
		WithArgs("BTCUSDT", ts.Add(-time.Hour), ts).
		WillReturnRows(rows)

	samples, err := m.GetQualityMetrics(context.Background(), "BTCUSDT", ts.Add(-time.Hour), ts)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "freshness", samples[0].CheckType)
	assert.Equal(t, 61.0, samples[0].Metadata["age_seconds"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveSymbolsFilters(t *testing.T) {
	m, mock := newTestStore(t)
	ts := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "asset_class", "symbol", "display_name", "exchange",
		"is_active", "metadata", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "CRYPTO", "BTCUSDT", "Bitcoin / USDT", "binance",
			true, []byte(`{"base": "BTC"}`), ts, ts)

	mock.ExpectQuery("SELECT (.+) FROM symbols").
		WithArgs("binance", "CRYPTO").
		WillReturnRows(rows)

	symbols, err := m.GetActiveSymbols(context.Background(), "binance", models.AssetCrypto)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, models.AssetCrypto, symbols[0].AssetClass)
	assert.Equal(t, "BTC", symbols[0].Metadata["base"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSymbolReturnsID(t *testing.T) {
	m, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO symbols").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := m.UpsertSymbol(context.Background(), models.Symbol{
		AssetClass:  models.AssetCrypto,
		Symbol:      "ETHUSDT",
		DisplayName: "Ethereum / USDT",
		Exchange:    "binance",
		IsActive:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSymbolActiveNotFound(t *testing.T) {
	m, mock := newTestStore(t)

	mock.ExpectExec("UPDATE symbols").
		WithArgs(false, "NOPE", "binance").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.SetSymbolActive(context.Background(), "NOPE", "binance", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
