package models

import "time"

// FeatureVersion is the current engineered-feature schema version. Bump it
// when columns are added or a formula changes so training sets stay coherent.
const FeatureVersion = "v1.0"

// FeatureRow is one engineered feature vector for ML training and inference.
// Rows are append-only: recomputing a bar writes a new row rather than
// mutating history. Flag columns hold 0 or 1.
type FeatureRow struct {
	Time           time.Time `db:"time" json:"time"`
	Symbol         string    `db:"symbol" json:"symbol"`
	Exchange       string    `db:"exchange" json:"exchange"`
	Timeframe      string    `db:"timeframe" json:"timeframe"`
	FeatureVersion string    `db:"feature_version" json:"feature_version"`

	// Price features.
	Return1           float64 `db:"return_1" json:"return_1"`
	Return5           float64 `db:"return_5" json:"return_5"`
	Return10          float64 `db:"return_10" json:"return_10"`
	LogReturn         float64 `db:"log_return" json:"log_return"`
	PriceMomentum5    float64 `db:"price_momentum_5" json:"price_momentum_5"`
	PriceMomentum10   float64 `db:"price_momentum_10" json:"price_momentum_10"`
	PriceAcceleration float64 `db:"price_acceleration" json:"price_acceleration"`

	// Volatility features.
	Volatility5     float64 `db:"volatility_5" json:"volatility_5"`
	Volatility10    float64 `db:"volatility_10" json:"volatility_10"`
	Volatility20    float64 `db:"volatility_20" json:"volatility_20"`
	HighLowRatio    float64 `db:"high_low_ratio" json:"high_low_ratio"`
	TrueRange       float64 `db:"true_range" json:"true_range"`
	VolatilityTrend float64 `db:"volatility_trend" json:"volatility_trend"`

	// Volume features.
	VolumeChange        float64 `db:"volume_change" json:"volume_change"`
	VolumeMomentum5     float64 `db:"volume_momentum_5" json:"volume_momentum_5"`
	VolumeMomentum10    float64 `db:"volume_momentum_10" json:"volume_momentum_10"`
	VolumeRatio5        float64 `db:"volume_ratio_5" json:"volume_ratio_5"`
	VolumeRatio20       float64 `db:"volume_ratio_20" json:"volume_ratio_20"`
	VolumePriceTrend    float64 `db:"volume_price_trend" json:"volume_price_trend"`
	VolumePriceTrendNrm float64 `db:"volume_price_trend_norm" json:"volume_price_trend_norm"`

	// Technical features.
	RSI           float64 `db:"rsi" json:"rsi"`
	RSIOversold   int     `db:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought int     `db:"rsi_overbought" json:"rsi_overbought"`
	RSINeutral    int     `db:"rsi_neutral" json:"rsi_neutral"`
	MACD          float64 `db:"macd" json:"macd"`
	MACDSignal    float64 `db:"macd_signal" json:"macd_signal"`
	MACDDiff      float64 `db:"macd_diff" json:"macd_diff"`
	MACDCrossover int     `db:"macd_crossover" json:"macd_crossover"`
	MACDCrossund  int     `db:"macd_crossunder" json:"macd_crossunder"`
	BBUpper       float64 `db:"bb_upper" json:"bb_upper"`
	BBMiddle      float64 `db:"bb_middle" json:"bb_middle"`
	BBLower       float64 `db:"bb_lower" json:"bb_lower"`
	BBPosition    float64 `db:"bb_position" json:"bb_position"`
	BBWidth       float64 `db:"bb_width" json:"bb_width"`
	BBSqueeze     int     `db:"bb_squeeze" json:"bb_squeeze"`

	// Time features.
	Hour         int `db:"hour" json:"hour"`
	DayOfWeek    int `db:"day_of_week" json:"day_of_week"`
	IsWeekend    int `db:"is_weekend" json:"is_weekend"`
	IsMarketOpen int `db:"is_market_open" json:"is_market_open"`

	// Trend features.
	SMA20            float64 `db:"sma_20" json:"sma_20"`
	SMA50            float64 `db:"sma_50" json:"sma_50"`
	SMA100           float64 `db:"sma_100" json:"sma_100"`
	SMA200           float64 `db:"sma_200" json:"sma_200"`
	SMA20Distance    float64 `db:"sma_20_distance" json:"sma_20_distance"`
	SMA50Distance    float64 `db:"sma_50_distance" json:"sma_50_distance"`
	SMA100Distance   float64 `db:"sma_100_distance" json:"sma_100_distance"`
	SMA200Distance   float64 `db:"sma_200_distance" json:"sma_200_distance"`
	PriceAboveSMA20  int     `db:"price_above_sma_20" json:"price_above_sma_20"`
	PriceAboveSMA50  int     `db:"price_above_sma_50" json:"price_above_sma_50"`
	PriceAboveSMA100 int     `db:"price_above_sma_100" json:"price_above_sma_100"`
	PriceAboveSMA200 int     `db:"price_above_sma_200" json:"price_above_sma_200"`
	TrendStrength    float64 `db:"trend_strength" json:"trend_strength"`
}

// Values flattens the row into the numeric map cached under
// features:{symbol}:latest. Flags are cast to float so the hash stays uniform.
func (f FeatureRow) Values() map[string]float64 {
	return map[string]float64{
		"return_1":                f.Return1,
		"return_5":                f.Return5,
		"return_10":               f.Return10,
		"log_return":              f.LogReturn,
		"price_momentum_5":        f.PriceMomentum5,
		"price_momentum_10":       f.PriceMomentum10,
		"price_acceleration":      f.PriceAcceleration,
		"volatility_5":            f.Volatility5,
		"volatility_10":           f.Volatility10,
		"volatility_20":           f.Volatility20,
		"high_low_ratio":          f.HighLowRatio,
		"true_range":              f.TrueRange,
		"volatility_trend":        f.VolatilityTrend,
		"volume_change":           f.VolumeChange,
		"volume_momentum_5":       f.VolumeMomentum5,
		"volume_momentum_10":      f.VolumeMomentum10,
		"volume_ratio_5":          f.VolumeRatio5,
		"volume_ratio_20":         f.VolumeRatio20,
		"volume_price_trend":      f.VolumePriceTrend,
		"volume_price_trend_norm": f.VolumePriceTrendNrm,
		"rsi":                     f.RSI,
		"rsi_oversold":            float64(f.RSIOversold),
		"rsi_overbought":          float64(f.RSIOverbought),
		"rsi_neutral":             float64(f.RSINeutral),
		"macd":                    f.MACD,
		"macd_signal":             f.MACDSignal,
		"macd_diff":               f.MACDDiff,
		"macd_crossover":          float64(f.MACDCrossover),
		"macd_crossunder":         float64(f.MACDCrossund),
		"bb_upper":                f.BBUpper,
		"bb_middle":               f.BBMiddle,
		"bb_lower":                f.BBLower,
		"bb_position":             f.BBPosition,
		"bb_width":                f.BBWidth,
		"bb_squeeze":              float64(f.BBSqueeze),
		"hour":                    float64(f.Hour),
		"day_of_week":             float64(f.DayOfWeek),
		"is_weekend":              float64(f.IsWeekend),
		"is_market_open":          float64(f.IsMarketOpen),
		"sma_20":                  f.SMA20,
		"sma_50":                  f.SMA50,
		"sma_100":                 f.SMA100,
		"sma_200":                 f.SMA200,
		"sma_20_distance":         f.SMA20Distance,
		"sma_50_distance":         f.SMA50Distance,
		"sma_100_distance":        f.SMA100Distance,
		"sma_200_distance":        f.SMA200Distance,
		"price_above_sma_20":      float64(f.PriceAboveSMA20),
		"price_above_sma_50":      float64(f.PriceAboveSMA50),
		"price_above_sma_100":     float64(f.PriceAboveSMA100),
		"price_above_sma_200":     float64(f.PriceAboveSMA200),
		"trend_strength":          f.TrendStrength,
	}
}
