package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/market"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// bistProbeSymbol is a liquid Borsa Istanbul ticker used only to verify
// the endpoint answers before the catalog symbols are loaded.
const bistProbeSymbol = "THYAO.IS"

// BIST polls delayed Borsa Istanbul quotes while the market is open. The
// source hands out OHLC directly, so each poll publishes the latest
// completed 1m bar plus a synthetic tick (price=close, quantity=volume)
// to keep the quality history and trade channel consistent with the
// streaming venues.
type BIST struct {
	cfg    config.BISTConfig
	clock  *market.Clock
	client *http.Client

	pollInterval time.Duration
	idleInterval time.Duration

	mu      sync.Mutex
	symbols []string
	lastBar map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBIST builds the polled venue from config and the market clock.
func NewBIST(cfg config.BISTConfig, clock *market.Clock) *BIST {
	interval := time.Duration(cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &BIST{
		cfg:          cfg,
		clock:        clock,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: interval,
		idleInterval: 60 * time.Second,
		lastBar:      make(map[string]time.Time),
		now:          time.Now,
		sleep:        ctxSleep,
	}
}

func (b *BIST) Name() string { return "bist" }

// Connect verifies the chart endpoint answers. There is no session to
// establish.
func (b *BIST) Connect(ctx context.Context) error {
	_, err := b.fetchChart(ctx, bistProbeSymbol, "range=1d&interval=1m")
	if err != nil {
		return fmt.Errorf("probe %s: %w", bistProbeSymbol, err)
	}
	return nil
}

// Subscribe records the polling set; the source has no subscriptions.
func (b *BIST) Subscribe(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	b.symbols = append([]string(nil), symbols...)
	b.mu.Unlock()
	log.Info().Int("symbols", len(symbols)).Msg("BIST polling set updated")
	return nil
}

// Run polls every interval while the market clock is open and idles with a
// reopen check while it is closed.
func (b *BIST) Run(ctx context.Context, sink Sink) error {
	for ctx.Err() == nil {
		if !b.clock.IsOpen(b.Name(), b.now()) {
			log.Debug().Msg("BIST market closed, idling")
			if err := b.sleep(ctx, b.idleInterval); err != nil {
				return ctx.Err()
			}
			continue
		}

		b.poll(ctx, sink)
		if err := b.sleep(ctx, b.pollInterval); err != nil {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (b *BIST) Disconnect() error { return nil }

func (b *BIST) poll(ctx context.Context, sink Sink) {
	b.mu.Lock()
	symbols := b.symbols
	b.mu.Unlock()

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		candle, err := b.latestCompletedBar(ctx, symbol)
		if err != nil {
			// Per-symbol failures do not abort the cycle.
			log.Error().Err(err).Str("symbol", symbol).Msg("BIST poll failed")
			continue
		}
		if candle == nil {
			continue
		}

		sink.Bar(ctx, *candle)
		sink.Tick(ctx, models.Trade{
			Exchange:    b.Name(),
			Symbol:      symbol,
			Price:       candle.Close,
			Quantity:    candle.Volume,
			TimestampMS: candle.Time.UnixMilli(),
		})
		log.Debug().
			Str("symbol", symbol).
			Float64("close", candle.Close).
			Msg("Polled BIST bar")
	}
}

// latestCompletedBar fetches today's 1m series and returns the newest bar
// whose minute has fully elapsed, or nil when that bar was already
// published in an earlier poll.
func (b *BIST) latestCompletedBar(ctx context.Context, symbol string) (*models.Candle, error) {
	chart, err := b.fetchChart(ctx, symbol, "range=1d&interval=1m")
	if err != nil {
		return nil, err
	}

	candles := chartCandles(chart, symbol, b.Name(), "1m")
	cutoff := b.now().Add(-time.Minute)
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		if c.Time.After(cutoff) {
			continue
		}
		b.mu.Lock()
		seen := b.lastBar[symbol].Equal(c.Time)
		if !seen {
			b.lastBar[symbol] = c.Time
		}
		b.mu.Unlock()
		if seen {
			return nil, nil
		}
		return &c, nil
	}
	return nil, nil
}

// FetchHistorical pulls a time range of bars from the chart endpoint.
func (b *BIST) FetchHistorical(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	query := fmt.Sprintf("period1=%d&period2=%d&interval=%s", from.Unix(), to.Unix(), timeframe)
	chart, err := b.fetchChart(ctx, symbol, query)
	if err != nil {
		return nil, err
	}
	candles := chartCandles(chart, symbol, b.Name(), timeframe)
	log.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(candles)).
		Msg("Fetched historical BIST bars")
	return candles, nil
}

type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (b *BIST) fetchChart(ctx context.Context, symbol, query string) (*yahooChart, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", b.cfg.BaseURL, url.PathEscape(symbol), query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build chart request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; market-data-collector)")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chart: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart returned status %d", resp.StatusCode)
	}

	var chart yahooChart
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("decode chart: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("empty chart for %s", symbol)
	}
	return &chart, nil
}

// chartCandles flattens a chart response, skipping slots with missing
// prices (halts and thin minutes arrive as nulls).
func chartCandles(chart *yahooChart, symbol, exchange, timeframe string) []models.Candle {
	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	q := result.Indicators.Quote[0]

	var out []models.Candle
	for i, ts := range result.Timestamp {
		if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) {
			break
		}
		if q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil || q.Close[i] == nil {
			continue
		}
		volume := 0.0
		if i < len(q.Volume) && q.Volume[i] != nil {
			volume = *q.Volume[i]
		}
		out = append(out, models.Candle{
			Time:      time.Unix(ts, 0).UTC(),
			Symbol:    symbol,
			Exchange:  exchange,
			Timeframe: timeframe,
			Open:      *q.Open[i],
			High:      *q.High[i],
			Low:       *q.Low[i],
			Close:     *q.Close[i],
			Volume:    volume,
			Completed: true,
		})
	}
	return out
}
