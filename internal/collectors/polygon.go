package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// polygonProbeSymbol is used only for the connect-time API check.
const polygonProbeSymbol = "AAPL"

// Polygon polls the previous-close aggregate for US equities under a
// strict request budget (free tier: 5 req/min). Each poll publishes a
// completed daily bar plus a synthetic tick. A 429 backs the whole cycle
// off exponentially; a 403 skips the symbol.
type Polygon struct {
	cfg     config.PolygonConfig
	client  *http.Client
	limiter *rate.Limiter

	pollInterval   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	symbols []string
	backoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolygon builds the rate-limited venue from config.
func NewPolygon(cfg config.PolygonConfig) *Polygon {
	perMin := cfg.RequestsPerMin
	if perMin <= 0 {
		perMin = 5
	}
	interval := time.Duration(cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maxBackoff := time.Duration(cfg.MaxBackoffSecs) * time.Second
	if maxBackoff <= 0 {
		maxBackoff = 300 * time.Second
	}
	initial := 10 * time.Second

	return &Polygon{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		// One token every period/perMin; no bursting past the budget.
		limiter:        rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
		pollInterval:   interval,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		backoff:        initial,
		sleep:          ctxSleep,
	}
}

func (p *Polygon) Name() string { return "polygon" }

// Connect checks the API key against the previous-close endpoint.
func (p *Polygon) Connect(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return errors.New("polygon api key not configured")
	}

	status, _, err := p.get(ctx, "/v2/aggs/ticker/"+polygonProbeSymbol+"/prev")
	if err != nil {
		return fmt.Errorf("probe polygon: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("polygon probe returned status %d", status)
	}
	return nil
}

// Subscribe records the polling set.
func (p *Polygon) Subscribe(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	p.symbols = append([]string(nil), symbols...)
	p.mu.Unlock()
	log.Info().Int("symbols", len(symbols)).Msg("Polygon polling set updated")
	return nil
}

// Run polls previous-close bars every interval. The endpoint serves
// historical data, so polling is not gated on market hours.
func (p *Polygon) Run(ctx context.Context, sink Sink) error {
	for ctx.Err() == nil {
		p.poll(ctx, sink)
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (p *Polygon) Disconnect() error { return nil }

func (p *Polygon) poll(ctx context.Context, sink Sink) {
	p.mu.Lock()
	symbols := p.symbols
	p.mu.Unlock()

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}

		status, body, err := p.get(ctx, "/v2/aggs/ticker/"+url.PathEscape(symbol)+"/prev?adjusted=true")
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Polygon poll failed")
			continue
		}

		switch status {
		case http.StatusOK:
			candle, ok := parsePrevClose(symbol, body)
			if !ok {
				log.Debug().Str("symbol", symbol).Msg("No previous close for symbol")
				continue
			}
			sink.Bar(ctx, candle)
			sink.Tick(ctx, models.Trade{
				Exchange:    p.Name(),
				Symbol:      symbol,
				Price:       candle.Close,
				Quantity:    candle.Volume,
				TimestampMS: candle.Time.UnixMilli(),
			})
			p.resetBackoff()

		case http.StatusTooManyRequests:
			// Stop the cycle; continuing would only burn more budget.
			p.backoffSleep(ctx, symbol)
			return

		case http.StatusForbidden:
			log.Error().Str("symbol", symbol).Msg("Polygon access forbidden, skipping symbol")

		default:
			log.Warn().Int("status", status).Str("symbol", symbol).Msg("Unexpected Polygon status")
		}
	}
}

func (p *Polygon) resetBackoff() {
	p.mu.Lock()
	p.backoff = p.initialBackoff
	p.mu.Unlock()
}

func (p *Polygon) backoffSleep(ctx context.Context, symbol string) {
	p.mu.Lock()
	d := p.backoff
	p.backoff *= 2
	if p.backoff > p.maxBackoff {
		p.backoff = p.maxBackoff
	}
	p.mu.Unlock()

	log.Warn().Str("symbol", symbol).Dur("delay", d).Msg("Polygon rate limited, backing off")
	p.sleep(ctx, d)
}

// get waits on the request budget, then issues the call with the API key
// appended.
func (p *Polygon) get(ctx context.Context, path string) (int, []byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	u := p.cfg.BaseURL + path + sep + "apiKey=" + url.QueryEscape(p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("polygon request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

type polygonAggsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Timestamp  int64   `json:"t"`
		Open       float64 `json:"o"`
		High       float64 `json:"h"`
		Low        float64 `json:"l"`
		Close      float64 `json:"c"`
		Volume     float64 `json:"v"`
		TradeCount int64   `json:"n"`
	} `json:"results"`
}

func parsePrevClose(symbol string, body []byte) (models.Candle, bool) {
	var resp polygonAggsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Unparseable Polygon response")
		return models.Candle{}, false
	}
	if resp.Status != "OK" || len(resp.Results) == 0 {
		return models.Candle{}, false
	}

	bar := resp.Results[0]
	return models.Candle{
		Time:       time.UnixMilli(bar.Timestamp).UTC(),
		Symbol:     symbol,
		Exchange:   "polygon",
		Timeframe:  "1d",
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
		TradeCount: bar.TradeCount,
		Completed:  true,
	}, true
}

// FetchHistorical pulls an aggregate range. Timeframes map onto the
// endpoint's multiplier/timespan pair.
func (p *Polygon) FetchHistorical(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	mult, span, err := polygonRange(timeframe)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/%d/%s/%d/%d?adjusted=true&sort=asc&limit=50000",
		url.PathEscape(symbol), mult, span, from.UnixMilli(), to.UnixMilli())
	status, body, err := p.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("aggregates returned status %d", status)
	}

	var resp polygonAggsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode aggregates: %w", err)
	}

	out := make([]models.Candle, 0, len(resp.Results))
	for _, bar := range resp.Results {
		out = append(out, models.Candle{
			Time:       time.UnixMilli(bar.Timestamp).UTC(),
			Symbol:     symbol,
			Exchange:   "polygon",
			Timeframe:  timeframe,
			Open:       bar.Open,
			High:       bar.High,
			Low:        bar.Low,
			Close:      bar.Close,
			Volume:     bar.Volume,
			TradeCount: bar.TradeCount,
			Completed:  true,
		})
	}

	log.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(out)).
		Msg("Fetched historical Polygon bars")
	return out, nil
}

func polygonRange(timeframe string) (int, string, error) {
	switch timeframe {
	case "1m":
		return 1, "minute", nil
	case "5m":
		return 5, "minute", nil
	case "15m":
		return 15, "minute", nil
	case "1h":
		return 1, "hour", nil
	case "1d":
		return 1, "day", nil
	}
	return 0, "", fmt.Errorf("unsupported timeframe %q", timeframe)
}

