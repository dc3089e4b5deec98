package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// Binance streams trades and klines over the combined WebSocket endpoint
// and serves historical klines over REST inside the request budget. The
// connection is recycled on a schedule even without errors, per venue
// guidance.
type Binance struct {
	cfg     config.BinanceConfig
	client  *http.Client
	limiter *rate.Limiter

	recycleAfter time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBinance builds the streaming venue from config.
func NewBinance(cfg config.BinanceConfig) *Binance {
	budget := cfg.RESTBudgetPerMin
	if budget <= 0 {
		budget = 1200
	}
	hours := cfg.ReconnectHours
	if hours <= 0 {
		hours = 24
	}
	perSec := float64(budget) / 60.0
	return &Binance{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		// Burst of one second's budget.
		limiter:      rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		recycleAfter: time.Duration(hours) * time.Hour,
	}
}

func (b *Binance) Name() string { return "binance" }

// Connect verifies REST reachability. The WebSocket itself is dialed in
// Subscribe, which needs the symbol list for the combined stream URL.
func (b *Binance) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.RESTURL+"/api/v3/ping", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping binance: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance ping returned status %d", resp.StatusCode)
	}
	return nil
}

// Subscribe dials the combined stream carrying trade and 1m kline streams
// for every symbol. Higher timeframes are rolled up internally from the
// base bars, so only the base kline stream is needed.
func (b *Binance) Subscribe(ctx context.Context, symbols []string) error {
	streams := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		low := strings.ToLower(s)
		streams = append(streams, low+"@trade", low+"@kline_1m")
	}

	u := b.cfg.WSURL + "/stream?streams=" + strings.Join(streams, "/")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.cfg.WSURL, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	log.Info().Int("streams", len(streams)).Msg("Subscribed to Binance streams")
	return nil
}

// Run reads the stream until ctx is canceled, the connection fails, or the
// scheduled recycle fires. A recycle returns nil so the run loop
// reconnects without counting an error.
func (b *Binance) Run(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("binance: not subscribed")
	}

	recycle := time.NewTimer(b.recycleAfter)
	defer recycle.Stop()

	var recycled atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-recycle.C:
			recycled.Store(true)
			log.Info().Msg("Recycling Binance connection on schedule")
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if recycled.Load() {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		b.handleMessage(ctx, data, sink)
	}
}

func (b *Binance) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime   int64  `json:"t"`
		CloseTime  int64  `json:"T"`
		Interval   string `json:"i"`
		Open       string `json:"o"`
		Close      string `json:"c"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		IsClosed   bool   `json:"x"`
	} `json:"k"`
}

func (b *Binance) handleMessage(ctx context.Context, data []byte, sink Sink) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("Unparseable Binance frame")
		return
	}
	event := env.Data
	if event == nil {
		// Single-stream connections deliver the event without an envelope.
		event = data
	}

	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(event, &head); err != nil {
		log.Warn().Err(err).Msg("Unparseable Binance event")
		return
	}

	switch head.EventType {
	case "trade":
		b.handleTrade(ctx, event, sink)
	case "kline":
		b.handleKline(ctx, event, sink)
	}
}

func (b *Binance) handleTrade(ctx context.Context, data []byte, sink Sink) {
	var raw binanceTradeEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Msg("Unparseable Binance trade")
		return
	}

	price, _ := strconv.ParseFloat(raw.Price, 64)
	quantity, _ := strconv.ParseFloat(raw.Quantity, 64)
	maker := raw.IsBuyerMaker

	sink.Tick(ctx, models.Trade{
		Exchange:     "binance",
		Symbol:       raw.Symbol,
		Price:        price,
		Quantity:     quantity,
		TimestampMS:  raw.TradeTime,
		IsBuyerMaker: &maker,
	})
}

// handleKline forwards completed klines only; forming ones arrive again on
// close with x set.
func (b *Binance) handleKline(ctx context.Context, data []byte, sink Sink) {
	var raw binanceKlineEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Msg("Unparseable Binance kline")
		return
	}
	k := raw.Kline
	if !k.IsClosed {
		return
	}

	open, _ := strconv.ParseFloat(k.Open, 64)
	high, _ := strconv.ParseFloat(k.High, 64)
	low, _ := strconv.ParseFloat(k.Low, 64)
	closePx, _ := strconv.ParseFloat(k.Close, 64)
	volume, _ := strconv.ParseFloat(k.Volume, 64)

	sink.Bar(ctx, models.Candle{
		Time:       time.UnixMilli(k.OpenTime).UTC(),
		Symbol:     raw.Symbol,
		Exchange:   "binance",
		Timeframe:  k.Interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     volume,
		TradeCount: k.TradeCount,
		Completed:  true,
	})
}

// FetchHistorical pages through the REST klines endpoint, waiting on the
// request budget before each page.
func (b *Binance) FetchHistorical(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	var out []models.Candle
	start := from.UnixMilli()
	end := to.UnixMilli()

	for start < end {
		if err := b.limiter.Wait(ctx); err != nil {
			return out, err
		}

		u := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=1000",
			b.cfg.RESTURL, symbol, timeframe, start, end)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return out, fmt.Errorf("build klines request: %w", err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return out, fmt.Errorf("fetch klines: %w", err)
		}

		var rows [][]any
		err = json.NewDecoder(resp.Body).Decode(&rows)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return out, fmt.Errorf("klines returned status %d", resp.StatusCode)
		}
		if err != nil {
			return out, fmt.Errorf("decode klines: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, k := range rows {
			if len(k) < 6 {
				continue
			}
			out = append(out, models.Candle{
				Time:      time.UnixMilli(int64(knum(k[0]))).UTC(),
				Symbol:    symbol,
				Exchange:  "binance",
				Timeframe: timeframe,
				Open:      knum(k[1]),
				High:      knum(k[2]),
				Low:       knum(k[3]),
				Close:     knum(k[4]),
				Volume:    knum(k[5]),
				Completed: true,
			})
		}

		last := int64(knum(rows[len(rows)-1][0]))
		start = last + 1
		if len(rows) < 1000 {
			break
		}
	}

	log.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(out)).
		Msg("Fetched historical klines")
	return out, nil
}

// knum reads a kline array cell: numbers arrive as JSON numbers, prices as
// decimal strings.
func knum(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
