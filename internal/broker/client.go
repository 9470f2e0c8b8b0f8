// Package broker implements the market-data broker REST and stream clients.
//
// The REST client (Client) speaks two endpoints:
//   - QuoteBatch: GET /quotes     — snapshots for up to 30 symbols per request
//   - OrderBook:  GET /orderbook  — ten-level depth for one symbol
//
// Every request waits on a process-wide token bucket sized to the broker's
// per-second quota, carries a bearer token from the TokenSource, and is
// retried on transient failures (network error, 5xx, 429) with jittered
// exponential backoff before the error is surfaced.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"surgewatch/internal/config"
	"surgewatch/pkg/types"
)

// MaxBatchSize is the broker's per-request symbol limit on the batch-quote
// endpoint.
const MaxBatchSize = 30

// Client is the broker REST API client. It wraps a resty HTTP client with
// the global rate limit, retry, and bearer auth.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter // process-wide request budget
	tokens  *TokenSource
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.BrokerConfig, bo config.BackoffConfig, tokens *TokenSource, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.RESTTimeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryMaxWaitTime(bo.Cap).
		SetRetryAfter(retryAfter(bo)).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RESTRate), cfg.RESTBurst),
		tokens:  tokens,
		logger:  logger.With("component", "broker_rest"),
	}
}

// retryAfter implements the jittered exponential schedule: base·2^attempt,
// capped, with ±jitter fractional noise.
func retryAfter(bo config.BackoffConfig) resty.RetryAfterFunc {
	return func(c *resty.Client, r *resty.Response) (time.Duration, error) {
		attempt := r.Request.Attempt // 1-based
		wait := bo.Base << uint(attempt-1)
		if wait > bo.Cap || wait <= 0 {
			wait = bo.Cap
		}
		spread := 1 + bo.Jitter*(2*rand.Float64()-1)
		return time.Duration(float64(wait) * spread), nil
	}
}

// quoteWire is the broker's batch-quote response item.
type quoteWire struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_percent"`
	CumVolume float64 `json:"cum_volume"`
	CumValue  float64 `json:"cum_trade_value"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	BidTotal  float64 `json:"bid_total"`
	AskTotal  float64 `json:"ask_total"`
	Ts        int64   `json:"ts"` // unix millis
}

// QuoteBatch fetches snapshots for up to MaxBatchSize symbols in one request.
func (c *Client) QuoteBatch(ctx context.Context, symbols []string) ([]types.QuoteSnapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if len(symbols) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(symbols))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Quotes []quoteWire `json:"quotes"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&result).
		Get("/quotes")
	if err != nil {
		return nil, fmt.Errorf("quote batch: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.tokens.Invalidate()
		return nil, fmt.Errorf("quote batch: status 401: %s", resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("quote batch: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.QuoteSnapshot, 0, len(result.Quotes))
	for _, q := range result.Quotes {
		out = append(out, types.QuoteSnapshot{
			Symbol:    q.Symbol,
			Price:     q.Price,
			ChangePct: q.ChangePct,
			CumVolume: q.CumVolume,
			CumValue:  q.CumValue,
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			BestBid:   q.BestBid,
			BestAsk:   q.BestAsk,
			BidTotal:  q.BidTotal,
			AskTotal:  q.AskTotal,
			Timestamp: time.UnixMilli(q.Ts),
		})
	}
	return out, nil
}

// levelWire is one depth level on the wire, [price, size].
type levelWire [2]float64

// OrderBook fetches a ten-level depth snapshot for one symbol. Used
// sparingly; streaming is the primary depth source.
func (c *Client) OrderBook(ctx context.Context, symbol string) (*types.DepthSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Symbol   string      `json:"symbol"`
		Bids     []levelWire `json:"bids"`
		Asks     []levelWire `json:"asks"`
		BidTotal float64     `json:"bid_total"`
		AskTotal float64     `json:"ask_total"`
		Ts       int64       `json:"ts"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/orderbook")
	if err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("order book: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &types.DepthSnapshot{
		Symbol:    result.Symbol,
		Bids:      toLevels(result.Bids),
		Asks:      toLevels(result.Asks),
		BidTotal:  result.BidTotal,
		AskTotal:  result.AskTotal,
		Timestamp: time.UnixMilli(result.Ts),
	}, nil
}

// sessionWire is one symbol's prior-session metadata.
type sessionWire struct {
	Symbol      string  `json:"symbol"`
	PrevClose   float64 `json:"prev_close"`
	AvgVolume5d float64 `json:"avg_volume_5d"`
}

// SessionBaseline fetches previous-close and 5-session average volume for up
// to MaxBatchSize symbols. Called by the pre-session warm-up job.
func (c *Client) SessionBaseline(ctx context.Context, symbols []string) (map[string]types.SessionMeta, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if len(symbols) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(symbols))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Sessions []sessionWire `json:"sessions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&result).
		Get("/sessions/previous")
	if err != nil {
		return nil, fmt.Errorf("session baseline: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("session baseline: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]types.SessionMeta, len(result.Sessions))
	for _, s := range result.Sessions {
		out[s.Symbol] = types.SessionMeta{PrevClose: s.PrevClose, AvgVolume5d: s.AvgVolume5d}
	}
	return out, nil
}

func toLevels(ls []levelWire) []types.Level {
	out := make([]types.Level, len(ls))
	for i, l := range ls {
		out[i] = types.Level{Price: l[0], Size: l[1]}
	}
	return out
}
