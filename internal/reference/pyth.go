package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pythLatestPath = "/api/latest_price_feeds"

// PythOptions parameterise the Pyth Hermes fetcher.
type PythOptions struct {
	BaseURL string
	// Feeds maps symbols to Pyth price feed ids.
	Feeds     map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Pyth fetches oracle prices from a Hermes endpoint.
type Pyth struct {
	opts    PythOptions
	baseURL string
	client  *http.Client
	bySID   map[string]string
	logger  zerolog.Logger
}

func NewPyth(opts PythOptions, logger zerolog.Logger) *Pyth {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	bySID := make(map[string]string, len(opts.Feeds))
	for symbol, id := range opts.Feeds {
		bySID[normaliseFeedID(id)] = symbol
	}

	return &Pyth{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		bySID:   bySID,
		logger:  logger.With().Str("component", "pyth_fetcher").Logger(),
	}
}

func (p *Pyth) Name() string { return "pyth" }

func (p *Pyth) Fetch(ctx context.Context) ([]Price, error) {
	if len(p.bySID) == 0 {
		return nil, errors.New("no pyth feeds configured")
	}

	q := url.Values{}
	for id := range p.bySID {
		q.Add("ids[]", "0x"+id)
	}
	endpoint := p.baseURL + pythLatestPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "devwatch/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pyth api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var feeds []pythFeed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return nil, fmt.Errorf("decode pyth response: %w", err)
	}

	prices := make([]Price, 0, len(feeds))
	for _, f := range feeds {
		symbol, ok := p.bySID[normaliseFeedID(f.ID)]
		if !ok {
			continue
		}
		raw, err := decimal.NewFromString(f.Price.Price)
		if err != nil {
			return nil, fmt.Errorf("pyth feed %s: parse price: %w", symbol, err)
		}
		value := raw.Shift(f.Price.Expo)
		if value.Sign() <= 0 {
			p.logger.Debug().Str("symbol", symbol).Msg("skipping non-positive pyth price")
			continue
		}
		prices = append(prices, Price{
			Symbol:      symbol,
			Value:       value,
			PublishedAt: time.Unix(f.Price.PublishTime, 0),
		})
	}
	return prices, nil
}

type pythFeed struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

func normaliseFeedID(id string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
}

var _ Fetcher = (*Pyth)(nil)
