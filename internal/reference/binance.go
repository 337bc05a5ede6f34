package reference

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BinanceMarkOptions parameterise the Binance premium index fetcher.
type BinanceMarkOptions struct {
	BaseURL string
	// Symbols restricts the result; empty keeps every listed contract.
	Symbols []string
}

// BinanceMark reads USDⓈ-M futures mark prices in one bulk request.
type BinanceMark struct {
	client  *futures.Client
	symbols map[string]struct{}
	logger  zerolog.Logger
}

func NewBinanceMark(opts BinanceMarkOptions, logger zerolog.Logger) *BinanceMark {
	client := futures.NewClient("", "")
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	var symbols map[string]struct{}
	if len(opts.Symbols) > 0 {
		symbols = lo.SliceToMap(opts.Symbols, func(s string) (string, struct{}) { return s, struct{}{} })
	}
	return &BinanceMark{
		client:  client,
		symbols: symbols,
		logger:  logger.With().Str("component", "binance_mark").Logger(),
	}
}

func (b *BinanceMark) Name() string { return "binance" }

func (b *BinanceMark) Fetch(ctx context.Context) ([]Price, error) {
	indexes, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance premium index: %w", err)
	}

	prices := make([]Price, 0, len(indexes))
	for _, idx := range indexes {
		if b.symbols != nil {
			if _, ok := b.symbols[idx.Symbol]; !ok {
				continue
			}
		}
		mark, err := decimal.NewFromString(idx.MarkPrice)
		if err != nil || mark.Sign() <= 0 {
			b.logger.Debug().Str("symbol", idx.Symbol).Str("mark", idx.MarkPrice).Msg("skipping unusable mark price")
			continue
		}
		prices = append(prices, Price{
			Symbol:      idx.Symbol,
			Value:       mark,
			PublishedAt: time.UnixMilli(idx.Time),
		})
	}
	return prices, nil
}

var _ Fetcher = (*BinanceMark)(nil)
