package venue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/feed"
)

const (
	// BybitLinearURL is the public USDT perpetual stream.
	BybitLinearURL = "wss://stream.bybit.com/v5/public/linear"

	bybitTopicsPerFrame = 10
	bybitTickerPrefix   = "tickers."
)

var _ feed.Protocol = (*Bybit)(nil)

// Bybit decodes v5 linear ticker streams. Ticker pushes arrive as one snapshot
// followed by deltas carrying only changed fields, so prices are merged into
// a per-symbol cache before samples are built.
type Bybit struct {
	pairs  []deviation.Pair
	quotes quotes
}

func NewBybit(pairs []deviation.Pair) *Bybit {
	return &Bybit{pairs: pairs, quotes: quotes{}}
}

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type bybitEnvelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol     string `json:"symbol"`
	LastPrice  string `json:"lastPrice"`
	MarkPrice  string `json:"markPrice"`
	IndexPrice string `json:"indexPrice"`
	Bid1Price  string `json:"bid1Price"`
	Ask1Price  string `json:"ask1Price"`
}

func (b *Bybit) SubscribeFrames(symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, errors.New("bybit: no symbols to subscribe")
	}
	b.quotes = quotes{}
	topics := lo.Map(symbols, func(s string, _ int) string {
		return bybitTickerPrefix + strings.ToUpper(s)
	})

	var frames [][]byte
	for _, chunk := range lo.Chunk(topics, bybitTopicsPerFrame) {
		frame, err := json.Marshal(bybitRequest{Op: "subscribe", Args: chunk})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (b *Bybit) Classify(msg []byte) (feed.Control, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Topic != "" {
		return feed.ControlNone, nil
	}
	switch env.Op {
	case "subscribe":
		if env.Success != nil && !*env.Success {
			return feed.ControlNone, fmt.Errorf("bybit subscribe rejected: %s", env.RetMsg)
		}
		return feed.ControlAck, nil
	case "ping", "pong":
		return feed.ControlPong, nil
	}
	if env.RetMsg == "pong" {
		return feed.ControlPong, nil
	}
	return feed.ControlNone, nil
}

func (b *Bybit) PingFrame() []byte {
	return []byte(`{"op":"ping"}`)
}

func (b *Bybit) Decode(msg []byte) ([]deviation.Sample, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(env.Topic, bybitTickerPrefix) {
		return nil, nil
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("bybit %s: empty data", env.Topic)
	}

	var t bybitTicker
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("bybit %s: %w", env.Topic, err)
	}
	if t.Symbol == "" {
		t.Symbol = strings.TrimPrefix(env.Topic, bybitTickerPrefix)
	}

	update, err := t.quote()
	if err != nil {
		return nil, fmt.Errorf("bybit %s: %w", t.Symbol, err)
	}
	update.Updated = time.UnixMilli(env.TS)
	if env.TS == 0 {
		update.Updated = time.Now()
	}

	q := b.quotes.apply(t.Symbol, update, env.Type == "snapshot")
	return Samples(t.Symbol, q, b.pairs), nil
}

func (t bybitTicker) quote() (Quote, error) {
	var (
		q   Quote
		err error
	)
	if q.Last, err = parsePrice(t.LastPrice); err != nil {
		return q, err
	}
	if q.Mark, err = parsePrice(t.MarkPrice); err != nil {
		return q, err
	}
	if q.Index, err = parsePrice(t.IndexPrice); err != nil {
		return q, err
	}
	if q.Bid, err = parsePrice(t.Bid1Price); err != nil {
		return q, err
	}
	if q.Ask, err = parsePrice(t.Ask1Price); err != nil {
		return q, err
	}
	return q, nil
}
