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
	// BinanceFuturesURL is the USDⓈ-M futures raw stream endpoint.
	BinanceFuturesURL = "wss://fstream.binance.com/ws"

	binanceStreamsPerFrame = 100
)

var _ feed.Protocol = (*Binance)(nil)

// Binance decodes USDⓈ-M futures markPrice, bookTicker and aggTrade streams.
type Binance struct {
	pairs    []deviation.Pair
	quotes   quotes
	withLast bool
	nextID   int64
}

func NewBinance(pairs []deviation.Pair) *Binance {
	return &Binance{
		pairs:    pairs,
		quotes:   quotes{},
		withLast: usesPrice(pairs, PriceLast),
	}
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Binance payloads use single-letter keys that differ only in case, and
// encoding/json matches keys case-insensitively, so every colliding key is
// declared explicitly.
type binanceEnvelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *binanceError   `json:"error"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceMarkPrice struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	SettlePrice string `json:"P"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

type binanceBookTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	TradeTime int64  `json:"T"`
}

type binanceAggTrade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (b *Binance) SubscribeFrames(symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, errors.New("binance: no symbols to subscribe")
	}
	// prices from a previous session are stale
	b.quotes = quotes{}

	var streams []string
	for _, s := range symbols {
		s = strings.ToLower(s)
		streams = append(streams, s+"@markPrice@1s", s+"@bookTicker")
		if b.withLast {
			streams = append(streams, s+"@aggTrade")
		}
	}

	var frames [][]byte
	for _, chunk := range lo.Chunk(streams, binanceStreamsPerFrame) {
		b.nextID++
		frame, err := json.Marshal(binanceRequest{Method: "SUBSCRIBE", Params: chunk, ID: b.nextID})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (b *Binance) Classify(msg []byte) (feed.Control, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Event != "" || env.ID == nil {
		return feed.ControlNone, nil
	}
	if env.Error != nil {
		return feed.ControlNone, fmt.Errorf("binance request %d rejected: %d %s", *env.ID, env.Error.Code, env.Error.Msg)
	}
	return feed.ControlAck, nil
}

// PingFrame is nil; the server drives ping/pong at the websocket layer.
func (b *Binance) PingFrame() []byte {
	return nil
}

func (b *Binance) Decode(msg []byte) ([]deviation.Sample, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}

	var (
		symbol string
		update Quote
		err    error
	)
	switch env.Event {
	case "markPriceUpdate":
		var m binanceMarkPrice
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("binance markPrice: %w", err)
		}
		symbol = m.Symbol
		if update.Mark, err = parsePrice(m.MarkPrice); err != nil {
			return nil, fmt.Errorf("binance %s: %w", symbol, err)
		}
		if update.Index, err = parsePrice(m.IndexPrice); err != nil {
			return nil, fmt.Errorf("binance %s: %w", symbol, err)
		}
	case "bookTicker":
		var t binanceBookTicker
		if err := json.Unmarshal(msg, &t); err != nil {
			return nil, fmt.Errorf("binance bookTicker: %w", err)
		}
		symbol = t.Symbol
		if update.Bid, err = parsePrice(t.BidPrice); err != nil {
			return nil, fmt.Errorf("binance %s: %w", symbol, err)
		}
		if update.Ask, err = parsePrice(t.AskPrice); err != nil {
			return nil, fmt.Errorf("binance %s: %w", symbol, err)
		}
	case "aggTrade":
		var t binanceAggTrade
		if err := json.Unmarshal(msg, &t); err != nil {
			return nil, fmt.Errorf("binance aggTrade: %w", err)
		}
		symbol = t.Symbol
		if update.Last, err = parsePrice(t.Price); err != nil {
			return nil, fmt.Errorf("binance %s: %w", symbol, err)
		}
	default:
		return nil, nil
	}
	if symbol == "" {
		return nil, fmt.Errorf("binance %s: missing symbol", env.Event)
	}

	update.Updated = time.UnixMilli(env.EventTime)
	if env.EventTime == 0 {
		update.Updated = time.Now()
	}

	q := b.quotes.apply(symbol, update, false)
	return Samples(symbol, q, b.pairs), nil
}
