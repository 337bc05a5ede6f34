package venue

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/deviation"
)

// Price names understood in pair notation.
const (
	PriceLast  = "last"
	PriceMark  = "mark"
	PriceIndex = "index"
	PriceBid   = "bid"
	PriceAsk   = "ask"
)

// SupportedPairs lists the observed/reference combinations venues can emit.
var SupportedPairs = []string{"last/mark", "last/index", "bid/mark", "ask/mark", "mark/index"}

var two = decimal.NewFromInt(2)

// ParsePairs validates pair names. The first pair is the primary comparison.
func ParsePairs(names []string) ([]deviation.Pair, error) {
	if len(names) == 0 {
		names = []string{"last/mark"}
	}
	names = lo.Uniq(lo.Map(names, func(n string, _ int) string {
		return strings.ToLower(strings.TrimSpace(n))
	}))
	pairs := make([]deviation.Pair, 0, len(names))
	for _, name := range names {
		if !lo.Contains(SupportedPairs, name) {
			return nil, fmt.Errorf("unsupported price pair %q (supported: %s)", name, strings.Join(SupportedPairs, ", "))
		}
		p, err := deviation.ParsePair(name)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Quote is the last known set of prices for one symbol.
type Quote struct {
	Last    decimal.NullDecimal
	Mark    decimal.NullDecimal
	Index   decimal.NullDecimal
	Bid     decimal.NullDecimal
	Ask     decimal.NullDecimal
	Updated time.Time
}

// Price returns the named price. A missing mark falls back to the bid/ask mid.
func (q Quote) Price(name string) decimal.NullDecimal {
	switch name {
	case PriceLast:
		return q.Last
	case PriceMark:
		if q.Mark.Valid {
			return q.Mark
		}
		if q.Bid.Valid && q.Ask.Valid {
			return decimal.NewNullDecimal(q.Bid.Decimal.Add(q.Ask.Decimal).Div(two))
		}
		return decimal.NullDecimal{}
	case PriceIndex:
		return q.Index
	case PriceBid:
		return q.Bid
	case PriceAsk:
		return q.Ask
	}
	return decimal.NullDecimal{}
}

// Merge overwrites the fields u carries.
func (q *Quote) Merge(u Quote) {
	if u.Last.Valid {
		q.Last = u.Last
	}
	if u.Mark.Valid {
		q.Mark = u.Mark
	}
	if u.Index.Valid {
		q.Index = u.Index
	}
	if u.Bid.Valid {
		q.Bid = u.Bid
	}
	if u.Ask.Valid {
		q.Ask = u.Ask
	}
	if u.Updated.After(q.Updated) {
		q.Updated = u.Updated
	}
}

// Samples builds one sample per pair from q. Pairs whose observed price is
// unknown are skipped; an unknown reference is passed through for the
// calculator to reject.
func Samples(symbol string, q Quote, pairs []deviation.Pair) []deviation.Sample {
	out := make([]deviation.Sample, 0, len(pairs))
	for i, p := range pairs {
		obs := q.Price(p.Observed)
		if !obs.Valid {
			continue
		}
		out = append(out, deviation.Sample{
			Symbol:    symbol,
			Pair:      p,
			Reference: q.Price(p.Reference),
			Observed:  obs.Decimal,
			Timestamp: q.Updated,
			Secondary: i > 0,
		})
	}
	return out
}

// quotes is a last-known-price cache owned by a single receive loop.
type quotes map[string]*Quote

func (c quotes) apply(symbol string, u Quote, replace bool) Quote {
	q, ok := c[symbol]
	if !ok || replace {
		q = &Quote{}
		c[symbol] = q
	}
	q.Merge(u)
	return *q
}

func parsePrice(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("price %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func usesPrice(pairs []deviation.Pair, name string) bool {
	return lo.SomeBy(pairs, func(p deviation.Pair) bool {
		return p.Observed == name || p.Reference == name
	})
}
