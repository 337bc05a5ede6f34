package deviation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput marks samples whose reference price cannot anchor a deviation.
var ErrInvalidInput = errors.New("deviation: invalid input")

var hundred = decimal.NewFromInt(100)

// Direction tells on which side of the reference the observed price sits.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
	None  Direction = "none"
)

// Pair names the two prices being compared, e.g. last/mark.
type Pair struct {
	Reference string
	Observed  string
}

// ParsePair parses "observed/reference" notation such as "last/mark".
func ParsePair(s string) (Pair, error) {
	obs, ref, ok := strings.Cut(s, "/")
	if !ok || obs == "" || ref == "" {
		return Pair{}, fmt.Errorf("invalid price pair %q, want observed/reference", s)
	}
	return Pair{Reference: ref, Observed: obs}, nil
}

func (p Pair) String() string {
	return p.Observed + "/" + p.Reference
}

// Sample is one normalised price observation for a symbol. It is consumed
// immediately and never retained.
type Sample struct {
	Symbol    string
	Pair      Pair
	Reference decimal.NullDecimal
	Observed  decimal.Decimal
	Timestamp time.Time
	// Secondary samples carry their pair in the alert key so that each
	// comparison keeps its own cooldown history.
	Secondary bool
}

// Key returns the identifier used for per-symbol alert state.
func (s Sample) Key() string {
	if !s.Secondary {
		return s.Symbol
	}
	return s.Symbol + "|" + s.Pair.String()
}

// Result is the derived deviation of a sample.
type Result struct {
	Symbol    string
	Key       string
	Pair      Pair
	Percent   decimal.Decimal
	Direction Direction
	Reference decimal.Decimal
	Observed  decimal.Decimal
	Timestamp time.Time
}

// Compute returns (observed-reference)/reference*100 with its sign. A missing,
// zero or negative reference yields ErrInvalidInput.
func Compute(reference decimal.NullDecimal, observed decimal.Decimal) (decimal.Decimal, Direction, error) {
	if !reference.Valid {
		return decimal.Decimal{}, None, fmt.Errorf("%w: reference price missing", ErrInvalidInput)
	}
	if reference.Decimal.Sign() <= 0 {
		return decimal.Decimal{}, None, fmt.Errorf("%w: reference price %s is not positive", ErrInvalidInput, reference.Decimal.String())
	}

	pct := observed.Sub(reference.Decimal).Mul(hundred).Div(reference.Decimal)
	return pct, classify(pct), nil
}

// Evaluate computes the deviation of a sample.
func Evaluate(s Sample) (Result, error) {
	pct, dir, err := Compute(s.Reference, s.Observed)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", s.Symbol, s.Pair, err)
	}
	return Result{
		Symbol:    s.Symbol,
		Key:       s.Key(),
		Pair:      s.Pair,
		Percent:   pct,
		Direction: dir,
		Reference: s.Reference.Decimal,
		Observed:  s.Observed,
		Timestamp: s.Timestamp,
	}, nil
}

func classify(d decimal.Decimal) Direction {
	switch d.Sign() {
	case 1:
		return Above
	case -1:
		return Below
	default:
		return None
	}
}
