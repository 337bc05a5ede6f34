package deviation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(v))
}

func TestComputeMatchesFormula(t *testing.T) {
	cases := []struct {
		reference, observed string
		dir                 Direction
	}{
		{"100", "104.5", Above},
		{"100", "103.9", Above},
		{"100", "95", Below},
		{"3.7", "3.7", None},
		{"0.000123", "0.00013", Above},
		{"64250.5", "63111.25", Below},
	}

	tolerance := decimal.New(1, -12)
	for _, tc := range cases {
		r := decimal.RequireFromString(tc.reference)
		o := decimal.RequireFromString(tc.observed)

		pct, dir, err := Compute(decimal.NewNullDecimal(r), o)
		require.NoError(t, err)

		want := o.Sub(r).Div(r).Mul(decimal.NewFromInt(100))
		assert.True(t, pct.Sub(want).Abs().LessThan(tolerance), "%s vs %s: got %s want %s", tc.observed, tc.reference, pct, want)
		assert.Equal(t, tc.dir, dir)
	}
}

func TestComputeConcreteScenario(t *testing.T) {
	pct, dir, err := Compute(ref("100"), decimal.RequireFromString("104.5"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.RequireFromString("4.5")), "got %s", pct)
	assert.Equal(t, Above, dir)

	pct, _, err = Compute(ref("100"), decimal.RequireFromString("103.9"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.RequireFromString("3.9")), "got %s", pct)
}

func TestComputeRejectsNonPositiveReference(t *testing.T) {
	observed := []string{"0", "-1", "100", "1e9"}
	refs := []decimal.NullDecimal{
		{},
		ref("0"),
		ref("-0.01"),
		ref("-100"),
	}

	for _, r := range refs {
		for _, o := range observed {
			_, _, err := Compute(r, decimal.RequireFromString(o))
			require.ErrorIs(t, err, ErrInvalidInput)
		}
	}
}

func TestEvaluateCarriesKeyAndPair(t *testing.T) {
	pair := Pair{Reference: "mark", Observed: "bid"}
	s := Sample{Symbol: "BTCUSDT", Pair: pair, Reference: ref("100"), Observed: decimal.NewFromInt(90), Secondary: true}

	res, err := Evaluate(s)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT|bid/mark", res.Key)
	assert.Equal(t, Below, res.Direction)
	assert.True(t, res.Percent.Equal(decimal.NewFromInt(-10)))

	s.Secondary = false
	assert.Equal(t, "BTCUSDT", s.Key())

	_, err = Evaluate(Sample{Symbol: "ETHUSDT", Pair: pair, Observed: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("last/mark")
	require.NoError(t, err)
	assert.Equal(t, Pair{Reference: "mark", Observed: "last"}, p)
	assert.Equal(t, "last/mark", p.String())

	p, err = ParsePair("bid/chain/link")
	require.NoError(t, err)
	assert.Equal(t, Pair{Reference: "chain/link", Observed: "bid"}, p)

	for _, bad := range []string{"", "/", "last", "/mark", "last/"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}
