package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/state"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func result(t *testing.T, symbol, reference, observed string) deviation.Result {
	t.Helper()
	res, err := deviation.Evaluate(deviation.Sample{
		Symbol:    symbol,
		Pair:      deviation.Pair{Reference: "mark", Observed: "last"},
		Reference: decimal.NewNullDecimal(dec(reference)),
		Observed:  dec(observed),
	})
	require.NoError(t, err)
	return res
}

func baseRules() Rules {
	return Rules{
		Thresholds: Thresholds{Default: dec("4.0")},
		Cooldown:   5 * time.Minute,
	}
}

func TestConcreteThresholdScenario(t *testing.T) {
	p := New(baseRules())

	d := p.Evaluate(t0, result(t, "BTC_PERP", "100", "104.5"), state.AlertState{})
	assert.True(t, d.Fire)
	assert.Equal(t, ReasonFired, d.Reason)
	assert.Equal(t, 1, d.State.ConsecutiveAlerts)
	assert.Equal(t, t0, d.State.LastAlertAt)

	d = p.Evaluate(t0, result(t, "BTC_PERP", "100", "103.9"), state.AlertState{})
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonBelowThreshold, d.Reason)
}

func TestThresholdTieFires(t *testing.T) {
	p := New(baseRules())
	d := p.Evaluate(t0, result(t, "X", "100", "96"), state.AlertState{})
	assert.True(t, d.Fire, "deviation equal to threshold must fire")
}

func TestOverrideThreshold(t *testing.T) {
	rules := baseRules()
	rules.Thresholds.Overrides = map[string]decimal.Decimal{"XAU": dec("0.5")}
	p := New(rules)

	assert.True(t, p.Evaluate(t0, result(t, "XAU", "100", "100.6"), state.AlertState{}).Fire)
	assert.False(t, p.Evaluate(t0, result(t, "ETH", "100", "100.6"), state.AlertState{}).Fire)
	assert.True(t, dec("0.5").Equal(rules.Thresholds.For("XAU")))
	assert.True(t, dec("4").Equal(rules.Thresholds.For("ETH")))
}

func TestCooldownFiresAtMostOnce(t *testing.T) {
	p := New(baseRules())
	res := result(t, "SOL", "100", "110")

	first := p.Evaluate(t0, res, state.AlertState{})
	require.True(t, first.Fire)

	second := p.Evaluate(t0.Add(time.Minute), res, first.State)
	assert.False(t, second.Fire)
	assert.Equal(t, ReasonCooldown, second.Reason)
	assert.Equal(t, 1, second.State.ConsecutiveAlerts)
	assert.Equal(t, 1, second.State.Suppressed)
	assert.Equal(t, t0, second.State.LastAlertAt)

	third := p.Evaluate(t0.Add(5*time.Minute), res, second.State)
	assert.True(t, third.Fire, "cooldown elapsed")
	assert.Equal(t, 2, third.State.ConsecutiveAlerts)
}

func TestRecoveryResetsConsecutiveCount(t *testing.T) {
	p := New(baseRules())
	st := state.AlertState{}

	d1 := p.Evaluate(t0, result(t, "ARB", "100", "105"), st)
	require.True(t, d1.Fire)

	d2 := p.Evaluate(t0.Add(10*time.Minute), result(t, "ARB", "100", "101"), d1.State)
	require.False(t, d2.Fire)
	assert.Equal(t, ReasonRecovered, d2.Reason)
	assert.Equal(t, 0, d2.State.ConsecutiveAlerts)

	d3 := p.Evaluate(t0.Add(20*time.Minute), result(t, "ARB", "100", "105"), d2.State)
	require.True(t, d3.Fire)
	assert.Equal(t, 1, d3.State.ConsecutiveAlerts)
}

func TestRecoveryStillRespectsCooldown(t *testing.T) {
	p := New(baseRules())

	d1 := p.Evaluate(t0, result(t, "OP", "100", "95"), state.AlertState{})
	d2 := p.Evaluate(t0.Add(time.Second), result(t, "OP", "100", "99"), d1.State)
	d3 := p.Evaluate(t0.Add(2*time.Second), result(t, "OP", "100", "95"), d2.State)

	assert.False(t, d3.Fire)
	assert.Equal(t, ReasonCooldown, d3.Reason)
}

func TestAutoBlacklistAfterConsecutiveFires(t *testing.T) {
	rules := baseRules()
	rules.AutoBlacklistLimit = 3
	p := New(rules)
	res := result(t, "ILLQ", "100", "120")

	st := state.AlertState{}
	now := t0
	for i := 1; i <= 3; i++ {
		d := p.Evaluate(now, res, st)
		require.True(t, d.Fire, "alert %d", i)
		assert.Equal(t, i == 3, d.NewlyBlacklisted, "alert %d", i)
		st = d.State
		now = now.Add(rules.Cooldown)
	}
	require.True(t, st.Blacklisted)
	assert.Equal(t, 3, st.ConsecutiveAlerts)

	d := p.Evaluate(now, res, st)
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonBlacklisted, d.Reason)
	assert.False(t, d.NewlyBlacklisted)
	assert.Equal(t, st, d.State)
}

func TestBlacklistedNeverFires(t *testing.T) {
	p := New(baseRules())
	st := state.AlertState{Blacklisted: true}

	d := p.Evaluate(t0, result(t, "DOGE", "1", "11"), st)
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonBlacklisted, d.Reason)

	d = p.Evaluate(t0, result(t, "DOGE", "1", "0.99"), st)
	assert.Equal(t, st, d.State, "blacklisted state is never touched, not even on recovery")
}

func TestConfigBlacklist(t *testing.T) {
	rules := baseRules()
	rules.Blacklist = map[string]struct{}{"LUNA": {}}
	p := New(rules)

	d := p.Evaluate(t0, result(t, "LUNA", "1", "11"), state.AlertState{})
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonConfigBlacklisted, d.Reason)
	assert.False(t, d.State.Blacklisted, "static blacklist does not write state")
}

func TestPlausibilityGuard(t *testing.T) {
	rules := baseRules()
	rules.MaxPlausiblePercent = dec("30")
	rules.Thresholds.Overrides = map[string]decimal.Decimal{"MEME": dec("10")}
	p := New(rules)

	d := p.Evaluate(t0, result(t, "PEPE", "1", "1.5"), state.AlertState{})
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonImplausible, d.Reason)

	d = p.Evaluate(t0, result(t, "MEME", "1", "1.5"), state.AlertState{})
	assert.True(t, d.Fire, "symbols with overrides skip the guard")
}
