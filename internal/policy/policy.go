package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/state"
)

// Reason explains an alert decision.
type Reason string

const (
	ReasonFired             Reason = "fired"
	ReasonCooldown          Reason = "cooldown"
	ReasonBelowThreshold    Reason = "below_threshold"
	ReasonRecovered         Reason = "recovered"
	ReasonBlacklisted       Reason = "blacklisted"
	ReasonConfigBlacklisted Reason = "config_blacklisted"
	ReasonImplausible       Reason = "implausible"
)

// Thresholds is the immutable threshold snapshot loaded at startup.
type Thresholds struct {
	Default   decimal.Decimal
	Overrides map[string]decimal.Decimal
}

// For resolves the effective threshold of a symbol.
func (t Thresholds) For(symbol string) decimal.Decimal {
	if v, ok := t.Overrides[symbol]; ok {
		return v
	}
	return t.Default
}

func (t Thresholds) hasOverride(symbol string) bool {
	_, ok := t.Overrides[symbol]
	return ok
}

// Rules bundles everything the policy consults besides per-key state.
type Rules struct {
	Thresholds Thresholds
	Cooldown   time.Duration
	// AutoBlacklistLimit is the number of consecutive fired alerts, without a
	// recovery in between, after which a key is blacklisted. Zero disables it.
	AutoBlacklistLimit int
	Blacklist          map[string]struct{}
	// MaxPlausiblePercent discards deviations beyond it for symbols without a
	// threshold override. Zero disables the guard.
	MaxPlausiblePercent decimal.Decimal
}

// Decision is the outcome of evaluating one deviation.
type Decision struct {
	Fire             bool
	Reason           Reason
	State            state.AlertState
	Threshold        decimal.Decimal
	NewlyBlacklisted bool
}

// Policy decides whether a deviation warrants a notification.
type Policy struct {
	rules Rules
}

// New constructs a policy over a rules snapshot.
func New(rules Rules) *Policy {
	return &Policy{rules: rules}
}

// Rules returns the snapshot the policy evaluates against.
func (p *Policy) Rules() Rules {
	return p.rules
}

// Evaluate applies blacklist, threshold, cooldown and auto-blacklist rules.
// It performs no I/O and never mutates st in place.
func (p *Policy) Evaluate(now time.Time, res deviation.Result, st state.AlertState) Decision {
	threshold := p.rules.Thresholds.For(res.Symbol)
	d := Decision{State: st, Threshold: threshold}

	if st.Blacklisted {
		d.Reason = ReasonBlacklisted
		return d
	}
	if _, ok := p.rules.Blacklist[res.Symbol]; ok {
		d.Reason = ReasonConfigBlacklisted
		return d
	}

	magnitude := res.Percent.Abs()

	if p.rules.MaxPlausiblePercent.Sign() > 0 &&
		!p.rules.Thresholds.hasOverride(res.Symbol) &&
		magnitude.GreaterThan(p.rules.MaxPlausiblePercent) {
		d.Reason = ReasonImplausible
		return d
	}

	if magnitude.LessThan(threshold) {
		d.Reason = ReasonBelowThreshold
		if st.ConsecutiveAlerts > 0 || st.Suppressed > 0 {
			d.State.ConsecutiveAlerts = 0
			d.State.Suppressed = 0
			d.Reason = ReasonRecovered
		}
		return d
	}

	if st.HasAlerted() && now.Sub(st.LastAlertAt) < p.rules.Cooldown {
		d.State.Suppressed++
		d.Reason = ReasonCooldown
	} else {
		d.Fire = true
		d.Reason = ReasonFired
		d.State.LastAlertAt = now
		d.State.ConsecutiveAlerts++
	}

	if p.rules.AutoBlacklistLimit > 0 && d.State.ConsecutiveAlerts >= p.rules.AutoBlacklistLimit {
		d.State.Blacklisted = true
		d.State.BlacklistedAt = now
		d.NewlyBlacklisted = true
	}

	return d
}
