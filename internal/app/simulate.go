package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/alerting"
	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/policy"
	"price-deviation-watch/internal/state"
)

// SimulateAlert 通过给定的参考/观测价格模拟一次告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	alert, d, err := a.simulate(opts, time.Now().UTC())
	if err != nil {
		return err
	}
	if !d.Fire {
		a.Logger.Info().
			Str("symbol", alert.Symbol).
			Str("deviation_pct", alert.DeviationPct.StringFixed(4)).
			Str("threshold_pct", d.Threshold.String()).
			Str("reason", string(d.Reason)).
			Msg("模拟结果未触发告警")
		return nil
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	ctx, cancel := context.WithTimeout(ctx, a.Config.Alerting.NotifyTimeout)
	defer cancel()
	if err := alerting.Deliver(ctx, notifier, alert, alerting.Render(alert)); err != nil {
		return fmt.Errorf("deliver simulated alert: %w", err)
	}
	a.Logger.Info().Str("symbol", alert.Symbol).Str("alert_id", alert.ID.String()).Msg("模拟告警已发送")
	return nil
}

// simulate runs one observation through the live policy with fresh state.
func (a *App) simulate(opts SimulateOptions, now time.Time) (alerting.Alert, policy.Decision, error) {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return alerting.Alert{}, policy.Decision{}, errors.New("--symbol 必须配置")
	}

	pair, err := a.simulatePair(opts.Pair)
	if err != nil {
		return alerting.Alert{}, policy.Decision{}, err
	}

	sample := deviation.Sample{
		Symbol:    symbol,
		Pair:      pair,
		Reference: decimal.NewNullDecimal(decimal.NewFromFloat(opts.Reference)),
		Observed:  decimal.NewFromFloat(opts.Observed),
		Timestamp: now,
	}
	res, err := deviation.Evaluate(sample)
	if err != nil {
		return alerting.Alert{}, policy.Decision{}, err
	}

	d := policy.New(a.Config.Rules()).Evaluate(now, res, state.AlertState{})
	return alerting.NewAlert(alerting.KindDeviation, a.Config.Feed.Venue, res, d, now), d, nil
}

func (a *App) simulatePair(name string) (deviation.Pair, error) {
	if name != "" {
		return deviation.ParsePair(strings.ToLower(strings.TrimSpace(name)))
	}
	pairs, err := a.Config.Pairs()
	if err != nil {
		return deviation.Pair{}, err
	}
	return pairs[0], nil
}
