package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/policy"
)

// Kind distinguishes deviation alerts from blacklist notices.
type Kind string

const (
	KindDeviation   Kind = "deviation"
	KindBlacklisted Kind = "blacklisted"
)

// Alert 封装一次告警的上下文。
type Alert struct {
	ID                uuid.UUID           `json:"id"`
	Kind              Kind                `json:"kind"`
	Source            string              `json:"source"`
	Symbol            string              `json:"symbol"`
	Key               string              `json:"key"`
	Pair              string              `json:"pair"`
	Reference         decimal.Decimal     `json:"reference"`
	Observed          decimal.Decimal     `json:"observed"`
	DeviationPct      decimal.Decimal     `json:"deviation_pct"`
	ThresholdPct      decimal.Decimal     `json:"threshold_pct"`
	Direction         deviation.Direction `json:"direction"`
	ConsecutiveAlerts int                 `json:"consecutive_alerts"`
	Suppressed        int                 `json:"suppressed"`
	ObservedAt        time.Time           `json:"observed_at"`
	TriggeredAt       time.Time           `json:"triggered_at"`
}

// NewAlert builds an alert from a policy decision.
func NewAlert(kind Kind, source string, res deviation.Result, d policy.Decision, now time.Time) Alert {
	return Alert{
		ID:                uuid.New(),
		Kind:              kind,
		Source:            source,
		Symbol:            res.Symbol,
		Key:               res.Key,
		Pair:              res.Pair.String(),
		Reference:         res.Reference,
		Observed:          res.Observed,
		DeviationPct:      res.Percent,
		ThresholdPct:      d.Threshold,
		Direction:         res.Direction,
		ConsecutiveAlerts: d.State.ConsecutiveAlerts,
		Suppressed:        d.State.Suppressed,
		ObservedAt:        res.Timestamp,
		TriggeredAt:       now,
	}
}

// markdown escapes the characters legacy Telegram Markdown treats as markup.
var markdown = strings.NewReplacer("_", `\_`, "*", `\*`, "[", `\[`, "`", "\\`")

// Render formats an alert as legacy Telegram Markdown. Names taken from the
// feed, such as BTC_PERP, are escaped.
func Render(a Alert) string {
	if a.Kind == KindBlacklisted {
		return renderBlacklisted(a)
	}

	observed, reference := pairLabels(a.Pair)
	observed, reference = markdown.Replace(observed), markdown.Replace(reference)
	b := strings.Builder{}
	b.WriteString("🚨 *Price Alert*\n\n")
	b.WriteString(fmt.Sprintf("*Market:* %s\n", markdown.Replace(a.Symbol)))
	if a.Source != "" {
		b.WriteString(fmt.Sprintf("*Venue:* %s\n", markdown.Replace(a.Source)))
	}
	b.WriteString(fmt.Sprintf("*%s:* $%s\n", observed, a.Observed.StringFixed(4)))
	b.WriteString(fmt.Sprintf("*%s:* $%s\n", reference, a.Reference.StringFixed(4)))
	b.WriteString(fmt.Sprintf("*Deviation:* %s%% %s\n", signed(a.DeviationPct), a.Direction))
	b.WriteString(fmt.Sprintf("*Threshold:* %s%%\n", a.ThresholdPct.String()))
	if a.ConsecutiveAlerts > 1 {
		b.WriteString(fmt.Sprintf("*Consecutive:* %d\n", a.ConsecutiveAlerts))
	}
	b.WriteString(fmt.Sprintf("*Time:* %s UTC", a.ObservedAt.UTC().Format(time.DateTime)))
	return b.String()
}

func renderBlacklisted(a Alert) string {
	b := strings.Builder{}
	b.WriteString("⛔ *AUTO-BLACKLISTED*\n\n")
	b.WriteString(fmt.Sprintf("*Market:* %s\n", markdown.Replace(a.Symbol)))
	b.WriteString(fmt.Sprintf("*Pair:* %s\n", markdown.Replace(a.Pair)))
	b.WriteString(fmt.Sprintf("*Consecutive alerts:* %d\n", a.ConsecutiveAlerts))
	b.WriteString(fmt.Sprintf("*Last deviation:* %s%%\n", signed(a.DeviationPct)))
	b.WriteString("No further alerts will be sent for this market until restart.\n")
	b.WriteString(fmt.Sprintf("*Time:* %s UTC", a.TriggeredAt.UTC().Format(time.DateTime)))
	return b.String()
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.Sign() > 0 {
		return "+" + s
	}
	return s
}

var priceLabels = map[string]string{
	"last":  "Last Trade Price",
	"mark":  "Mark Price",
	"index": "Index Price",
	"bid":   "Best Bid",
	"ask":   "Best Ask",
}

func pairLabels(pair string) (string, string) {
	obs, ref, ok := strings.Cut(pair, "/")
	if !ok {
		return "Observed", "Reference"
	}
	return label(obs), label(ref)
}

func label(name string) string {
	if l, ok := priceLabels[name]; ok {
		return l
	}
	return strings.ToUpper(name[:1]) + name[1:] + " Price"
}
