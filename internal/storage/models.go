package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/alerting"
	"price-deviation-watch/internal/deviation"
)

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID                uuid.UUID
	Kind              string
	Source            string
	Symbol            string
	Key               string
	Pair              string
	Reference         decimal.Decimal
	Observed          decimal.Decimal
	DeviationPct      decimal.Decimal
	ThresholdPct      decimal.Decimal
	Direction         string
	ConsecutiveAlerts int
	Suppressed        int
	ObservedAt        time.Time
	TriggeredAt       time.Time
	CreatedAt         time.Time
}

// RecordFromAlert converts a dispatched alert to its audit row.
func RecordFromAlert(a alerting.Alert) AlertRecord {
	return AlertRecord{
		ID:                a.ID,
		Kind:              string(a.Kind),
		Source:            a.Source,
		Symbol:            a.Symbol,
		Key:               a.Key,
		Pair:              a.Pair,
		Reference:         a.Reference,
		Observed:          a.Observed,
		DeviationPct:      a.DeviationPct,
		ThresholdPct:      a.ThresholdPct,
		Direction:         string(a.Direction),
		ConsecutiveAlerts: a.ConsecutiveAlerts,
		Suppressed:        a.Suppressed,
		ObservedAt:        a.ObservedAt,
		TriggeredAt:       a.TriggeredAt,
	}
}

// Alert restores the alert view of a stored row, e.g. for re-rendering.
func (r AlertRecord) Alert() alerting.Alert {
	return alerting.Alert{
		ID:                r.ID,
		Kind:              alerting.Kind(r.Kind),
		Source:            r.Source,
		Symbol:            r.Symbol,
		Key:               r.Key,
		Pair:              r.Pair,
		Reference:         r.Reference,
		Observed:          r.Observed,
		DeviationPct:      r.DeviationPct,
		ThresholdPct:      r.ThresholdPct,
		Direction:         deviation.Direction(r.Direction),
		ConsecutiveAlerts: r.ConsecutiveAlerts,
		Suppressed:        r.Suppressed,
		ObservedAt:        r.ObservedAt,
		TriggeredAt:       r.TriggeredAt,
	}
}
