package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-deviation-watch/internal/alerting"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const alertColumns = `
        id,
        kind,
        source,
        symbol,
        alert_key,
        pair,
        reference_price::text,
        observed_price::text,
        deviation_pct::text,
        threshold_pct::text,
        direction,
        consecutive_alerts,
        suppressed,
        observed_at,
        triggered_at,
        created_at`

const (
	insertAlertSQL = `INSERT INTO alerts (
        id,
        kind,
        source,
        symbol,
        alert_key,
        pair,
        reference_price,
        observed_price,
        deviation_pct,
        threshold_pct,
        direction,
        consecutive_alerts,
        suppressed,
        observed_at,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11,$12,$13,$14,$15
    )
    ON CONFLICT (id) DO NOTHING
    RETURNING` + alertColumns + `;`

	listRecentAlertsSQL = `SELECT` + alertColumns + `
    FROM alerts
    ORDER BY triggered_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE triggered_at >= $1
      AND triggered_at < $2
    ORDER BY triggered_at
    LIMIT $3;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE triggered_at < $1;`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// querier is the subset of pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists alerts to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

var (
	_ AlertStore        = (*Store)(nil)
	_ alerting.Recorder = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	if pool != nil {
		s.db = pool
	}
	return s
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) conn() (querier, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// RecordAlert stores an emitted alert. Duplicate ids are ignored.
func (s *Store) RecordAlert(ctx context.Context, a alerting.Alert) error {
	_, err := s.InsertAlert(ctx, RecordFromAlert(a))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	db, err := s.conn()
	if err != nil {
		return AlertRecord{}, err
	}

	row := db.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.Kind,
		alert.Source,
		alert.Symbol,
		alert.Key,
		alert.Pair,
		alert.Reference.String(),
		alert.Observed.String(),
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.ConsecutiveAlerts,
		alert.Suppressed,
		alert.ObservedAt,
		alert.TriggeredAt,
	)

	rec, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlertRecord{}, err
		}
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists the latest alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListAlertsBetween lists alerts triggered in [from, to), oldest first.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listAlertsBetweenSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts between: %w", err)
	}
	return collectAlerts(rows)
}

// DeleteAlertsBefore deletes historical alerts and reports how many went.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec                        AlertRecord
		referenceStr, observedStr  string
		deviationStr, thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Source,
		&rec.Symbol,
		&rec.Key,
		&rec.Pair,
		&referenceStr,
		&observedStr,
		&deviationStr,
		&thresholdStr,
		&rec.Direction,
		&rec.ConsecutiveAlerts,
		&rec.Suppressed,
		&rec.ObservedAt,
		&rec.TriggeredAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"reference price", referenceStr, &rec.Reference},
		{"observed price", observedStr, &rec.Observed},
		{"deviation pct", deviationStr, &rec.DeviationPct},
		{"threshold pct", thresholdStr, &rec.ThresholdPct},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return AlertRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return rec, nil
}
