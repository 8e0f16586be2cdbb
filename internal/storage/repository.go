package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPollSampleSQL = `INSERT INTO poll_samples (
        poller,
        taken_at,
        cursor,
        row_count,
        latest,
        max_value,
        mean_value,
        violated,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (poller, taken_at) DO UPDATE
    SET
        cursor     = EXCLUDED.cursor,
        row_count  = EXCLUDED.row_count,
        latest     = EXCLUDED.latest,
        max_value  = EXCLUDED.max_value,
        mean_value = EXCLUDED.mean_value,
        violated   = EXCLUDED.violated,
        status     = EXCLUDED.status,
        error      = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT
        poller,
        taken_at,
        cursor,
        row_count,
        latest::text,
        max_value::text,
        mean_value::text,
        violated,
        status,
        error,
        created_at
    FROM poll_samples
    WHERE poller = $1
      AND taken_at >= $2
      AND taken_at < $3
    ORDER BY taken_at;`

	listRecentSamplesSQL = `SELECT
        poller,
        taken_at,
        cursor,
        row_count,
        latest::text,
        max_value::text,
        mean_value::text,
        violated,
        status,
        error,
        created_at
    FROM poll_samples
    WHERE poller = $1
    ORDER BY taken_at DESC
    LIMIT $2;`

	countSamplesSQL = `SELECT COUNT(*) FROM poll_samples WHERE poller = $1;`

	insertAlertSQL = `INSERT INTO poll_alerts (
        poller,
        triggered_at,
        rule,
        violations,
        row_count,
        channels,
        delivered,
        suppressed,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        poller,
        triggered_at,
        rule,
        violations,
        row_count,
        channels,
        delivered,
        suppressed,
        error,
        created_at
    FROM poll_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM poll_alerts WHERE created_at < $1;`

	saveCursorSQL = `INSERT INTO poll_cursors (poller, kind, value, updated_at)
    VALUES ($1, $2, $3, NOW())
    ON CONFLICT (poller) DO UPDATE
    SET kind = EXCLUDED.kind, value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;`

	loadCursorSQL = `SELECT poller, kind, value, updated_at FROM poll_cursors WHERE poller = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for poll sample persistence.
type SampleStore interface {
	UpsertSample(ctx context.Context, sample PollSample) error
	ListSamplesBetween(ctx context.Context, poller string, from, to time.Time) ([]PollSample, error)
	ListRecentSamples(ctx context.Context, poller string, limit int) ([]PollSample, error)
	CountSamples(ctx context.Context, poller string) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// CursorStore checkpoints poller cursors across restarts.
type CursorStore interface {
	SaveCursor(ctx context.Context, cp CursorCheckpoint) error
	// LoadCursor returns nil, nil when the poller has no checkpoint.
	LoadCursor(ctx context.Context, poller string) (*CursorCheckpoint, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, alerts and cursors.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock even if the unlock fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSample persists or updates a poll sample.
func (s *Store) UpsertSample(ctx context.Context, sample PollSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	status := sample.Status
	if status == "" {
		status = "complete"
	}

	_, execErr := pool.Exec(ctx, upsertPollSampleSQL,
		sample.Poller,
		sample.TakenAt,
		sample.Cursor,
		sample.RowCount,
		decimalArg(sample.Latest),
		decimalArg(sample.Max),
		decimalArg(sample.Mean),
		sample.Violated,
		status,
		stringArg(sample.Error),
	)
	if execErr != nil {
		return fmt.Errorf("upsert poll sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples of a poller within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, poller string, from, to time.Time) ([]PollSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSamplesBetweenSQL, poller, from, to)
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples returns the newest samples of a poller.
func (s *Store) ListRecentSamples(ctx context.Context, poller string, limit int) ([]PollSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentSamplesSQL, poller, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples returns the number of stored samples of a poller.
func (s *Store) CountSamples(ctx context.Context, poller string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL, poller).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	rec := alert
	if rec.Violations == nil {
		rec.Violations = []string{}
	}
	if rec.Channels == nil {
		rec.Channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		rec.Poller,
		rec.TriggeredAt,
		rec.Rule,
		rec.Violations,
		rec.RowCount,
		rec.Channels,
		rec.Delivered,
		rec.Suppressed,
		stringArg(rec.Error),
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var errMsg sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.Poller,
			&rec.TriggeredAt,
			&rec.Rule,
			&rec.Violations,
			&rec.RowCount,
			&rec.Channels,
			&rec.Delivered,
			&rec.Suppressed,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// SaveCursor upserts the checkpoint of a poller.
func (s *Store) SaveCursor(ctx context.Context, cp CursorCheckpoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveCursorSQL, cp.Poller, cp.Kind, cp.Value); execErr != nil {
		return fmt.Errorf("save cursor: %w", execErr)
	}
	return nil
}

// LoadCursor reads the checkpoint of a poller.
func (s *Store) LoadCursor(ctx context.Context, poller string) (*CursorCheckpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var cp CursorCheckpoint
	scanErr := pool.QueryRow(ctx, loadCursorSQL, poller).Scan(&cp.Poller, &cp.Kind, &cp.Value, &cp.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("load cursor: %w", scanErr)
	}
	return &cp, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]PollSample, error) {
	samples := make([]PollSample, 0, capacity)
	for rows.Next() {
		sample, err := scanPollSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPollSample(rows pgx.Rows) (PollSample, error) {
	var (
		sample              PollSample
		latest, maxV, meanV sql.NullString
		errMsg              sql.NullString
	)

	if err := rows.Scan(
		&sample.Poller,
		&sample.TakenAt,
		&sample.Cursor,
		&sample.RowCount,
		&latest,
		&maxV,
		&meanV,
		&sample.Violated,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return PollSample{}, err
	}

	var err error
	if sample.Latest, err = parseDecimal(latest); err != nil {
		return PollSample{}, fmt.Errorf("parse latest: %w", err)
	}
	if sample.Max, err = parseDecimal(maxV); err != nil {
		return PollSample{}, fmt.Errorf("parse max: %w", err)
	}
	if sample.Mean, err = parseDecimal(meanV); err != nil {
		return PollSample{}, fmt.Errorf("parse mean: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func parseDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
