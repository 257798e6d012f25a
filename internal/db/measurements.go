package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/ecg.report/internal/session"
)

var _ session.ResultSink = (*DB)(nil)

// DefaultListLimit caps ListMeasurements when no limit is given.
const DefaultListLimit = 100

// SaveMeasurement stores rec and its trace, replacing any earlier copy.
func (db *DB) SaveMeasurement(ctx context.Context, rec session.Record) error {
	if rec.ID == "" {
		return errors.New("measurement id is required")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO measurements (
			measurement_id, started_unix_nanos, ended_unix_nanos, duration_ms,
			success, average_mv, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), rec.Duration.Milliseconds(),
		boolInt(rec.Success), rec.Average, string(rec.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurement_trace WHERE measurement_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear trace for %s: %w", rec.ID, err)
	}

	if len(rec.Trace) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO measurement_trace (
				measurement_id, seq, seconds_left, average_mv, lead_off, at_unix_nanos
			) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trace insert: %w", err)
		}
		defer stmt.Close()

		for i, p := range rec.Trace {
			if _, err := stmt.ExecContext(ctx, rec.ID, i, p.SecondsLeft, p.Average, boolInt(p.LeadOff), p.At.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert trace point %d for %s: %w", i, rec.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit measurement %s: %w", rec.ID, err)
	}
	logf("saved measurement %s (%d trace points)", rec.ID, len(rec.Trace))
	return nil
}

// ListMeasurements returns the most recent measurements, newest first,
// without their traces.
func (db *DB) ListMeasurements(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT measurement_id, started_unix_nanos, ended_unix_nanos, duration_ms,
			success, average_mv, reason
		FROM measurements
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMeasurement returns one measurement with its trace, or ErrNotFound.
func (db *DB) GetMeasurement(ctx context.Context, id string) (*session.Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT measurement_id, started_unix_nanos, ended_unix_nanos, duration_ms,
			success, average_mv, reason
		FROM measurements
		WHERE measurement_id = ?`, id)
	rec, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rec.Trace, err = db.trace(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteMeasurement removes a measurement and its trace.
func (db *DB) DeleteMeasurement(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM measurements WHERE measurement_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete measurement %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (db *DB) trace(ctx context.Context, id string) ([]session.TracePoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seconds_left, average_mv, lead_off, at_unix_nanos
		FROM measurement_trace
		WHERE measurement_id = ?
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace for %s: %w", id, err)
	}
	defer rows.Close()

	var out []session.TracePoint
	for rows.Next() {
		var (
			p       session.TracePoint
			leadOff int
			at      int64
		)
		if err := rows.Scan(&p.SecondsLeft, &p.Average, &leadOff, &at); err != nil {
			return nil, err
		}
		p.LeadOff = leadOff != 0
		p.At = time.Unix(0, at).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(s scanner) (session.Record, error) {
	var (
		rec            session.Record
		started, ended int64
		durationMs     int64
		success        int
		reason         string
	)
	if err := s.Scan(&rec.ID, &started, &ended, &durationMs, &success, &rec.Average, &reason); err != nil {
		return session.Record{}, err
	}
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.EndedAt = time.Unix(0, ended).UTC()
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.Success = success != 0
	rec.Reason = session.Reason(reason)
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
