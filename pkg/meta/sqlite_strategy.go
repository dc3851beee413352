package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ StrategyLog = (*SQLiteStrategyLog)(nil)

// SQLiteStrategyLog keeps the storage strategy history in a SQLite table.
type SQLiteStrategyLog struct{ db *sql.DB }

// OpenSQLiteStrategyLog opens the database at path and prepares the schema.
func OpenSQLiteStrategyLog(path string) (*SQLiteStrategyLog, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	log, err := NewSQLiteStrategyLog(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

// NewSQLiteStrategyLog wraps an open database, creating the table if absent.
func NewSQLiteStrategyLog(db *sql.DB) (*SQLiteStrategyLog, error) {
	l := &SQLiteStrategyLog{db: db}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteStrategyLog) init() error {
	schema := `CREATE TABLE IF NOT EXISTS storage_strategy_events (
id INTEGER PRIMARY KEY AUTOINCREMENT,
strategy TEXT NOT NULL,
recorded_at INTEGER NOT NULL
);`
	_, err := l.db.Exec(schema)
	return err
}

// Append records a strategy decision.
func (l *SQLiteStrategyLog) Append(ctx context.Context, rec Record) error {
	const q = `INSERT INTO storage_strategy_events (strategy, recorded_at) VALUES (?, ?)`
	_, err := l.db.ExecContext(ctx, q, rec.Strategy, rec.Timestamp.UnixNano())
	return err
}

// Latest returns the most recently appended record.
func (l *SQLiteStrategyLog) Latest(ctx context.Context) (Record, bool, error) {
	const q = `SELECT strategy, recorded_at FROM storage_strategy_events ORDER BY id DESC LIMIT 1`
	var (
		rec  Record
		nano int64
	)
	if err := l.db.QueryRowContext(ctx, q).Scan(&rec.Strategy, &nano); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec.Timestamp = time.Unix(0, nano).UTC()
	return rec, true, nil
}

// All returns every record in append order.
func (l *SQLiteStrategyLog) All(ctx context.Context) ([]Record, error) {
	const q = `SELECT strategy, recorded_at FROM storage_strategy_events ORDER BY id`
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		var (
			rec  Record
			nano int64
		)
		if err = rows.Scan(&rec.Strategy, &nano); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return nil, fmt.Errorf("scan error: %v; close error: %w", err, cErr)
			}
			return nil, err
		}
		rec.Timestamp = time.Unix(0, nano).UTC()
		out = append(out, rec)
	}
	if cErr := rows.Close(); cErr != nil {
		return nil, cErr
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *SQLiteStrategyLog) Close() error {
	return l.db.Close()
}
