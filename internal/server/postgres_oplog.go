package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/mediacanvas/canvassync/internal/canvas"
)

const (
	postgresOpLogTableName   = "canvassync_oplog"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresOpLog is the durable operation log. The replay window is still
// bounded: Since refuses requests older than the retained horizon so the
// table can be pruned without breaking reconciliation guarantees.
type PostgresOpLog struct {
	dsn       string
	tableName string
	window    int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresOpLog(dsn string, window int) (*PostgresOpLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if window <= 0 {
		window = 1024
	}
	return &PostgresOpLog{
		dsn:       dsn,
		tableName: postgresOpLogTableName,
		window:    window,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresOpLog) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				project_id TEXT NOT NULL,
				sequence BIGINT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (project_id, sequence)
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *PostgresOpLog) Append(projectID string, op canvas.Operation) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, sequence, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, sequence) DO NOTHING`, postgresQuoteIdentifier(l.tableName))
	if _, err := l.db.ExecContext(ctx, query, projectID, op.Sequence, string(payload)); err != nil {
		return err
	}

	prune := fmt.Sprintf(`
		DELETE FROM %s
		WHERE project_id = $1
		  AND sequence <= (
			SELECT COALESCE(MAX(sequence), 0) - $2 FROM %s WHERE project_id = $1
		  )`, postgresQuoteIdentifier(l.tableName), postgresQuoteIdentifier(l.tableName))
	_, err = l.db.ExecContext(ctx, prune, projectID, int64(l.window))
	return err
}

func (l *PostgresOpLog) Since(projectID string, afterSeq int64) ([]canvas.Operation, bool, error) {
	if err := l.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var oldest sql.NullInt64
	minQuery := fmt.Sprintf("SELECT MIN(sequence) FROM %s WHERE project_id = $1", postgresQuoteIdentifier(l.tableName))
	if err := l.db.QueryRowContext(ctx, minQuery, projectID).Scan(&oldest); err != nil {
		return nil, false, err
	}
	if !oldest.Valid {
		return nil, afterSeq == 0, nil
	}
	if afterSeq < oldest.Int64-1 {
		return nil, false, nil
	}

	query := fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE project_id = $1 AND sequence > $2
		ORDER BY sequence ASC`, postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query, projectID, afterSeq)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var ops []canvas.Operation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		var op canvas.Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, false, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return ops, true, nil
}

func (l *PostgresOpLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
