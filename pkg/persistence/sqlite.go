package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

const outputTable = `
CREATE TABLE IF NOT EXISTS module_output (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	module TEXT NOT NULL,
	seq INTEGER NOT NULL,
	route TEXT NOT NULL,
	process_date TEXT,
	document TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS module_output_run ON module_output (run_id, module);
`

// SQLiteSink stores every record as a row of module_output. A module's rows for
// a run are replaced on each save.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: %w", err)
	}
	// sqlite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(outputTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Save implements Sink
func (s *SQLiteSink) Save(ctx context.Context, runID, module string, batch []message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM module_output WHERE run_id = ? AND module = ?`, runID, module); err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO module_output
		(run_id, module, seq, route, process_date, document, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, msg := range batch {
		doc, err := msg.Document()
		if err != nil {
			return fmt.Errorf("sqlite sink: message %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, module, i, msg.Route(), msg.Date, string(doc), now); err != nil {
			return fmt.Errorf("sqlite sink: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}
	return nil
}

// Count returns the number of stored records of a module in a run
func (s *SQLiteSink) Count(ctx context.Context, runID, module string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM module_output WHERE run_id = ? AND module = ?`, runID, module).Scan(&n)
	return n, err
}

// Documents returns a module's stored documents in batch order
func (s *SQLiteSink) Documents(ctx context.Context, runID, module string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM module_output WHERE run_id = ? AND module = ? ORDER BY seq`, runID, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Close implements Sink
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
