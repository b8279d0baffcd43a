package alerts

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Journal keeps an append-only record of every advisory so an operator can
// audit what the engine reported, independent of delivery channels.
type Journal struct {
	db *sql.DB
}

func NewJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS advisories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		message TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Send(ctx context.Context, text string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO advisories (ts, message) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), text)
	return err
}

// Recent returns up to n advisories, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT message FROM advisories ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
