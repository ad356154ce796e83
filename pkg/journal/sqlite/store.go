package sqlite

import (
	"codeberg.org/miketth/monitoggle/pkg/journal/sqlite/migrations"
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"time"
)

type Journal struct {
	db *sql.DB
}

func NewJournal(filename string, log *zap.SugaredLogger) (*Journal, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := migrations.Migrate(db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

const insertCycle = `
insert into cycles (recorded_at, operation, targets, serial, attempts, outcome, error)
values (?, ?, ?, ?, ?, ?, ?)`

func (j *Journal) Record(ctx context.Context, entry monitoggle.JournalEntry) error {
	targets := entry.Targets
	if targets == nil {
		targets = []string{}
	}
	encoded, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}

	_, err = j.db.ExecContext(ctx, insertCycle,
		entry.Time.UnixMicro(),
		entry.Operation,
		string(encoded),
		entry.Serial,
		entry.Attempts,
		entry.Outcome,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}

	return nil
}

const selectRecent = `
select recorded_at, operation, targets, serial, attempts, outcome, error
from cycles
order by id desc
limit ?`

// Recent returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (j *Journal) Recent(ctx context.Context, limit int) ([]monitoggle.JournalEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite select: %w", err)
	}
	defer rows.Close()

	var out []monitoggle.JournalEntry
	for rows.Next() {
		var (
			entry      monitoggle.JournalEntry
			recordedAt int64
			targets    string
		)
		err := rows.Scan(&recordedAt, &entry.Operation, &targets, &entry.Serial, &entry.Attempts, &entry.Outcome, &entry.Error)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &entry.Targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
		entry.Time = time.UnixMicro(recordedAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}

	return out, nil
}
