package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	plan_code      TEXT NOT NULL,
	datacenter     TEXT NOT NULL,
	options        TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	retry_interval INTEGER NOT NULL,
	retry_count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
CREATE TABLE IF NOT EXISTS purchase_history (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	queue_item_id  TEXT NOT NULL,
	plan_code      TEXT NOT NULL,
	datacenter     TEXT NOT NULL,
	status         TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	order_url      TEXT NOT NULL,
	error_message  TEXT NOT NULL,
	purchase_time  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	id      TEXT NOT NULL,
	ts      INTEGER NOT NULL,
	level   TEXT NOT NULL,
	source  TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS server_plans (
	position  INTEGER PRIMARY KEY,
	plan_code TEXT NOT NULL,
	data      TEXT NOT NULL
);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	log.Infof("SQLite store initialized at %s", path)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Queue Operations ---

func (s *SQLiteStore) Enqueue(ctx context.Context, target QueueTarget) (*QueueItem, error) {
	t, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}
	item := NewQueueItem(t, s.now())
	opts, err := encodeOptions(item.Options)
	if err != nil {
		return nil, errs.Storage(err, "enqueue")
	}

	query := `INSERT INTO queue_items (` + queueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, item.ID, item.PlanCode, item.Datacenter, opts,
		string(item.Status), toNanos(item.CreatedAt), toNanos(item.UpdatedAt),
		item.RetryInterval, item.RetryCount); err != nil {
		return nil, errs.Storage(err, "failed to insert queue item")
	}
	return item, nil
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "failed to load queue item")
	}
	return item, nil
}

func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	return s.listQueue(ctx, `SELECT `+queueColumns+` FROM queue_items ORDER BY seq`)
}

func (s *SQLiteStore) ListQueueByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error) {
	return s.listQueue(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE status = ? ORDER BY seq`, string(status))
}

func (s *SQLiteStore) listQueue(ctx context.Context, query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage(err, "failed to list queue")
	}
	defer rows.Close()

	result := []*QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, errs.Storage(err, "failed to scan queue item")
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(err, "failed to list queue")
	}
	return result, nil
}

func (s *SQLiteStore) SetDesiredRun(ctx context.Context, id string, running bool) (*QueueItem, error) {
	var result *QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := s.lockedItem(ctx, tx, id)
		if err != nil {
			return err
		}
		want, changed, err := desiredRunTransition(item, running)
		if err != nil {
			return err
		}
		if changed {
			now := s.now()
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(want), toNanos(now), id, string(item.Status)); err != nil {
				return errs.Storage(err, "failed to update queue item status")
			}
			item.Status = want
			item.UpdatedAt = now
		}
		result = item
		return nil
	})
	return result, err
}

func (s *SQLiteStore) RemoveQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var result *QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := s.lockedItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return errs.Storage(err, "failed to delete queue item")
		}
		result = item
		return nil
	})
	return result, err
}

func (s *SQLiteStore) RecordAttemptResult(ctx context.Context, id string, outcome Outcome) (*QueueItem, *PurchaseRecord, error) {
	var (
		next   *QueueItem
		record *PurchaseRecord
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := s.lockedItem(ctx, tx, id)
		if err != nil {
			return err
		}
		next, record, err = ApplyOutcome(item, outcome, s.now())
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, retry_count = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(next.Status), next.RetryCount, toNanos(next.UpdatedAt), id, string(StatusRunning))
		if err != nil {
			return errs.Storage(err, "failed to record attempt result")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errs.Conflict("queue item %s is no longer running", id)
		}

		if record != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO purchase_history (`+purchaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				record.ID, record.QueueItemID, record.PlanCode, record.Datacenter, string(record.Status),
				record.OrderID, record.OrderURL, record.ErrorMessage, toNanos(record.PurchaseTime)); err != nil {
				return errs.Storage(err, "failed to insert purchase record")
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return next, record, nil
}

func (s *SQLiteStore) PruneTerminal(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE status IN (?, ?)`,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return 0, errs.Storage(err, "failed to prune terminal items")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) lockedItem(ctx context.Context, tx *sql.Tx, id string) (*QueueItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "failed to load queue item")
	}
	return item, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage(err, "failed to commit transaction")
	}
	return nil
}

// --- History Operations ---

func (s *SQLiteStore) ListPurchases(ctx context.Context) ([]*PurchaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchase_history ORDER BY seq`)
	if err != nil {
		return nil, errs.Storage(err, "failed to list purchases")
	}
	defer rows.Close()

	result := []*PurchaseRecord{}
	for rows.Next() {
		r, err := scanPurchase(rows)
		if err != nil {
			return nil, errs.Storage(err, "failed to scan purchase")
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(err, "failed to list purchases")
	}
	return result, nil
}

func (s *SQLiteStore) ClearPurchases(ctx context.Context, pruneTerminal bool) (int, error) {
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_history`); err != nil {
			return errs.Storage(err, "failed to clear purchases")
		}
		if !pruneTerminal {
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE status IN (?, ?)`,
			string(StatusCompleted), string(StatusFailed))
		if err != nil {
			return errs.Storage(err, "failed to prune terminal items")
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// --- Log Operations ---

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *LogEntry, maxEntries int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO logs (id, ts, level, source, message) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, toNanos(entry.Timestamp), string(entry.Level), entry.Source, entry.Message)
		if err != nil {
			return errs.Storage(err, "failed to insert log entry")
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return errs.Storage(err, "failed to read log sequence")
		}
		entry.Seq = seq

		if maxEntries > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM logs WHERE seq <= (SELECT seq FROM logs ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
				maxEntries); err != nil {
				return errs.Storage(err, "failed to trim logs")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListLogs(ctx context.Context) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM logs ORDER BY seq`)
	if err != nil {
		return nil, errs.Storage(err, "failed to list logs")
	}
	defer rows.Close()

	result := []*LogEntry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, errs.Storage(err, "failed to scan log entry")
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(err, "failed to list logs")
	}
	return result, nil
}

func (s *SQLiteStore) ClearLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return errs.Storage(err, "failed to clear logs")
	}
	return nil
}

// --- Settings Operations ---

func (s *SQLiteStore) LoadSettings(ctx context.Context) (*Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "failed to load settings")
	}
	var settings Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, errs.Storage(err, "failed to decode settings")
	}
	return &settings, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return errs.Storage(err, "failed to encode settings")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		string(data)); err != nil {
		return errs.Storage(err, "failed to save settings")
	}
	return nil
}

// --- Catalog Operations ---

func (s *SQLiteStore) ReplaceServerPlans(ctx context.Context, plans []ServerPlan) error {
	encoded, err := encodePlans(plans)
	if err != nil {
		return errs.Storage(err, "failed to encode plans")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM server_plans`); err != nil {
			return errs.Storage(err, "failed to clear plans")
		}
		for i, data := range encoded {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO server_plans (position, plan_code, data) VALUES (?, ?, ?)`,
				i, plans[i].PlanCode, data); err != nil {
				return errs.Storage(err, "failed to insert plan")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListServerPlans(ctx context.Context) ([]ServerPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM server_plans ORDER BY position`)
	if err != nil {
		return nil, errs.Storage(err, "failed to list plans")
	}
	defer rows.Close()

	plans := []ServerPlan{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errs.Storage(err, "failed to scan plan")
		}
		p, err := decodePlan(data)
		if err != nil {
			return nil, errs.Storage(err, "failed to decode plan")
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(err, "failed to list plans")
	}
	return plans, nil
}
