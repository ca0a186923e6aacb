package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	plan_code      TEXT NOT NULL,
	datacenter     TEXT NOT NULL,
	options        TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	retry_interval INTEGER NOT NULL,
	retry_count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
CREATE TABLE IF NOT EXISTS purchase_history (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	queue_item_id  TEXT NOT NULL,
	plan_code      TEXT NOT NULL,
	datacenter     TEXT NOT NULL,
	status         TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	order_url      TEXT NOT NULL,
	error_message  TEXT NOT NULL,
	purchase_time  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	seq     BIGSERIAL PRIMARY KEY,
	id      TEXT NOT NULL,
	ts      BIGINT NOT NULL,
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

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and applies the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres dsn")
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Queue Operations ---

func (s *PostgresStore) Enqueue(ctx context.Context, target QueueTarget) (*QueueItem, error) {
	t, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}
	item := NewQueueItem(t, s.now())
	opts, err := encodeOptions(item.Options)
	if err != nil {
		return nil, errs.Storage(err, "enqueue")
	}

	query := `INSERT INTO queue_items (` + queueColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := s.pool.Exec(ctx, query, item.ID, item.PlanCode, item.Datacenter, opts,
		string(item.Status), toNanos(item.CreatedAt), toNanos(item.UpdatedAt),
		item.RetryInterval, item.RetryCount); err != nil {
		return nil, errs.Storage(err, "failed to insert queue item")
	}
	return item, nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "failed to load queue item")
	}
	return item, nil
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	return s.listQueue(ctx, `SELECT `+queueColumns+` FROM queue_items ORDER BY seq`)
}

func (s *PostgresStore) ListQueueByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error) {
	return s.listQueue(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE status = $1 ORDER BY seq`, string(status))
}

func (s *PostgresStore) listQueue(ctx context.Context, query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) SetDesiredRun(ctx context.Context, id string, running bool) (*QueueItem, error) {
	var result *QueueItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := lockedPgItem(ctx, tx, id)
		if err != nil {
			return err
		}
		want, changed, err := desiredRunTransition(item, running)
		if err != nil {
			return err
		}
		if changed {
			now := s.now()
			if _, err := tx.Exec(ctx,
				`UPDATE queue_items SET status = $1, updated_at = $2 WHERE id = $3`,
				string(want), toNanos(now), id); err != nil {
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

func (s *PostgresStore) RemoveQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var result *QueueItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := lockedPgItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id); err != nil {
			return errs.Storage(err, "failed to delete queue item")
		}
		result = item
		return nil
	})
	return result, err
}

func (s *PostgresStore) RecordAttemptResult(ctx context.Context, id string, outcome Outcome) (*QueueItem, *PurchaseRecord, error) {
	var (
		next   *QueueItem
		record *PurchaseRecord
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := lockedPgItem(ctx, tx, id)
		if err != nil {
			return err
		}
		next, record, err = ApplyOutcome(item, outcome, s.now())
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE queue_items SET status = $1, retry_count = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
			string(next.Status), next.RetryCount, toNanos(next.UpdatedAt), id, string(StatusRunning))
		if err != nil {
			return errs.Storage(err, "failed to record attempt result")
		}
		if tag.RowsAffected() != 1 {
			return errs.Conflict("queue item %s is no longer running", id)
		}

		if record != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO purchase_history (`+purchaseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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

func (s *PostgresStore) PruneTerminal(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE status IN ($1, $2)`,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return 0, errs.Storage(err, "failed to prune terminal items")
	}
	return int(tag.RowsAffected()), nil
}

// lockedPgItem reads the row with FOR UPDATE so concurrent mutations of the
// same id serialize on the row lock.
func lockedPgItem(ctx context.Context, tx pgx.Tx, id string) (*QueueItem, error) {
	row := tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1 FOR UPDATE`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "failed to load queue item")
	}
	return item, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Storage(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Storage(err, "failed to commit transaction")
	}
	return nil
}

// --- History Operations ---

func (s *PostgresStore) ListPurchases(ctx context.Context) ([]*PurchaseRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+purchaseColumns+` FROM purchase_history ORDER BY seq`)
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

func (s *PostgresStore) ClearPurchases(ctx context.Context, pruneTerminal bool) (int, error) {
	removed := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM purchase_history`); err != nil {
			return errs.Storage(err, "failed to clear purchases")
		}
		if !pruneTerminal {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE status IN ($1, $2)`,
			string(StatusCompleted), string(StatusFailed))
		if err != nil {
			return errs.Storage(err, "failed to prune terminal items")
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// --- Log Operations ---

func (s *PostgresStore) AppendLog(ctx context.Context, entry *LogEntry, maxEntries int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO logs (id, ts, level, source, message) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
			entry.ID, toNanos(entry.Timestamp), string(entry.Level), entry.Source, entry.Message).Scan(&entry.Seq)
		if err != nil {
			return errs.Storage(err, "failed to insert log entry")
		}

		if maxEntries > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM logs WHERE seq <= (SELECT seq FROM logs ORDER BY seq DESC LIMIT 1 OFFSET $1)`,
				maxEntries); err != nil {
				return errs.Storage(err, "failed to trim logs")
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListLogs(ctx context.Context) ([]*LogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+logColumns+` FROM logs ORDER BY seq`)
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

func (s *PostgresStore) ClearLogs(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM logs`); err != nil {
		return errs.Storage(err, "failed to clear logs")
	}
	return nil
}

// --- Settings Operations ---

func (s *PostgresStore) LoadSettings(ctx context.Context) (*Settings, error) {
	var data string
	err := s.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) SaveSettings(ctx context.Context, settings *Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return errs.Storage(err, "failed to encode settings")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		string(data)); err != nil {
		return errs.Storage(err, "failed to save settings")
	}
	return nil
}

// --- Catalog Operations ---

func (s *PostgresStore) ReplaceServerPlans(ctx context.Context, plans []ServerPlan) error {
	encoded, err := encodePlans(plans)
	if err != nil {
		return errs.Storage(err, "failed to encode plans")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM server_plans`); err != nil {
			return errs.Storage(err, "failed to clear plans")
		}
		batch := &pgx.Batch{}
		for i, data := range encoded {
			batch.Queue(`INSERT INTO server_plans (position, plan_code, data) VALUES ($1, $2, $3)`,
				i, plans[i].PlanCode, data)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errs.Storage(err, "failed to insert plans")
		}
		return nil
	})
}

func (s *PostgresStore) ListServerPlans(ctx context.Context) ([]ServerPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM server_plans ORDER BY position`)
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
