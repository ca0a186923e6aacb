package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const queueColumns = `id, plan_code, datacenter, options, status, created_at, updated_at, retry_interval, retry_count`

const purchaseColumns = `id, queue_item_id, plan_code, datacenter, status, order_id, order_url, error_message, purchase_time`

const logColumns = `seq, id, ts, level, source, message`

// Timestamps are stored as unix nanoseconds so both SQL backends keep
// sub-second ordering without driver-specific time handling.
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func encodeOptions(opts []string) (string, error) {
	if opts == nil {
		opts = []string{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", errors.Wrap(err, "encode options")
	}
	return string(b), nil
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		item             QueueItem
		options          string
		status           string
		created, updated int64
	)
	if err := row.Scan(&item.ID, &item.PlanCode, &item.Datacenter, &options, &status,
		&created, &updated, &item.RetryInterval, &item.RetryCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
		return nil, errors.Wrapf(err, "decode options of %s", item.ID)
	}
	item.Status = QueueStatus(status)
	item.CreatedAt = fromNanos(created)
	item.UpdatedAt = fromNanos(updated)
	return &item, nil
}

func scanPurchase(row rowScanner) (*PurchaseRecord, error) {
	var (
		r      PurchaseRecord
		status string
		ts     int64
	)
	if err := row.Scan(&r.ID, &r.QueueItemID, &r.PlanCode, &r.Datacenter, &status,
		&r.OrderID, &r.OrderURL, &r.ErrorMessage, &ts); err != nil {
		return nil, err
	}
	r.Status = PurchaseStatus(status)
	r.PurchaseTime = fromNanos(ts)
	return &r, nil
}

func scanLog(row rowScanner) (*LogEntry, error) {
	var (
		e     LogEntry
		level string
		ts    int64
	)
	if err := row.Scan(&e.Seq, &e.ID, &ts, &level, &e.Source, &e.Message); err != nil {
		return nil, err
	}
	e.Level = LogLevel(level)
	e.Timestamp = fromNanos(ts)
	return &e, nil
}

func encodePlans(plans []ServerPlan) ([]string, error) {
	out := make([]string, 0, len(plans))
	for _, p := range plans {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode plan %s", p.PlanCode)
		}
		out = append(out, string(b))
	}
	return out, nil
}

func decodePlan(data string) (ServerPlan, error) {
	var p ServerPlan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, errors.Wrap(err, "decode plan")
	}
	return p, nil
}
