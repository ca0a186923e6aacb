package recorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// LogFilter selects log entries. Empty fields match everything.
type LogFilter struct {
	Level store.LogLevel
	Query string
}

// HistoryFilter selects purchase records. Empty fields match everything.
type HistoryFilter struct {
	Status store.PurchaseStatus
	Query  string
}

// Recorder appends operational log entries and serves filtered reads of
// the log and the purchase history.
type Recorder struct {
	store      store.Store
	maxEntries int
	logger     *log.Entry
	now        func() time.Time
}

// New creates a Recorder. maxEntries caps the log (0 keeps everything).
func New(s store.Store, maxEntries int) *Recorder {
	return &Recorder{
		store:      s,
		maxEntries: maxEntries,
		logger:     log.WithField("component", "recorder"),
		now:        time.Now,
	}
}

// Log appends an entry and mirrors it to the process logger.
func (r *Recorder) Log(ctx context.Context, level store.LogLevel, source, message string) error {
	entry := &store.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Level:     level,
		Source:    source,
		Message:   message,
	}

	fields := r.logger.WithField("source", source)
	switch level {
	case store.LevelDebug:
		fields.Debug(message)
	case store.LevelWarning:
		fields.Warn(message)
	case store.LevelError:
		fields.Error(message)
	default:
		fields.Info(message)
	}

	if err := r.store.AppendLog(ctx, entry, r.maxEntries); err != nil {
		r.logger.WithError(err).Error("Failed to persist log entry")
		return err
	}
	return nil
}

func (r *Recorder) Debugf(ctx context.Context, source, format string, args ...interface{}) {
	r.Log(ctx, store.LevelDebug, source, fmt.Sprintf(format, args...))
}

func (r *Recorder) Infof(ctx context.Context, source, format string, args ...interface{}) {
	r.Log(ctx, store.LevelInfo, source, fmt.Sprintf(format, args...))
}

func (r *Recorder) Warnf(ctx context.Context, source, format string, args ...interface{}) {
	r.Log(ctx, store.LevelWarning, source, fmt.Sprintf(format, args...))
}

func (r *Recorder) Errorf(ctx context.Context, source, format string, args ...interface{}) {
	r.Log(ctx, store.LevelError, source, fmt.Sprintf(format, args...))
}

// ListLogs returns entries matching f in creation order.
func (r *Recorder) ListLogs(ctx context.Context, f LogFilter) ([]*store.LogEntry, error) {
	if f.Level != "" && !f.Level.Valid() {
		return nil, errs.Validation("unknown log level %q", f.Level)
	}
	entries, err := r.store.ListLogs(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	result := make([]*store.LogEntry, 0, len(entries))
	for _, e := range entries {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if q != "" && !containsAny(q, e.Message, e.Source) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// ListHistory returns purchase records matching f in purchase order.
func (r *Recorder) ListHistory(ctx context.Context, f HistoryFilter) ([]*store.PurchaseRecord, error) {
	if f.Status != "" && f.Status != store.PurchaseSuccess && f.Status != store.PurchaseFailed {
		return nil, errs.Validation("unknown purchase status %q", f.Status)
	}
	records, err := r.store.ListPurchases(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	result := make([]*store.PurchaseRecord, 0, len(records))
	for _, rec := range records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if q != "" && !containsAny(q, rec.PlanCode, rec.Datacenter, rec.OrderID, rec.ErrorMessage) {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// ClearLogs empties the log and records that it happened.
func (r *Recorder) ClearLogs(ctx context.Context) error {
	if err := r.store.ClearLogs(ctx); err != nil {
		return err
	}
	return r.Log(ctx, store.LevelInfo, "system", "Logs cleared")
}

// ClearHistory empties the purchase history. With pruneTerminal it also
// removes Completed and Failed queue items.
func (r *Recorder) ClearHistory(ctx context.Context, pruneTerminal bool) error {
	n, err := r.store.ClearPurchases(ctx, pruneTerminal)
	if err != nil {
		return err
	}
	msg := "Purchase history cleared"
	if pruneTerminal {
		msg = fmt.Sprintf("Purchase history cleared, %d finished queue items removed", n)
	}
	return r.Log(ctx, store.LevelInfo, "system", msg)
}

func containsAny(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
