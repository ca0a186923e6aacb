package store

import (
	"context"
)

// Store is the persistence boundary for queue items, purchase history, logs,
// settings and the cached server catalog. Every mutation of a single queue
// item is linearizable; storage failures leave the prior state intact.
type Store interface {
	// Queue Operations
	Enqueue(ctx context.Context, target QueueTarget) (*QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueue(ctx context.Context) ([]*QueueItem, error) // creation order
	ListQueueByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error)
	// SetDesiredRun moves an item between Pending and Running.
	SetDesiredRun(ctx context.Context, id string, running bool) (*QueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) (*QueueItem, error)
	// RecordAttemptResult applies an Outcome to a Running item and inserts the
	// terminal history record in the same step.
	RecordAttemptResult(ctx context.Context, id string, outcome Outcome) (*QueueItem, *PurchaseRecord, error)
	// PruneTerminal removes Completed and Failed items and returns how many.
	PruneTerminal(ctx context.Context) (int, error)

	// History Operations
	ListPurchases(ctx context.Context) ([]*PurchaseRecord, error) // purchase order
	// ClearPurchases empties the history and, with pruneTerminal, removes
	// Completed and Failed items in the same step. It returns the number of
	// items removed.
	ClearPurchases(ctx context.Context, pruneTerminal bool) (int, error)

	// Log Operations
	// AppendLog assigns Seq and trims to the newest maxEntries (0 = unbounded).
	AppendLog(ctx context.Context, entry *LogEntry, maxEntries int) error
	ListLogs(ctx context.Context) ([]*LogEntry, error) // seq order
	ClearLogs(ctx context.Context) error

	// Settings Operations
	// LoadSettings returns nil when nothing was saved yet.
	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error

	// Catalog Operations
	ReplaceServerPlans(ctx context.Context, plans []ServerPlan) error
	ListServerPlans(ctx context.Context) ([]ServerPlan, error)

	Close() error
}
