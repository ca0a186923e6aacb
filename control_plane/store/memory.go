package store

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

// MemoryStore holds all state in process memory.
// It implements the Store interface.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*QueueItem
	order     []string // queue ids in creation order
	purchases []*PurchaseRecord
	logs      []*LogEntry
	logSeq    int64
	settings  *Settings
	plans     []ServerPlan

	now func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*QueueItem),
		now:   time.Now,
	}
}

// --- Queue Operations ---

func (s *MemoryStore) Enqueue(ctx context.Context, target QueueTarget) (*QueueItem, error) {
	t, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := NewQueueItem(t, s.now())
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)
	return item.clone(), nil
}

func (s *MemoryStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	return item.clone(), nil
}

func (s *MemoryStore) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*QueueItem, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.items[id].clone())
	}
	return result, nil
}

func (s *MemoryStore) ListQueueByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*QueueItem{}
	for _, id := range s.order {
		if item := s.items[id]; item.Status == status {
			result = append(result, item.clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) SetDesiredRun(ctx context.Context, id string, running bool) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	want, changed, err := desiredRunTransition(item, running)
	if err != nil {
		return nil, err
	}
	if changed {
		item.Status = want
		item.UpdatedAt = s.now()
	}
	return item.clone(), nil
}

func (s *MemoryStore) RemoveQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errs.NotFound("queue item %s not found", id)
	}
	delete(s.items, id)
	s.order = removeID(s.order, id)
	return item.clone(), nil
}

func (s *MemoryStore) RecordAttemptResult(ctx context.Context, id string, outcome Outcome) (*QueueItem, *PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, nil, errs.NotFound("queue item %s not found", id)
	}
	next, record, err := ApplyOutcome(item, outcome, s.now())
	if err != nil {
		return nil, nil, err
	}
	s.items[id] = next
	if record != nil {
		s.purchases = append(s.purchases, record)
		recordCopy := *record
		record = &recordCopy
	}
	return next.clone(), record, nil
}

func (s *MemoryStore) PruneTerminal(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneTerminalLocked(), nil
}

func (s *MemoryStore) pruneTerminalLocked() int {
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if s.items[id].Status.Terminal() {
			delete(s.items, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// --- History Operations ---

func (s *MemoryStore) ListPurchases(ctx context.Context) ([]*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*PurchaseRecord, 0, len(s.purchases))
	for _, r := range s.purchases {
		recordCopy := *r
		result = append(result, &recordCopy)
	}
	return result, nil
}

func (s *MemoryStore) ClearPurchases(ctx context.Context, pruneTerminal bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases = nil
	if !pruneTerminal {
		return 0, nil
	}
	return s.pruneTerminalLocked(), nil
}

// --- Log Operations ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *LogEntry, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logSeq++
	entry.Seq = s.logSeq
	entryCopy := *entry
	s.logs = append(s.logs, &entryCopy)
	if maxEntries > 0 && len(s.logs) > maxEntries {
		s.logs = append([]*LogEntry(nil), s.logs[len(s.logs)-maxEntries:]...)
	}
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*LogEntry, 0, len(s.logs))
	for _, e := range s.logs {
		entryCopy := *e
		result = append(result, &entryCopy)
	}
	return result, nil
}

func (s *MemoryStore) ClearLogs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	return nil
}

// --- Settings Operations ---

func (s *MemoryStore) LoadSettings(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return nil, nil
	}
	settingsCopy := *s.settings
	return &settingsCopy, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settingsCopy := *settings
	s.settings = &settingsCopy
	return nil
}

// --- Catalog Operations ---

func (s *MemoryStore) ReplaceServerPlans(ctx context.Context, plans []ServerPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append([]ServerPlan(nil), plans...)
	return nil
}

func (s *MemoryStore) ListServerPlans(ctx context.Context) ([]ServerPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ServerPlan{}, s.plans...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
