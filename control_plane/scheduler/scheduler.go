package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/itskum47/ovhsniper/control_plane/coordination"
	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/notify"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

const logSource = "scheduler"

// Deps are the collaborators of a Scheduler. Locker, Fallback, Notifier and
// Journal are optional.
type Deps struct {
	Inventory   Inventory
	Orders      Orders
	Credentials Credentials
	Journal     Journal
	Notifier    notify.Notifier
	Locker      coordination.Locker

	// Fallback takes the attempt lock when Locker fails with an error. Pass
	// the local half of a layered locker so both paths exclude each other.
	Fallback coordination.Locker
}

type task struct {
	id     string
	cancel context.CancelFunc

	// pending holds an outcome the store failed to record. The next fire
	// records it instead of running a new attempt. Owned by the task goroutine.
	pending *pendingResult
}

type pendingResult struct {
	item    *store.QueueItem
	outcome store.Outcome
	gen     uint64
}

// Scheduler runs one polling task per Running queue item. The store is the
// source of truth: a task only applies results while it is still the
// registered task for its item and the item is still Running.
type Scheduler struct {
	store     store.Store
	inventory Inventory
	orders    Orders
	creds     Credentials
	journal   Journal
	notifier  notify.Notifier
	locks     coordination.Locker
	fallback  coordination.Locker
	cfg       Config
	logger    *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*task
	inFlight map[string]struct{}
	halted   bool
	authGen  uint64

	items *itemLocks

	attempts  atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64
	authHalts atomic.Uint64
}

// NewScheduler creates a Scheduler. Call Start to resume persisted Running items.
func NewScheduler(s store.Store, deps Deps, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = def.RetryUnit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = def.Owner
	}
	if deps.Locker == nil {
		deps.Locker = coordination.NewLocalLocker()
	} else if deps.Fallback == nil {
		deps.Fallback = coordination.NewLocalLocker()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     s,
		inventory: deps.Inventory,
		orders:    deps.Orders,
		creds:     deps.Credentials,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		locks:     deps.Locker,
		fallback:  deps.Fallback,
		cfg:       cfg,
		logger:    log.WithField("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*task),
		inFlight:  make(map[string]struct{}),
		items:     newItemLocks(),
	}
}

// Start rehydrates tasks for every item persisted as Running.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.RehydrateQueue(ctx)
}

// Run starts the scheduler, blocks until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels every task and waits for task goroutines and pending
// notifications. Detached attempts finish on their own deadline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// RehydrateQueue spawns a task for every Running item that has none.
func (s *Scheduler) RehydrateQueue(ctx context.Context) error {
	items, err := s.store.ListQueueByStatus(ctx, store.StatusRunning)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "rehydrate running items")
	}

	started := 0
	for _, item := range items {
		unlock := s.items.lock(item.ID)
		if s.spawn(item.ID) {
			started++
		}
		unlock()
	}
	if started > 0 {
		s.logger.WithField("count", started).Info("Rehydrated running items")
	}
	return nil
}

// StartItem marks an item Running and starts its task. Starting a Running
// item is a no-op; starting a Completed or Failed item is a Conflict.
func (s *Scheduler) StartItem(ctx context.Context, id string) (*store.QueueItem, error) {
	unlock := s.items.lock(id)
	defer unlock()

	item, err := s.store.SetDesiredRun(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if item.Status == store.StatusRunning {
		s.spawn(id)
	}
	return item, nil
}

// PauseItem marks an item Pending and cancels its task. An attempt already
// in flight runs to completion but its result is discarded.
func (s *Scheduler) PauseItem(ctx context.Context, id string) (*store.QueueItem, error) {
	unlock := s.items.lock(id)
	defer unlock()

	item, err := s.store.SetDesiredRun(ctx, id, false)
	if err != nil {
		return nil, err
	}
	s.cancelTask(id)
	return item, nil
}

// SetRunning dispatches to StartItem or PauseItem.
func (s *Scheduler) SetRunning(ctx context.Context, id string, running bool) (*store.QueueItem, error) {
	if running {
		return s.StartItem(ctx, id)
	}
	return s.PauseItem(ctx, id)
}

// RemoveItem deletes an item in any status and cancels its task.
func (s *Scheduler) RemoveItem(ctx context.Context, id string) (*store.QueueItem, error) {
	unlock := s.items.lock(id)
	defer unlock()

	item, err := s.store.RemoveQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cancelTask(id)
	return item, nil
}

// Snapshot returns the internal state for the debug endpoint.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	tasks := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		tasks = append(tasks, id)
	}
	inFlight := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		inFlight = append(inFlight, id)
	}
	authGen := s.authGen
	s.mu.Unlock()

	sort.Strings(tasks)
	sort.Strings(inFlight)
	return Snapshot{
		Tasks:            tasks,
		InFlight:         inFlight,
		Attempts:         s.attempts.Load(),
		SkippedFires:     s.skipped.Load(),
		DiscardedResults: s.discarded.Load(),
		AuthHalts:        s.authHalts.Load(),
		AuthGeneration:   authGen,
	}
}

// spawn registers and starts a task for id unless one exists. Callers hold
// the item lock.
func (s *Scheduler) spawn(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; ok || s.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{id: id, cancel: cancel}
	s.tasks[id] = t

	s.wg.Add(1)
	observability.ActiveTasks.Inc()
	go s.run(ctx, t)
	return true
}

func (s *Scheduler) cancelTask(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok {
		t.cancel()
	}
}

// forget unregisters t if it is still the registered task for its item.
func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()
	t.cancel()
}

func (s *Scheduler) isCurrent(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[t.id] == t
}

func (s *Scheduler) setInFlight(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.inFlight[id] = struct{}{}
	} else {
		delete(s.inFlight, id)
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer observability.ActiveTasks.Dec()
	defer func() {
		if t.pending != nil {
			s.dropPending(t)
		}
	}()

	// The first check fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next, ok := s.fire(ctx, t)
		if !ok {
			return
		}
		timer.Reset(next)
	}
}

// fire runs one cycle for t and returns the delay until the next one, or
// false when the task should end.
func (s *Scheduler) fire(ctx context.Context, t *task) (time.Duration, bool) {
	item, err := s.store.GetQueueItem(ctx, t.id)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		if errs.Is(err, errs.KindNotFound) {
			s.forget(t)
			return 0, false
		}
		s.logger.WithError(err).WithField("item", t.id).Warn("Failed to load queue item, retrying")
		return time.Duration(store.MinRetryInterval) * s.cfg.RetryUnit, true
	}
	if item.Status != store.StatusRunning {
		s.forget(t)
		return 0, false
	}
	interval := item.Interval(s.cfg.RetryUnit)

	if p := t.pending; p != nil {
		s.logDecision(Decision{Decision: "RETRY_RECORD", ItemID: item.ID, Outcome: p.outcome.Label()})
		return s.apply(ctx, t, item, p.outcome, p.gen, interval)
	}

	lockKey := store.ResourceKey(store.ResourceAttemptLock, item.ID)
	locker := s.locks
	acquired, err := locker.TryLock(ctx, lockKey, s.cfg.Owner, s.cfg.LockTTL)
	if err != nil && s.fallback != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("item", item.ID).Warn("Shared attempt lock unavailable, using local lock")
		locker = s.fallback
		acquired, err = locker.TryLock(ctx, lockKey, s.cfg.Owner, s.cfg.LockTTL)
	}
	if err != nil {
		s.logger.WithError(err).WithField("item", item.ID).Warn("Attempt lock unavailable, skipping fire")
	}
	if err != nil || !acquired {
		s.skipped.Inc()
		observability.SkippedFires.Inc()
		s.logDecision(Decision{Decision: "SKIP_IN_FLIGHT", ItemID: item.ID})
		return interval, true
	}

	s.logDecision(Decision{Decision: "FIRE", ItemID: item.ID})
	var gen uint64
	if s.creds != nil {
		gen = s.creds.Generation()
	}

	// The attempt is detached from the task so that a pause or delete does
	// not abort a provider call halfway; the lock is released when it ends.
	result := make(chan store.Outcome, 1)
	s.setInFlight(item.ID, true)
	go func() {
		defer s.setInFlight(item.ID, false)
		defer locker.Unlock(context.Background(), lockKey, s.cfg.Owner)

		attemptCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AttemptTimeout)
		defer cancel()
		result <- s.attempt(attemptCtx, ctx, item)
	}()

	var outcome store.Outcome
	select {
	case <-ctx.Done():
		s.discard(item.ID, "task cancelled while attempt in flight")
		return 0, false
	case outcome = <-result:
	}
	s.attempts.Inc()
	observability.AttemptOutcomes.WithLabelValues(outcome.Label()).Inc()

	return s.apply(ctx, t, item, outcome, gen, interval)
}

// apply records outcome for item. When the store fails, the outcome is kept
// on t and recorded by the next fire, so an order is never placed twice.
func (s *Scheduler) apply(ctx context.Context, t *task, item *store.QueueItem, outcome store.Outcome, gen uint64, interval time.Duration) (time.Duration, bool) {
	authFailure := outcome.Kind == store.OutcomeOrderFailed && outcome.Failure == store.FailureAuth
	if authFailure && s.creds != nil && s.creds.Generation() != gen {
		// Credentials were replaced while the attempt ran; retry with the new ones.
		outcome = store.OrderFailed(store.FailureRetryable, outcome.Message)
		authFailure = false
	}

	unlock := s.items.lock(item.ID)
	if ctx.Err() != nil || !s.isCurrent(t) {
		unlock()
		s.discard(item.ID, "task no longer registered")
		return 0, false
	}
	next, record, err := s.store.RecordAttemptResult(ctx, item.ID, outcome)
	if err == nil && next.Status != store.StatusRunning {
		s.forget(t)
	}
	unlock()

	if err != nil {
		if errs.Is(err, errs.KindNotFound) || errs.Is(err, errs.KindConflict) {
			s.discard(item.ID, errs.Message(err))
			s.forget(t)
			return 0, false
		}
		t.pending = &pendingResult{item: item, outcome: outcome, gen: gen}
		s.logger.WithError(err).WithFields(log.Fields{
			"item":    item.ID,
			"outcome": outcome.Label(),
		}).Error("Failed to record attempt result, will retry")
		return time.Duration(store.MinRetryInterval) * s.cfg.RetryUnit, true
	}
	t.pending = nil

	s.logDecision(Decision{Decision: "APPLY", ItemID: item.ID, Outcome: outcome.Label()})
	s.report(s.ctx, next, outcome, record, interval)

	if authFailure {
		s.haltForAuth(gen, outcome.Message)
		return 0, false
	}
	if next.Status != store.StatusRunning {
		return 0, false
	}
	return interval, true
}

// dropPending gives up on an unrecorded outcome when its task ends. A placed
// order is written to the journal since it is missing from the history.
func (s *Scheduler) dropPending(t *task) {
	p := t.pending
	t.pending = nil
	s.logger.WithFields(log.Fields{
		"item":    p.item.ID,
		"outcome": p.outcome.Label(),
	}).Warn("Dropping unrecorded attempt result")
	if p.outcome.Kind != store.OutcomeOrderSucceeded {
		return
	}
	s.journalf(context.Background(), store.LevelError, "Order %s for %s@%s was placed but could not be recorded",
		p.outcome.OrderID, p.item.PlanCode, p.item.Datacenter)
}

func (s *Scheduler) discard(id, reason string) {
	s.discarded.Inc()
	observability.DiscardedResults.Inc()
	s.logDecision(Decision{Decision: "DISCARD", ItemID: id, Reason: reason})
}

// haltForAuth pauses every Running item after the provider rejected the
// credentials of generation gen. The user is told once per generation.
func (s *Scheduler) haltForAuth(gen uint64, message string) {
	s.mu.Lock()
	first := !s.halted || s.authGen != gen
	s.halted = true
	s.authGen = gen
	s.mu.Unlock()

	ctx := s.ctx
	items, err := s.store.ListQueueByStatus(ctx, store.StatusRunning)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list running items after auth failure")
	}
	paused := 0
	for _, item := range items {
		if _, err := s.PauseItem(ctx, item.ID); err != nil {
			if !errs.Is(err, errs.KindNotFound) && !errs.Is(err, errs.KindConflict) {
				s.logger.WithError(err).WithField("item", item.ID).Warn("Failed to pause item after auth failure")
			}
			continue
		}
		paused++
	}

	s.logDecision(Decision{Decision: "AUTH_HALT", Reason: message})
	if !first {
		return
	}
	s.authHalts.Inc()
	observability.AuthHalts.Inc()
	s.journalf(ctx, store.LevelError, "Authentication failed, paused %d running tasks. Update the API credentials and restart them: %s", paused+1, message)
	s.notify(notify.Event{Kind: notify.KindAuthFailure, Message: message})
}

func (s *Scheduler) report(ctx context.Context, item *store.QueueItem, outcome store.Outcome, record *store.PurchaseRecord, interval time.Duration) {
	target := item.PlanCode + "@" + item.Datacenter
	switch {
	case outcome.Kind == store.OutcomeUnavailable:
		s.journalf(ctx, store.LevelInfo, "%s not available (check #%d), next check in %s", target, item.RetryCount, interval)
	case outcome.Kind == store.OutcomeOrderSucceeded:
		s.journalf(ctx, store.LevelInfo, "Order placed for %s: order %s", target, outcome.OrderID)
		s.notify(notify.Event{
			Kind:       notify.KindPurchaseSuccess,
			PlanCode:   item.PlanCode,
			Datacenter: item.Datacenter,
			OrderID:    outcome.OrderID,
			OrderURL:   outcome.OrderURL,
		})
	case outcome.Failure == store.FailureRetryable:
		s.journalf(ctx, store.LevelWarning, "Attempt for %s failed, retrying in %s: %s", target, interval, outcome.Message)
	case outcome.Failure == store.FailureNonRetryable:
		msg := outcome.Message
		if record != nil {
			msg = record.ErrorMessage
		}
		s.journalf(ctx, store.LevelError, "Order for %s failed: %s", target, msg)
		s.notify(notify.Event{
			Kind:       notify.KindPurchaseFailed,
			PlanCode:   item.PlanCode,
			Datacenter: item.Datacenter,
			Message:    msg,
		})
	}
}

func (s *Scheduler) journalf(ctx context.Context, level store.LogLevel, format string, args ...interface{}) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Log(ctx, level, logSource, fmt.Sprintf(format, args...)); err != nil {
		s.logger.WithError(err).Warn("Failed to write log entry")
	}
}

// notify delivers ev in the background; delivery never affects the item.
func (s *Scheduler) notify(ev notify.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.WithError(err).WithField("kind", ev.Kind).Warn("Notification not delivered")
		}
	}()
}

func (s *Scheduler) logDecision(d Decision) {
	s.logger.WithFields(log.Fields{
		"decision": d.Decision,
		"item":     d.ItemID,
		"outcome":  d.Outcome,
		"reason":   d.Reason,
	}).Debug("Scheduling decision")
}

// itemLocks serializes start, pause, delete and result application per item.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	sync.Mutex
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: make(map[string]*itemLock)}
}

func (l *itemLocks) lock(id string) func() {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &itemLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
