package coordination

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// Inspectable is a Locker whose held keys can be listed.
type Inspectable interface {
	Locker
	Owner(ctx context.Context, key string) (string, error)
	ScanLocks(ctx context.Context, prefix string) ([]string, error)
}

// ItemLookup resolves queue items by id.
type ItemLookup interface {
	GetQueueItem(ctx context.Context, id string) (*store.QueueItem, error)
}

// LockJanitor releases attempt locks left behind for items that were deleted
// or reached a final status, typically by a replica that stopped mid-attempt.
// Locks of paused items are kept, since the item may be resumed while its
// last attempt is still in flight.
type LockJanitor struct {
	locks    Inspectable
	items    ItemLookup
	interval time.Duration
	logger   *log.Entry
}

func NewLockJanitor(locks Inspectable, items ItemLookup, interval time.Duration) *LockJanitor {
	return &LockJanitor{
		locks:    locks,
		items:    items,
		interval: interval,
		logger:   log.WithField("component", "lock-janitor"),
	}
}

// Run sweeps every interval until ctx is done.
func (j *LockJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns the number of released locks.
func (j *LockJanitor) Sweep(ctx context.Context) int {
	prefix := store.ResourcePrefix(store.ResourceAttemptLock)
	keys, err := j.locks.ScanLocks(ctx, prefix)
	if err != nil {
		j.logger.WithError(err).Warn("Lock scan failed")
		return 0
	}

	released := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		item, err := j.items.GetQueueItem(ctx, id)
		switch {
		case errs.Is(err, errs.KindNotFound):
		case err != nil:
			j.logger.WithError(err).WithField("item", id).Warn("Item lookup failed")
			continue
		case !item.Status.Terminal():
			continue
		}

		owner, err := j.locks.Owner(ctx, key)
		if err != nil || owner == "" {
			continue
		}
		if err := j.locks.Unlock(ctx, key, owner); err != nil {
			j.logger.WithError(err).WithField("key", key).Warn("Failed to release orphaned lock")
			continue
		}
		released++
		j.logger.WithFields(log.Fields{"key": key, "owner": owner}).Info("Released orphaned attempt lock")
	}
	return released
}
