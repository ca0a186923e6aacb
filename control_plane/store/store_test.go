package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("EnqueueDefaults", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX", Options: []string{"b", "a", "b", ""}})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, item.Status)
		assert.Equal(t, 0, item.RetryCount)
		assert.Equal(t, DefaultRetryInterval, item.RetryInterval)
		assert.Equal(t, []string{"a", "b"}, item.Options)

		got, err := s.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, []string{"a", "b"}, got.Options)
	})

	t.Run("EmptyOptionsEncodeAsArray", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)

		list, err := s.ListQueue(ctx)
		require.NoError(t, err)
		got, err := s.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		for _, q := range []*QueueItem{item, list[0], got} {
			raw, err := json.Marshal(q)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"options":[]`)
		}
	})

	t.Run("EnqueueValidation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX", RetryInterval: 5})
		assert.True(t, errs.Is(err, errs.KindValidation))
		_, err = s.Enqueue(ctx, QueueTarget{Datacenter: "RBX"})
		assert.True(t, errs.Is(err, errs.KindValidation))
		_, err = s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1"})
		assert.True(t, errs.Is(err, errs.KindValidation))

		list, err := s.ListQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ListCreationOrder", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 5; i++ {
			item, err := s.Enqueue(ctx, QueueTarget{PlanCode: fmt.Sprintf("plan-%d", i), Datacenter: "GRA"})
			require.NoError(t, err)
			ids = append(ids, item.ID)
		}
		list, err := s.ListQueue(ctx)
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, item := range list {
			assert.Equal(t, ids[i], item.ID)
		}
	})

	t.Run("SetDesiredRun", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)

		running, err := s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, running.Status)

		again, err := s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, again.Status)

		byStatus, err := s.ListQueueByStatus(ctx, StatusRunning)
		require.NoError(t, err)
		require.Len(t, byStatus, 1)

		paused, err := s.SetDesiredRun(ctx, item.ID, false)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, paused.Status)

		_, err = s.SetDesiredRun(ctx, "missing", true)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)

		done, record, err := s.RecordAttemptResult(ctx, item.ID, OrderSucceeded("42", "https://order/42"))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		require.NotNil(t, record)
		assert.Equal(t, PurchaseSuccess, record.Status)
		assert.Equal(t, "42", record.OrderID)
		assert.Equal(t, item.ID, record.QueueItemID)

		_, err = s.SetDesiredRun(ctx, item.ID, true)
		assert.True(t, errs.Is(err, errs.KindConflict))
		_, err = s.SetDesiredRun(ctx, item.ID, false)
		assert.True(t, errs.Is(err, errs.KindConflict))
		_, _, err = s.RecordAttemptResult(ctx, item.ID, Unavailable())
		assert.True(t, errs.Is(err, errs.KindConflict))

		history, err := s.ListPurchases(ctx)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("RecordAttemptResultCycles", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)

		_, _, err = s.RecordAttemptResult(ctx, item.ID, Unavailable())
		assert.True(t, errs.Is(err, errs.KindConflict), "pending items reject results")

		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)

		updated, record, err := s.RecordAttemptResult(ctx, item.ID, Unavailable())
		require.NoError(t, err)
		assert.Nil(t, record)
		assert.Equal(t, 1, updated.RetryCount)

		updated, record, err = s.RecordAttemptResult(ctx, item.ID, OrderFailed(FailureRetryable, "timeout"))
		require.NoError(t, err)
		assert.Nil(t, record)
		assert.Equal(t, 2, updated.RetryCount)
		assert.Equal(t, StatusRunning, updated.Status)

		updated, record, err = s.RecordAttemptResult(ctx, item.ID, OrderFailed(FailureNonRetryable, "invalid option"))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, updated.Status)
		assert.Equal(t, 2, updated.RetryCount)
		require.NotNil(t, record)
		assert.Equal(t, "invalid option", record.ErrorMessage)
		assert.Empty(t, record.OrderID)
	})

	t.Run("AuthFailureParksItem", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)
		_, _, err = s.RecordAttemptResult(ctx, item.ID, Unavailable())
		require.NoError(t, err)

		parked, record, err := s.RecordAttemptResult(ctx, item.ID, OrderFailed(FailureAuth, "invalid credentials"))
		require.NoError(t, err)
		assert.Nil(t, record)
		assert.Equal(t, StatusPending, parked.Status)
		assert.Equal(t, 1, parked.RetryCount)
	})

	t.Run("RemoveAnyStatus", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)

		removed, err := s.RemoveQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, removed.ID)

		_, err = s.GetQueueItem(ctx, item.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
		_, err = s.RemoveQueueItem(ctx, item.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
		_, _, err = s.RecordAttemptResult(ctx, item.ID, OrderSucceeded("1", "u"))
		assert.True(t, errs.Is(err, errs.KindNotFound))

		history, err := s.ListPurchases(ctx)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("PruneTerminal", func(t *testing.T) {
		s := newStore(t)
		keep, err := s.Enqueue(ctx, QueueTarget{PlanCode: "keep", Datacenter: "RBX"})
		require.NoError(t, err)
		for _, o := range []Outcome{OrderSucceeded("1", "u"), OrderFailed(FailureNonRetryable, "bad")} {
			item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "done", Datacenter: "RBX"})
			require.NoError(t, err)
			_, err = s.SetDesiredRun(ctx, item.ID, true)
			require.NoError(t, err)
			_, _, err = s.RecordAttemptResult(ctx, item.ID, o)
			require.NoError(t, err)
		}

		n, err := s.PruneTerminal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		list, err := s.ListQueue(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, keep.ID, list[0].ID)

		history, err := s.ListPurchases(ctx)
		require.NoError(t, err)
		assert.Len(t, history, 2)
		n, err = s.ClearPurchases(ctx, false)
		require.NoError(t, err)
		assert.Zero(t, n)
		history, err = s.ListPurchases(ctx)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("ClearPurchasesPrunesInOneStep", func(t *testing.T) {
		s := newStore(t)
		keep, err := s.Enqueue(ctx, QueueTarget{PlanCode: "keep", Datacenter: "RBX"})
		require.NoError(t, err)
		done, err := s.Enqueue(ctx, QueueTarget{PlanCode: "done", Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, done.ID, true)
		require.NoError(t, err)
		_, _, err = s.RecordAttemptResult(ctx, done.ID, OrderSucceeded("1", "u"))
		require.NoError(t, err)

		n, err := s.ClearPurchases(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		history, err := s.ListPurchases(ctx)
		require.NoError(t, err)
		assert.Empty(t, history)
		list, err := s.ListQueue(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, keep.ID, list[0].ID)
	})

	t.Run("LogRetention", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 8; i++ {
			entry := &LogEntry{ID: fmt.Sprintf("log-%d", i), Level: LevelInfo, Source: "test", Message: fmt.Sprintf("m%d", i)}
			require.NoError(t, s.AppendLog(ctx, entry, 5))
			assert.NotZero(t, entry.Seq)
		}
		logs, err := s.ListLogs(ctx)
		require.NoError(t, err)
		require.Len(t, logs, 5)
		for i, e := range logs {
			assert.Equal(t, fmt.Sprintf("m%d", i+3), e.Message)
			if i > 0 {
				assert.Greater(t, e.Seq, logs[i-1].Seq)
			}
		}
		require.NoError(t, s.ClearLogs(ctx))
		logs, err = s.ListLogs(ctx)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("SettingsRoundTrip", func(t *testing.T) {
		s := newStore(t)
		loaded, err := s.LoadSettings(ctx)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		require.NoError(t, s.SaveSettings(ctx, &Settings{AppKey: "k", Zone: "FR"}))
		require.NoError(t, s.SaveSettings(ctx, &Settings{AppKey: "k2", Zone: "IE"}))
		loaded, err = s.LoadSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "k2", loaded.AppKey)
		assert.Equal(t, "IE", loaded.Zone)
	})

	t.Run("ServerPlans", func(t *testing.T) {
		s := newStore(t)
		plans := []ServerPlan{
			{PlanCode: "b", Name: "B", Datacenters: []DatacenterAvailability{{Datacenter: "gra", Availability: "1H"}}},
			{PlanCode: "a", Name: "A"},
		}
		require.NoError(t, s.ReplaceServerPlans(ctx, plans))
		require.NoError(t, s.ReplaceServerPlans(ctx, plans))

		got, err := s.ListServerPlans(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].PlanCode)
		assert.Equal(t, "1H", got[0].Datacenters[0].Availability)
	})

	t.Run("ConcurrentResultsAreLinearizable", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RecordAttemptResult(ctx, item.ID, Unavailable())
			}()
		}
		wg.Wait()

		got, err := s.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, got.RetryCount)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreRemoveReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	item, err := s.Enqueue(ctx, QueueTarget{PlanCode: "eco-1", Datacenter: "RBX", Options: []string{"ram-32g"}})
	require.NoError(t, err)

	s.mu.RLock()
	internal := s.items[item.ID]
	s.mu.RUnlock()

	removed, err := s.RemoveQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotSame(t, internal, removed)

	removed.Options[0] = "mutated"
	assert.Equal(t, []string{"ram-32g"}, internal.Options)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/sniper.db")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SNIPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNIPER_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		for _, table := range []string{"queue_items", "purchase_history", "logs", "settings", "server_plans"} {
			_, err := s.pool.Exec(ctx, "TRUNCATE "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
