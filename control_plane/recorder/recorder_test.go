package recorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

func TestListLogsByLevelKeepsOrder(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), 0)

	r.Infof(ctx, "scheduler", "started eco-1")
	r.Errorf(ctx, "scheduler", "order failed first")
	r.Warnf(ctx, "provider", "timeout")
	r.Errorf(ctx, "provider", "order failed second")
	r.Debugf(ctx, "scheduler", "tick")
	r.Errorf(ctx, "notify", "third")

	entries, err := r.ListLogs(ctx, LogFilter{Level: store.LevelError})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "order failed first", entries[0].Message)
	assert.Equal(t, "order failed second", entries[1].Message)
	assert.Equal(t, "third", entries[2].Message)
	for i, e := range entries {
		assert.Equal(t, store.LevelError, e.Level)
		if i > 0 {
			assert.Greater(t, e.Seq, entries[i-1].Seq)
		}
	}
}

func TestListLogsQuery(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), 0)
	r.Infof(ctx, "scheduler", "Checking eco-1 in RBX")
	r.Infof(ctx, "Provider", "catalog loaded")

	entries, err := r.ListLogs(ctx, LogFilter{Query: "ECO-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = r.ListLogs(ctx, LogFilter{Query: "provider"})
	require.NoError(t, err)
	require.Len(t, entries, 1, "source is searched")

	_, err = r.ListLogs(ctx, LogFilter{Level: "TRACE"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestLogRetention(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), 3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		r.Infof(ctx, "test", "%s", m)
	}
	entries, err := r.ListLogs(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestClearLogsLeavesMarker(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), 0)
	r.Errorf(ctx, "test", "boom")
	require.NoError(t, r.ClearLogs(ctx))

	entries, err := r.ListLogs(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Logs cleared", entries[0].Message)
	assert.Equal(t, store.LevelInfo, entries[0].Level)
}

func seedHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	outcomes := []store.Outcome{
		store.OrderSucceeded("1001", "https://order/1001"),
		store.OrderFailed(store.FailureNonRetryable, "invalid option combination"),
	}
	for i, o := range outcomes {
		item, err := s.Enqueue(ctx, store.QueueTarget{PlanCode: []string{"eco-1", "kimsufi"}[i], Datacenter: "RBX"})
		require.NoError(t, err)
		_, err = s.SetDesiredRun(ctx, item.ID, true)
		require.NoError(t, err)
		_, _, err = s.RecordAttemptResult(ctx, item.ID, o)
		require.NoError(t, err)
	}
}

func TestListHistoryFilters(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedHistory(t, s)
	r := New(s, 0)

	all, err := r.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := r.ListHistory(ctx, HistoryFilter{Status: store.PurchaseFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "kimsufi", failed[0].PlanCode)

	byOrder, err := r.ListHistory(ctx, HistoryFilter{Query: "1001"})
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, store.PurchaseSuccess, byOrder[0].Status)

	byMessage, err := r.ListHistory(ctx, HistoryFilter{Query: "INVALID"})
	require.NoError(t, err)
	require.Len(t, byMessage, 1)

	_, err = r.ListHistory(ctx, HistoryFilter{Status: "pending"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestClearHistoryPrunesTerminal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedHistory(t, s)
	pending, err := s.Enqueue(ctx, store.QueueTarget{PlanCode: "eco-2", Datacenter: "GRA"})
	require.NoError(t, err)

	r := New(s, 0)
	require.NoError(t, r.ClearHistory(ctx, true))

	history, err := r.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)

	queue, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, pending.ID, queue[0].ID)
}

func TestClearHistoryKeepsQueue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedHistory(t, s)

	r := New(s, 0)
	require.NoError(t, r.ClearHistory(ctx, false))

	queue, err := s.ListQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 2)
}

type failingClearStore struct {
	store.Store
}

func (failingClearStore) ClearPurchases(ctx context.Context, pruneTerminal bool) (int, error) {
	return 0, errs.Storage(context.DeadlineExceeded, "clear purchases")
}

func TestClearHistoryFailureLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedHistory(t, s)

	r := New(failingClearStore{Store: s}, 0)
	err := r.ClearHistory(ctx, true)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))

	history, err := s.ListPurchases(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	queue, err := s.ListQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 2)

	logs, err := s.ListLogs(ctx)
	require.NoError(t, err)
	for _, e := range logs {
		assert.NotContains(t, e.Message, "Purchase history cleared")
	}
}
