package settings

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/ovhsniper/control_plane/store"
)

func TestDefaults(t *testing.T) {
	s, err := New(context.Background(), store.NewMemoryStore())
	require.NoError(t, err)

	snap := s.Get()
	assert.Equal(t, DefaultEndpoint, snap.Endpoint)
	assert.Equal(t, DefaultZone, snap.Zone)
	assert.Equal(t, DefaultIAM, snap.IAM)
	assert.False(t, snap.HasProviderCredentials())
	assert.Equal(t, uint64(1), snap.Generation)
}

func TestUpdateBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	s, err := New(ctx, backend)
	require.NoError(t, err)

	snap, err := s.Update(ctx, store.Settings{AppKey: "ak", AppSecret: "as", ConsumerKey: "ck", Zone: "FR"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
	assert.Equal(t, "go-ovh-fr", snap.IAM)
	assert.True(t, snap.HasProviderCredentials())
	assert.Equal(t, uint64(2), s.Generation())

	// A fresh store picks up the persisted record.
	reloaded, err := New(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, "ak", reloaded.Get().AppKey)
	assert.Equal(t, "FR", reloaded.Get().Zone)
}

func TestExplicitIAMKept(t *testing.T) {
	got := Normalize(store.Settings{IAM: "custom", Zone: "CA"})
	assert.Equal(t, "custom", got.IAM)
}

func TestConcurrentReadsDuringUpdate(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, store.NewMemoryStore())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			snap := s.Get()
			if snap.AppKey != "" && snap.AppKey != "k" {
				t.Errorf("torn read: %q", snap.AppKey)
			}
		}()
		go func() {
			defer wg.Done()
			s.Update(ctx, store.Settings{AppKey: "k"})
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(11), s.Generation())
}
