package registry

import (
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStartCreatesServiceRecord(t *testing.T) {
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	r := New(store, clk, Config{PeriodicInterval: time.Hour, ServiceDownTime: time.Minute}, "engine-a", "host-a", "topic-a")

	require.NoError(t, r.Start())
	defer r.Stop()

	rec, err := store.GetService(r.ServiceID())
	require.NoError(t, err)
	assert.Equal(t, "host-a", rec.Host)
	assert.Equal(t, "topic-a", rec.Topic)
}

func TestRegistryStopDeletesServiceRecord(t *testing.T) {
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	r := New(store, clk, Config{PeriodicInterval: time.Hour, ServiceDownTime: time.Minute}, "engine-a", "host-a", "topic-a")

	require.NoError(t, r.Start())
	id := r.ServiceID()
	require.NoError(t, r.Stop())

	_, err := store.GetService(id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestRegistrySweepGCsDeadPeer exercises R1: after a dead peer's cleanup
// sweep runs, no lock references it and every action it owned is READY
// with no owner.
func TestRegistrySweepGCsDeadPeer(t *testing.T) {
	store := storage.NewMemStore()
	now := time.Now()
	clk := clock.NewFake(now)

	deadEngine := "dead-engine"
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ServiceID: deadEngine,
		Host:      "shared-host",
		UpdatedAt: now,
	}))

	a := &types.Action{
		ID:     "action-1",
		Verb:   types.ClusterDelete,
		Target: "cluster-1",
		Status: types.ActionRunning,
		Owner:  deadEngine,
		Inputs: map[string]string{},
	}
	require.NoError(t, store.CreateAction(a))
	_, ok, err := store.ClusterLockAcquire("cluster-1", a.ID, types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(store, clk, Config{
		PeriodicInterval: 10 * time.Millisecond,
		ServiceDownTime:  5 * time.Millisecond,
	}, "live-engine", "shared-host", "topic")
	require.NoError(t, r.Start())
	defer r.Stop()

	// Advance past service_down_time, then past periodic_interval so the
	// sweep tick fires and observes the stale peer.
	clk.Advance(20 * time.Millisecond)
	// Give the background goroutine a moment to process the tick.
	deadline := time.Now().Add(2 * time.Second)
	for {
		lock, err := store.GetClusterLock("cluster-1")
		require.NoError(t, err)
		if len(lock.Owners) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sweep to GC the dead engine's lock")
		}
		clk.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	lock, err := store.GetClusterLock("cluster-1")
	require.NoError(t, err)
	assert.Empty(t, lock.Owners)

	got, err := store.GetAction(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, got.Status)
	assert.Empty(t, got.Owner)

	_, err = store.GetService(deadEngine)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistryPurgeActionsRespectsRetention(t *testing.T) {
	store := storage.NewMemStore()
	now := time.Now()
	clk := clock.NewFake(now)

	old := &types.Action{
		ID:      "old-action",
		Verb:    types.NodeCheck,
		Target:  "node-1",
		Status:  types.ActionSucceeded,
		EndTime: now.Add(-2 * time.Hour),
		Inputs:  map[string]string{},
	}
	require.NoError(t, store.CreateAction(old))

	r := New(store, clk, Config{
		PeriodicInterval: 10 * time.Millisecond,
		ServiceDownTime:  time.Hour,
		ActionRetention:  time.Hour,
	}, "engine-b", "host", "topic")
	require.NoError(t, r.Start())
	defer r.Stop()

	clk.Advance(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := store.GetAction(old.ID)
		if err == storage.ErrNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for retention purge")
		}
		clk.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}
