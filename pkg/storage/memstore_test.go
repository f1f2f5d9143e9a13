package storage

import (
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClusterLock_L1MutualExclusion exercises L1: at most one action holds
// CLUSTER_SCOPE for a given cluster at any time.
func TestClusterLock_L1MutualExclusion(t *testing.T) {
	s := NewMemStore()

	owners, ok, err := s.ClusterLockAcquire("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, owners, 1)

	_, ok, err = s.ClusterLockAcquire("c1", "a2", types.ClusterScope)
	require.NoError(t, err)
	assert.False(t, ok, "a second CLUSTER_SCOPE acquire must fail while a1 holds it")
}

// TestClusterLock_L2ScopeCompatibility exercises L2: NODE_SCOPE holders may
// coexist, but CLUSTER_SCOPE is incompatible with any outstanding
// NODE_SCOPE holder (and vice versa).
func TestClusterLock_L2ScopeCompatibility(t *testing.T) {
	s := NewMemStore()

	_, ok, err := s.ClusterLockAcquire("c1", "a1", types.NodeScope)
	require.NoError(t, err)
	require.True(t, ok)

	owners, ok, err := s.ClusterLockAcquire("c1", "a2", types.NodeScope)
	require.NoError(t, err)
	require.True(t, ok, "a second NODE_SCOPE acquire must coexist with the first")
	assert.Len(t, owners, 2)

	_, ok, err = s.ClusterLockAcquire("c1", "a3", types.ClusterScope)
	require.NoError(t, err)
	assert.False(t, ok, "CLUSTER_SCOPE must not acquire while NODE_SCOPE holders are outstanding")
}

// TestClusterLock_ReleaseIsIdempotent covers the round-trip property:
// cluster_lock_release is idempotent.
func TestClusterLock_ReleaseIsIdempotent(t *testing.T) {
	s := NewMemStore()

	_, ok, err := s.ClusterLockAcquire("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClusterLockRelease("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing again, and releasing an action that never held the lock,
	// must both be no-ops rather than errors.
	ok, err = s.ClusterLockRelease("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClusterLockRelease("c1", "never-held", types.ClusterScope)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.ClusterLockAcquire("c1", "a2", types.ClusterScope)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free for a new owner after release")
}

// TestNodeLock_L3Mutex exercises L3: at most one NodeAction holds a given
// node's mutex.
func TestNodeLock_L3Mutex(t *testing.T) {
	s := NewMemStore()

	ok, err := s.NodeLockAcquire("n1", "a1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.NodeLockAcquire("n1", "a2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.NodeLockRelease("n1", "a1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.NodeLockAcquire("n1", "a2")
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free for a2 once a1 releases")
}

// TestAcquireFirstReadyAction_ClaimIsAtomic covers the Store contract that
// action_acquire_1st_ready sets status RUNNING, owner, and start_time in
// one step, and claims only READY actions in creation order.
func TestAcquireFirstReadyAction_ClaimIsAtomic(t *testing.T) {
	s := NewMemStore()
	now := time.Now()

	older := &types.Action{ID: "a1", Verb: types.NodeCheck, Target: "n1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: now}
	newer := &types.Action{ID: "a2", Verb: types.NodeCheck, Target: "n2", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: now.Add(time.Second)}
	require.NoError(t, s.CreateAction(newer))
	require.NoError(t, s.CreateAction(older))

	claimed, err := s.AcquireFirstReadyAction("worker-1", now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a1", claimed.ID, "the oldest READY action must be claimed first")
	assert.Equal(t, types.ActionRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.Owner)
	assert.False(t, claimed.StartTime.IsZero())

	// a1 is no longer READY, so a second claim call picks up a2.
	claimed, err = s.AcquireFirstReadyAction("worker-2", now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a2", claimed.ID)

	claimed, err = s.AcquireFirstReadyAction("worker-1", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, claimed, "no READY action remains to claim")
}

// TestGCByEngine_R1 exercises R1: after gc_by_engine(dead) completes, no
// lock references dead and every action it owned is READY with no owner.
func TestGCByEngine_R1(t *testing.T) {
	s := NewMemStore()

	a := &types.Action{ID: "a1", Verb: types.ClusterDelete, Target: "c1", Status: types.ActionRunning, Owner: "dead-engine", Inputs: map[string]string{}}
	require.NoError(t, s.CreateAction(a))
	_, ok, err := s.ClusterLockAcquire("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	b := &types.Action{ID: "a2", Verb: types.NodeCheck, Target: "n1", Status: types.ActionRunning, Owner: "dead-engine", Inputs: map[string]string{}}
	require.NoError(t, s.CreateAction(b))
	ok, err = s.NodeLockAcquire("n1", "a2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CreateService(&types.ServiceRecord{ServiceID: "dead-engine", Host: "h", UpdatedAt: time.Now()}))

	abandoned, err := s.GCByEngine("dead-engine")
	require.NoError(t, err)
	assert.Equal(t, 2, abandoned)

	cl, err := s.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Empty(t, cl.Owners)

	nl, err := s.GetNodeLock("n1")
	require.NoError(t, err)
	assert.Empty(t, nl.Owner)

	got, err := s.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, got.Status)
	assert.Empty(t, got.Owner)

	got, err = s.GetAction("a2")
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, got.Status)
	assert.Empty(t, got.Owner)

	_, err = s.GetService("dead-engine")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountByClusterAndGetAllByCluster(t *testing.T) {
	s := NewMemStore()
	n1 := &types.Node{ID: "n1", ClusterID: "c1", Data: map[string]string{}, Metadata: map[string]string{}}
	n2 := &types.Node{ID: "n2", ClusterID: "c1", Data: map[string]string{}, Metadata: map[string]string{}}
	n3 := &types.Node{ID: "n3", ClusterID: "c2", Data: map[string]string{}, Metadata: map[string]string{}}
	require.NoError(t, s.CreateNode(n1))
	require.NoError(t, s.CreateNode(n2))
	require.NoError(t, s.CreateNode(n3))

	count, err := s.CountByCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	nodes, err := s.GetAllByCluster("c1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestNextNodeIndex_MonotonicFromZero(t *testing.T) {
	s := NewMemStore()
	for want := 0; want < 3; want++ {
		got, err := s.NextNodeIndex("c1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// A different cluster has its own independent counter.
	got, err := s.NextNodeIndex("c2")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
