package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_ClusterCRUDRoundTrip(t *testing.T) {
	s := newTestBoltStore(t)
	now := time.Now()
	c := &types.Cluster{
		ID:              "c1",
		Name:            "prod",
		MinSize:         1,
		DesiredCapacity: 3,
		MaxSize:         5,
		Status:          types.ClusterInit,
		Nodes:           map[string]struct{}{},
		Data:            map[string]string{},
		Config:          map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateCluster(c))

	got, err := s.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.Equal(t, 3, got.DesiredCapacity)

	got.DesiredCapacity = 4
	require.NoError(t, s.UpdateCluster(got))
	got, err = s.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.DesiredCapacity)

	list, err := s.ListClusters()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteCluster("c1"))
	_, err = s.GetCluster("c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.CreateNode(&types.Node{
		ID: "n1", ClusterID: "c1", Index: 0,
		Data: map[string]string{}, Metadata: map[string]string{},
	}))
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClusterID)
}

func TestBoltStore_NextNodeIndexPersistsAcrossDBFile(t *testing.T) {
	dir := t.TempDir()
	t.Logf("db at %s", filepath.Join(dir, "clusterforge.db"))

	s := newTestBoltStore(t)
	for want := 0; want < 3; want++ {
		got, err := s.NextNodeIndex("c1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

// TestBoltStore_ClusterLockScopeRules mirrors the L1/L2 invariants already
// covered against MemStore, confirming BoltStore enforces the same scope
// compatibility rules.
func TestBoltStore_ClusterLockScopeRules(t *testing.T) {
	s := newTestBoltStore(t)

	_, ok, err := s.ClusterLockAcquire("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.ClusterLockAcquire("c1", "a2", types.ClusterScope)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClusterLockRelease("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	owners, ok, err := s.ClusterLockAcquire("c1", "a3", types.NodeScope)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, owners, 1)

	owners, ok, err = s.ClusterLockAcquire("c1", "a4", types.NodeScope)
	require.NoError(t, err)
	require.True(t, ok, "NODE_SCOPE holders must coexist")
	assert.Len(t, owners, 2)
}

func TestBoltStore_AcquireFirstReadyAction(t *testing.T) {
	s := newTestBoltStore(t)
	now := time.Now()

	older := &types.Action{ID: "a1", Verb: types.NodeCheck, Target: "n1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: now}
	newer := &types.Action{ID: "a2", Verb: types.NodeCheck, Target: "n2", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: now.Add(time.Second)}
	require.NoError(t, s.CreateAction(newer))
	require.NoError(t, s.CreateAction(older))

	claimed, err := s.AcquireFirstReadyAction("worker-1", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a1", claimed.ID)
	assert.Equal(t, types.ActionRunning, claimed.Status)
}

func TestBoltStore_GCByEngineClearsLocksAndReadiesActions(t *testing.T) {
	s := newTestBoltStore(t)

	a := &types.Action{ID: "a1", Verb: types.ClusterDelete, Target: "c1", Status: types.ActionRunning, Owner: "dead-engine", Inputs: map[string]string{}}
	require.NoError(t, s.CreateAction(a))
	_, ok, err := s.ClusterLockAcquire("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CreateService(&types.ServiceRecord{ServiceID: "dead-engine", Host: "h", UpdatedAt: time.Now()}))

	abandoned, err := s.GCByEngine("dead-engine")
	require.NoError(t, err)
	assert.Equal(t, 1, abandoned)

	cl, err := s.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Empty(t, cl.Owners)

	got, err := s.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, got.Status)
	assert.Empty(t, got.Owner)

	_, err = s.GetService("dead-engine")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_PolicyBindingCRUD(t *testing.T) {
	s := newTestBoltStore(t)
	b := &types.ClusterPolicyBinding{ClusterID: "c1", PolicyID: "p1", Priority: 10, Enabled: true}
	require.NoError(t, s.CreatePolicyBinding(b))

	got, err := s.GetPolicyBinding("c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Priority)

	list, err := s.ListPolicyBindings("c1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeletePolicyBinding("c1", "p1"))
	_, err = s.GetPolicyBinding("c1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_ActionPurgeBeforeRespectsTerminalAndEndTime(t *testing.T) {
	s := newTestBoltStore(t)
	now := time.Now()

	old := &types.Action{ID: "old", Verb: types.NodeCheck, Target: "n1", Status: types.ActionSucceeded, EndTime: now.Add(-time.Hour), Inputs: map[string]string{}}
	recent := &types.Action{ID: "recent", Verb: types.NodeCheck, Target: "n2", Status: types.ActionSucceeded, EndTime: now, Inputs: map[string]string{}}
	running := &types.Action{ID: "running", Verb: types.NodeCheck, Target: "n3", Status: types.ActionRunning, Inputs: map[string]string{}}
	require.NoError(t, s.CreateAction(old))
	require.NoError(t, s.CreateAction(recent))
	require.NoError(t, s.CreateAction(running))

	n, err := s.ActionPurgeBefore(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetAction("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAction("recent")
	assert.NoError(t, err)
	_, err = s.GetAction("running")
	assert.NoError(t, err)
}
