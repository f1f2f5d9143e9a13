package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
)

// MemStore is an in-memory Store used as the test double wherever a
// *BoltStore would be too heavy. It honors the same atomicity contract
// (single mutex around every mutating operation) as BoltStore's
// transactions.
type MemStore struct {
	mu sync.Mutex

	clusters map[string]*types.Cluster
	nodes    map[string]*types.Node
	actions  map[string]*types.Action
	indices  map[string]int // cluster id -> next node index

	dependedBy  map[string][]string // dependent -> depended ids
	dependents  map[string][]string // depended -> dependent ids

	clusterLocks map[string]*types.ClusterLock
	nodeLocks    map[string]*types.NodeLock

	bindings map[string]map[string]*types.ClusterPolicyBinding // clusterID -> policyID -> binding

	services map[string]*types.ServiceRecord
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		clusters:     make(map[string]*types.Cluster),
		nodes:        make(map[string]*types.Node),
		actions:      make(map[string]*types.Action),
		indices:      make(map[string]int),
		dependedBy:   make(map[string][]string),
		dependents:   make(map[string][]string),
		clusterLocks: make(map[string]*types.ClusterLock),
		nodeLocks:    make(map[string]*types.NodeLock),
		bindings:     make(map[string]map[string]*types.ClusterPolicyBinding),
		services:     make(map[string]*types.ServiceRecord),
	}
}

func (m *MemStore) Close() error { return nil }

// --- Clusters ---

func (m *MemStore) CreateCluster(c *types.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.clusters[c.ID] = &cp
	return nil
}

func (m *MemStore) GetCluster(id string) (*types.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) ListClusters() ([]*types.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpdateCluster(c *types.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.clusters[c.ID] = &cp
	return nil
}

func (m *MemStore) DeleteCluster(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clusters, id)
	delete(m.indices, id)
	return nil
}

func (m *MemStore) NextNodeIndex(clusterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indices[clusterID]
	m.indices[clusterID] = idx + 1
	return idx, nil
}

// --- Nodes ---

func (m *MemStore) CreateNode(n *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *MemStore) GetNode(id string) (*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemStore) UpdateNode(n *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; !ok {
		return ErrNotFound
	}
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *MemStore) DeleteNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *MemStore) CountByCluster(clusterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, node := range m.nodes {
		if node.ClusterID == clusterID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetAllByCluster(clusterID string) ([]*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Node
	for _, node := range m.nodes {
		if node.ClusterID == clusterID {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// --- Actions ---

func (m *MemStore) CreateAction(a *types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.actions[a.ID] = &cp
	return nil
}

func (m *MemStore) GetAction(id string) (*types.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) UpdateAction(a *types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.actions[a.ID] = &cp
	return nil
}

func (m *MemStore) DeleteAction(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, id)
	return nil
}

func (m *MemStore) AcquireFirstReadyAction(owner string, now time.Time) (*types.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *types.Action
	for _, a := range m.actions {
		if a.Status != types.ActionReady {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = types.ActionRunning
	oldest.Owner = owner
	oldest.StartTime = now
	cp := *oldest
	return &cp, nil
}

func (m *MemStore) AcquireAction(actionID, owner string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.Status != types.ActionReady {
		return false, nil
	}
	a.Status = types.ActionRunning
	a.Owner = owner
	a.StartTime = now
	return true, nil
}

func (m *MemStore) AbandonAction(actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Owner = ""
	a.Status = types.ActionReady
	return nil
}

func (m *MemStore) MarkActionSucceeded(actionID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Status = types.ActionSucceeded
	a.EndTime = ts
	return nil
}

func (m *MemStore) MarkActionFailed(actionID string, ts time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Status = types.ActionFailed
	a.StatusReason = reason
	a.EndTime = ts
	return nil
}

func (m *MemStore) MarkActionCancelled(actionID string, ts time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Status = types.ActionCancelled
	a.StatusReason = reason
	a.EndTime = ts
	return nil
}

func (m *MemStore) MarkActionReady(actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Status = types.ActionReady
	return nil
}

func (m *MemStore) SignalAction(actionID string, cmd types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrNotFound
	}
	a.Signal = cmd
	return nil
}

func (m *MemStore) SignalQuery(actionID string) (types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return "", ErrNotFound
	}
	sig := a.Signal
	a.Signal = ""
	return sig, nil
}

func (m *MemStore) CheckActionStatus(actionID string, now time.Time) (types.ActionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return "", ErrNotFound
	}
	if a.Status == types.ActionRunning && a.IsTimeout(now) {
		return types.ActionFailed, nil
	}
	return a.Status, nil
}

func (m *MemStore) ActionPurgeBefore(ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.actions {
		if a.Status.IsTerminal() && !a.EndTime.IsZero() && a.EndTime.Before(ts) {
			delete(m.actions, id)
			n++
		}
	}
	return n, nil
}

// --- Dependencies ---

func (m *MemStore) AddDependency(depended []string, dependent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependedBy[dependent] = append(m.dependedBy[dependent], depended...)
	for _, d := range depended {
		m.dependents[d] = append(m.dependents[d], dependent)
	}
	return nil
}

func (m *MemStore) GetDepended(actionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.dependedBy[actionID]))
	copy(out, m.dependedBy[actionID])
	return out, nil
}

func (m *MemStore) GetDependents(actionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.dependents[actionID]))
	copy(out, m.dependents[actionID])
	return out, nil
}

func (m *MemStore) OutstandingCount(dependent string) (int, error) {
	m.mu.Lock()
	n := 0
	deps := m.dependedBy[dependent]
	ids := make([]string, len(deps))
	copy(ids, deps)
	m.mu.Unlock()

	for _, id := range ids {
		st, err := m.GetAction(id)
		if err != nil {
			continue
		}
		if !st.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// --- Cluster locks ---

func (m *MemStore) ClusterLockAcquire(clusterID, actionID string, scope types.LockScope) (map[string]struct{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.clusterLocks[clusterID]
	if !ok || len(lock.Owners) == 0 {
		owners := map[string]struct{}{actionID: {}}
		m.clusterLocks[clusterID] = &types.ClusterLock{ClusterID: clusterID, Scope: scope, Owners: owners}
		return cloneSet(owners), true, nil
	}

	if scope == types.NodeScope && lock.Scope == types.NodeScope {
		lock.Owners[actionID] = struct{}{}
		return cloneSet(lock.Owners), true, nil
	}

	return cloneSet(lock.Owners), false, nil
}

func (m *MemStore) ClusterLockSteal(clusterID, actionID string, scope types.LockScope) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := map[string]struct{}{actionID: {}}
	m.clusterLocks[clusterID] = &types.ClusterLock{ClusterID: clusterID, Scope: scope, Owners: owners}
	return cloneSet(owners), nil
}

func (m *MemStore) ClusterLockRelease(clusterID, actionID string, scope types.LockScope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.clusterLocks[clusterID]
	if !ok {
		return true, nil
	}
	delete(lock.Owners, actionID)
	return true, nil
}

func (m *MemStore) GetClusterLock(clusterID string) (*types.ClusterLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.clusterLocks[clusterID]
	if !ok {
		return &types.ClusterLock{ClusterID: clusterID, Owners: map[string]struct{}{}}, nil
	}
	cp := *lock
	cp.Owners = cloneSet(lock.Owners)
	return &cp, nil
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// --- Node locks ---

func (m *MemStore) NodeLockAcquire(nodeID, actionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.nodeLocks[nodeID]
	if !ok || lock.Owner == "" {
		m.nodeLocks[nodeID] = &types.NodeLock{NodeID: nodeID, Owner: actionID}
		return true, nil
	}
	return false, nil
}

func (m *MemStore) NodeLockSteal(nodeID, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeLocks[nodeID] = &types.NodeLock{NodeID: nodeID, Owner: actionID}
	return nil
}

func (m *MemStore) NodeLockRelease(nodeID, actionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.nodeLocks[nodeID]
	if !ok || lock.Owner != actionID {
		return true, nil
	}
	lock.Owner = ""
	return true, nil
}

func (m *MemStore) GetNodeLock(nodeID string) (*types.NodeLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.nodeLocks[nodeID]
	if !ok {
		return &types.NodeLock{NodeID: nodeID}, nil
	}
	cp := *lock
	return &cp, nil
}

// --- Policy bindings ---

func (m *MemStore) CreatePolicyBinding(b *types.ClusterPolicyBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[b.ClusterID] == nil {
		m.bindings[b.ClusterID] = make(map[string]*types.ClusterPolicyBinding)
	}
	cp := *b
	m.bindings[b.ClusterID][b.PolicyID] = &cp
	return nil
}

func (m *MemStore) GetPolicyBinding(clusterID, policyID string) (*types.ClusterPolicyBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[clusterID][policyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemStore) ListPolicyBindings(clusterID string) ([]*types.ClusterPolicyBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ClusterPolicyBinding
	for _, b := range m.bindings[clusterID] {
		if !b.Enabled {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemStore) UpdatePolicyBinding(b *types.ClusterPolicyBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[b.ClusterID] == nil {
		return ErrNotFound
	}
	if _, ok := m.bindings[b.ClusterID][b.PolicyID]; !ok {
		return ErrNotFound
	}
	cp := *b
	m.bindings[b.ClusterID][b.PolicyID] = &cp
	return nil
}

func (m *MemStore) DeletePolicyBinding(clusterID, policyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings[clusterID], policyID)
	return nil
}

// --- Service registry ---

func (m *MemStore) CreateService(s *types.ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.services[s.ServiceID] = &cp
	return nil
}

func (m *MemStore) GetService(serviceID string) (*types.ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[serviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateService(s *types.ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[s.ServiceID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.services[s.ServiceID] = &cp
	return nil
}

func (m *MemStore) DeleteService(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, serviceID)
	return nil
}

func (m *MemStore) GetAllExpired(name string, now time.Time, serviceDownTime time.Duration) ([]*types.ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ServiceRecord
	for _, s := range m.services {
		if s.Host != name {
			continue
		}
		if !s.Alive(now, serviceDownTime) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) GCByEngine(deadEngine string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	abandoned := 0
	for _, a := range m.actions {
		if a.Owner != deadEngine {
			continue
		}
		for _, lock := range m.clusterLocks {
			delete(lock.Owners, a.ID)
		}
		for _, lock := range m.nodeLocks {
			if lock.Owner == a.ID {
				lock.Owner = ""
			}
		}
		a.Owner = ""
		a.Status = types.ActionReady
		abandoned++
	}
	delete(m.services, deadEngine)
	return abandoned, nil
}
