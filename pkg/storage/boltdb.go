package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketClusters    = []byte("clusters")
	bucketNodes       = []byte("nodes")
	bucketActions     = []byte("actions")
	bucketIndices     = []byte("node_indices")
	bucketDependedBy  = []byte("dependency_depended_by")  // dependent -> []depended
	bucketDependents  = []byte("dependency_dependents")   // depended -> []dependent
	bucketClusterLock = []byte("cluster_locks")
	bucketNodeLock    = []byte("node_locks")
	bucketBindings    = []byte("policy_bindings")
	bucketServices    = []byte("services")
)

// BoltStore implements Store on top of an embedded BoltDB file, one bucket
// per entity, JSON-encoded values, atomic read-modify-write via bolt's
// single-writer transactions.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the engine's database file under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "clusterforge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketClusters, bucketNodes, bucketActions, bucketIndices,
			bucketDependedBy, bucketDependents, bucketClusterLock,
			bucketNodeLock, bucketBindings, bucketServices,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func bindingKey(clusterID, policyID string) []byte {
	return []byte(clusterID + "/" + policyID)
}

// --- Clusters ---

func (s *BoltStore) CreateCluster(c *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusters).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var out []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var c types.Cluster
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateCluster(c *types.Cluster) error {
	return s.CreateCluster(c)
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketClusters).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndices).Delete([]byte(id))
	})
}

func (s *BoltStore) NextNodeIndex(clusterID string) (int, error) {
	var next int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndices)
		var cur uint64
		if data := b.Get([]byte(clusterID)); data != nil {
			cur = binary.BigEndian.Uint64(data)
		}
		next = int(cur)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, cur+1)
		return b.Put([]byte(clusterID), buf)
	})
	return next, err
}

// --- Nodes ---

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) UpdateNode(n *types.Node) error { return s.CreateNode(n) }

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

func (s *BoltStore) CountByCluster(clusterID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == clusterID {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *BoltStore) GetAllByCluster(clusterID string) ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == clusterID {
				out = append(out, &node)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, err
}

// --- Actions ---

func (s *BoltStore) CreateAction(a *types.Action) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketActions).Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) getActionTx(tx *bolt.Tx, id string) (*types.Action, error) {
	data := tx.Bucket(bucketActions).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var a types.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) putActionTx(tx *bolt.Tx, a *types.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketActions).Put([]byte(a.ID), data)
}

func (s *BoltStore) GetAction(id string) (*types.Action, error) {
	var a *types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = s.getActionTx(tx, id)
		return err
	})
	return a, err
}

func (s *BoltStore) UpdateAction(a *types.Action) error { return s.CreateAction(a) }

func (s *BoltStore) DeleteAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).Delete([]byte(id))
	})
}

func (s *BoltStore) AcquireFirstReadyAction(owner string, now time.Time) (*types.Action, error) {
	var claimed *types.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		var oldest *types.Action
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status != types.ActionReady {
				continue
			}
			if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
				cp := a
				oldest = &cp
			}
		}
		if oldest == nil {
			return nil
		}
		oldest.Status = types.ActionRunning
		oldest.Owner = owner
		oldest.StartTime = now
		if err := s.putActionTx(tx, oldest); err != nil {
			return err
		}
		claimed = oldest
		return nil
	})
	return claimed, err
}

func (s *BoltStore) AcquireAction(actionID, owner string, now time.Time) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if a.Status != types.ActionReady {
			return nil
		}
		a.Status = types.ActionRunning
		a.Owner = owner
		a.StartTime = now
		ok = true
		return s.putActionTx(tx, a)
	})
	return ok, err
}

func (s *BoltStore) AbandonAction(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		a.Owner = ""
		a.Status = types.ActionReady
		return s.putActionTx(tx, a)
	})
}

func (s *BoltStore) markTerminal(actionID string, status types.ActionStatus, ts time.Time, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		a.Status = status
		a.EndTime = ts
		if reason != "" {
			a.StatusReason = reason
		}
		return s.putActionTx(tx, a)
	})
}

func (s *BoltStore) MarkActionSucceeded(actionID string, ts time.Time) error {
	return s.markTerminal(actionID, types.ActionSucceeded, ts, "")
}

func (s *BoltStore) MarkActionFailed(actionID string, ts time.Time, reason string) error {
	return s.markTerminal(actionID, types.ActionFailed, ts, reason)
}

func (s *BoltStore) MarkActionCancelled(actionID string, ts time.Time, reason string) error {
	return s.markTerminal(actionID, types.ActionCancelled, ts, reason)
}

func (s *BoltStore) MarkActionReady(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		a.Status = types.ActionReady
		return s.putActionTx(tx, a)
	})
}

func (s *BoltStore) SignalAction(actionID string, cmd types.Signal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		a.Signal = cmd
		return s.putActionTx(tx, a)
	})
}

func (s *BoltStore) SignalQuery(actionID string) (types.Signal, error) {
	var sig types.Signal
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		sig = a.Signal
		a.Signal = ""
		return s.putActionTx(tx, a)
	})
	return sig, err
}

func (s *BoltStore) CheckActionStatus(actionID string, now time.Time) (types.ActionStatus, error) {
	var status types.ActionStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		a, err := s.getActionTx(tx, actionID)
		if err != nil {
			return err
		}
		if a.Status == types.ActionRunning && a.IsTimeout(now) {
			status = types.ActionFailed
			return nil
		}
		status = a.Status
		return nil
	})
	return status, err
}

func (s *BoltStore) ActionPurgeBefore(ts time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		var toDelete [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status.IsTerminal() && !a.EndTime.IsZero() && a.EndTime.Before(ts) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- Dependencies ---

func getStringSlice(tx *bolt.Tx, bucket []byte, key string) ([]string, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func putStringSlice(tx *bolt.Tx, bucket []byte, key string, vals []string) error {
	data, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStore) AddDependency(depended []string, dependent string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getStringSlice(tx, bucketDependedBy, dependent)
		if err != nil {
			return err
		}
		existing = append(existing, depended...)
		if err := putStringSlice(tx, bucketDependedBy, dependent, existing); err != nil {
			return err
		}
		for _, d := range depended {
			dents, err := getStringSlice(tx, bucketDependents, d)
			if err != nil {
				return err
			}
			dents = append(dents, dependent)
			if err := putStringSlice(tx, bucketDependents, d, dents); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetDepended(actionID string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = getStringSlice(tx, bucketDependedBy, actionID)
		return err
	})
	return out, err
}

func (s *BoltStore) GetDependents(actionID string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = getStringSlice(tx, bucketDependents, actionID)
		return err
	})
	return out, err
}

func (s *BoltStore) OutstandingCount(dependent string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, err := getStringSlice(tx, bucketDependedBy, dependent)
		if err != nil {
			return err
		}
		for _, id := range ids {
			a, err := s.getActionTx(tx, id)
			if err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if !a.Status.IsTerminal() {
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- Cluster locks ---

func (s *BoltStore) getClusterLockTx(tx *bolt.Tx, clusterID string) (*types.ClusterLock, error) {
	data := tx.Bucket(bucketClusterLock).Get([]byte(clusterID))
	if data == nil {
		return &types.ClusterLock{ClusterID: clusterID, Owners: map[string]struct{}{}}, nil
	}
	var wire struct {
		Scope  types.LockScope
		Owners []string
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	owners := make(map[string]struct{}, len(wire.Owners))
	for _, o := range wire.Owners {
		owners[o] = struct{}{}
	}
	return &types.ClusterLock{ClusterID: clusterID, Scope: wire.Scope, Owners: owners}, nil
}

func (s *BoltStore) putClusterLockTx(tx *bolt.Tx, lock *types.ClusterLock) error {
	owners := make([]string, 0, len(lock.Owners))
	for o := range lock.Owners {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	data, err := json.Marshal(struct {
		Scope  types.LockScope
		Owners []string
	}{lock.Scope, owners})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketClusterLock).Put([]byte(lock.ClusterID), data)
}

func (s *BoltStore) ClusterLockAcquire(clusterID, actionID string, scope types.LockScope) (map[string]struct{}, bool, error) {
	var owners map[string]struct{}
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock, err := s.getClusterLockTx(tx, clusterID)
		if err != nil {
			return err
		}
		if len(lock.Owners) == 0 {
			lock.Scope = scope
			lock.Owners[actionID] = struct{}{}
			ok = true
		} else if scope == types.NodeScope && lock.Scope == types.NodeScope {
			lock.Owners[actionID] = struct{}{}
			ok = true
		}
		owners = cloneSet(lock.Owners)
		return s.putClusterLockTx(tx, lock)
	})
	return owners, ok, err
}

func (s *BoltStore) ClusterLockSteal(clusterID, actionID string, scope types.LockScope) (map[string]struct{}, error) {
	var owners map[string]struct{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock := &types.ClusterLock{ClusterID: clusterID, Scope: scope, Owners: map[string]struct{}{actionID: {}}}
		owners = cloneSet(lock.Owners)
		return s.putClusterLockTx(tx, lock)
	})
	return owners, err
}

func (s *BoltStore) ClusterLockRelease(clusterID, actionID string, scope types.LockScope) (bool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock, err := s.getClusterLockTx(tx, clusterID)
		if err != nil {
			return err
		}
		delete(lock.Owners, actionID)
		return s.putClusterLockTx(tx, lock)
	})
	return true, err
}

func (s *BoltStore) GetClusterLock(clusterID string) (*types.ClusterLock, error) {
	var lock *types.ClusterLock
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lock, err = s.getClusterLockTx(tx, clusterID)
		return err
	})
	return lock, err
}

// --- Node locks ---

func (s *BoltStore) getNodeLockTx(tx *bolt.Tx, nodeID string) (*types.NodeLock, error) {
	data := tx.Bucket(bucketNodeLock).Get([]byte(nodeID))
	if data == nil {
		return &types.NodeLock{NodeID: nodeID}, nil
	}
	var lock types.NodeLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) putNodeLockTx(tx *bolt.Tx, lock *types.NodeLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodeLock).Put([]byte(lock.NodeID), data)
}

func (s *BoltStore) NodeLockAcquire(nodeID, actionID string) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock, err := s.getNodeLockTx(tx, nodeID)
		if err != nil {
			return err
		}
		if lock.Owner != "" {
			return nil
		}
		lock.Owner = actionID
		ok = true
		return s.putNodeLockTx(tx, lock)
	})
	return ok, err
}

func (s *BoltStore) NodeLockSteal(nodeID, actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putNodeLockTx(tx, &types.NodeLock{NodeID: nodeID, Owner: actionID})
	})
}

func (s *BoltStore) NodeLockRelease(nodeID, actionID string) (bool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock, err := s.getNodeLockTx(tx, nodeID)
		if err != nil {
			return err
		}
		if lock.Owner != actionID {
			return nil
		}
		lock.Owner = ""
		return s.putNodeLockTx(tx, lock)
	})
	return true, err
}

func (s *BoltStore) GetNodeLock(nodeID string) (*types.NodeLock, error) {
	var lock *types.NodeLock
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lock, err = s.getNodeLockTx(tx, nodeID)
		return err
	})
	return lock, err
}

// --- Policy bindings ---

func (s *BoltStore) CreatePolicyBinding(b *types.ClusterPolicyBinding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBindings).Put(bindingKey(b.ClusterID, b.PolicyID), data)
	})
}

func (s *BoltStore) GetPolicyBinding(clusterID, policyID string) (*types.ClusterPolicyBinding, error) {
	var b types.ClusterPolicyBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBindings).Get(bindingKey(clusterID, policyID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ListPolicyBindings(clusterID string) ([]*types.ClusterPolicyBinding, error) {
	var out []*types.ClusterPolicyBinding
	prefix := []byte(clusterID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBindings).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var b types.ClusterPolicyBinding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.Enabled {
				out = append(out, &b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) UpdatePolicyBinding(b *types.ClusterPolicyBinding) error {
	return s.CreatePolicyBinding(b)
}

func (s *BoltStore) DeletePolicyBinding(clusterID, policyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete(bindingKey(clusterID, policyID))
	})
}

// --- Service registry ---

func (s *BoltStore) CreateService(rec *types.ServiceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put([]byte(rec.ServiceID), data)
	})
}

func (s *BoltStore) GetService(serviceID string) (*types.ServiceRecord, error) {
	var rec types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(serviceID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateService(rec *types.ServiceRecord) error { return s.CreateService(rec) }

func (s *BoltStore) DeleteService(serviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(serviceID))
	})
}

func (s *BoltStore) GetAllExpired(name string, now time.Time, serviceDownTime time.Duration) ([]*types.ServiceRecord, error) {
	var out []*types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var rec types.ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Host != name {
				return nil
			}
			if !rec.Alive(now, serviceDownTime) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GCByEngine(deadEngine string) (int, error) {
	abandoned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(bucketActions)
		c := ab.Cursor()
		var deadIDs []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Owner == deadEngine {
				deadIDs = append(deadIDs, a.ID)
			}
		}

		deadSet := make(map[string]struct{}, len(deadIDs))
		for _, id := range deadIDs {
			deadSet[id] = struct{}{}
		}

		clb := tx.Bucket(bucketClusterLock)
		cc := clb.Cursor()
		for k, v := cc.First(); k != nil; k, v = cc.Next() {
			var wire struct {
				Scope  types.LockScope
				Owners []string
			}
			if err := json.Unmarshal(v, &wire); err != nil {
				return err
			}
			changed := false
			kept := wire.Owners[:0]
			for _, o := range wire.Owners {
				if _, dead := deadSet[o]; dead {
					changed = true
					continue
				}
				kept = append(kept, o)
			}
			if changed {
				data, err := json.Marshal(struct {
					Scope  types.LockScope
					Owners []string
				}{wire.Scope, kept})
				if err != nil {
					return err
				}
				key := make([]byte, len(k))
				copy(key, k)
				if err := clb.Put(key, data); err != nil {
					return err
				}
			}
		}

		nlb := tx.Bucket(bucketNodeLock)
		nc := nlb.Cursor()
		for k, v := nc.First(); k != nil; k, v = nc.Next() {
			var lock types.NodeLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if _, dead := deadSet[lock.Owner]; dead {
				lock.Owner = ""
				data, err := json.Marshal(lock)
				if err != nil {
					return err
				}
				key := make([]byte, len(k))
				copy(key, k)
				if err := nlb.Put(key, data); err != nil {
					return err
				}
			}
		}

		for _, id := range deadIDs {
			a, err := s.getActionTx(tx, id)
			if err != nil {
				return err
			}
			a.Owner = ""
			a.Status = types.ActionReady
			if err := s.putActionTx(tx, a); err != nil {
				return err
			}
			abandoned++
		}

		return tx.Bucket(bucketServices).Delete([]byte(deadEngine))
	})
	return abandoned, err
}
