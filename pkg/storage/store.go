// Package storage defines the Store the action engine persists all state
// through, and two implementations: a BoltDB-backed store for real
// deployments and an in-memory store for tests. Every method that the
// design calls out as atomic (lock acquire/steal/release, action claim,
// index allocation, engine GC) is implemented as a single transaction
// against the backing engine; callers never need to coordinate themselves.
package storage

import (
	"errors"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrLockHeld is returned by a lock acquire call that fails because the
// scope is occupied by a live owner and no steal was authorized.
var ErrLockHeld = errors.New("storage: lock held")

// Store is the durable state backing the engine: clusters, nodes, actions,
// locks, policy bindings, dependency edges, and the service registry.
type Store interface {
	// Clusters
	CreateCluster(c *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(c *types.Cluster) error
	DeleteCluster(id string) error
	// NextNodeIndex atomically increments and returns the cluster's
	// node-index counter, starting at 0.
	NextNodeIndex(clusterID string) (int, error)

	// Nodes
	CreateNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	UpdateNode(n *types.Node) error
	DeleteNode(id string) error
	CountByCluster(clusterID string) (int, error)
	GetAllByCluster(clusterID string) ([]*types.Node, error)

	// Actions
	CreateAction(a *types.Action) error
	GetAction(id string) (*types.Action, error)
	UpdateAction(a *types.Action) error
	DeleteAction(id string) error
	// AcquireFirstReadyAction atomically claims the oldest READY action:
	// sets status RUNNING, owner, and start_time. Returns nil, nil if none
	// is ready.
	AcquireFirstReadyAction(owner string, now time.Time) (*types.Action, error)
	// AcquireAction atomically claims a specific action if it is READY.
	AcquireAction(actionID, owner string, now time.Time) (bool, error)
	// AbandonAction clears owner and resets status to READY.
	AbandonAction(actionID string) error
	MarkActionSucceeded(actionID string, ts time.Time) error
	MarkActionFailed(actionID string, ts time.Time, reason string) error
	MarkActionCancelled(actionID string, ts time.Time, reason string) error
	MarkActionReady(actionID string) error
	SignalAction(actionID string, cmd types.Signal) error
	SignalQuery(actionID string) (types.Signal, error)
	// CheckActionStatus returns the current status after applying timeout:
	// a RUNNING action whose deadline has passed is reported (but not
	// persisted) as though FAILED/TIMEOUT to the caller; persistence of
	// that transition is the handler's job via MarkActionFailed.
	CheckActionStatus(actionID string, now time.Time) (types.ActionStatus, error)
	// ActionPurgeBefore deletes terminal actions whose EndTime is before
	// ts, supporting the configurable retention window. Returns the count
	// removed.
	ActionPurgeBefore(ts time.Time) (int, error)

	// Dependencies
	AddDependency(depended []string, dependent string) error
	GetDepended(actionID string) ([]string, error)
	GetDependents(actionID string) ([]string, error)
	// OutstandingCount returns the number of depended actions not yet
	// terminal for dependent.
	OutstandingCount(dependent string) (int, error)

	// Cluster locks
	ClusterLockAcquire(clusterID, actionID string, scope types.LockScope) (owners map[string]struct{}, ok bool, err error)
	ClusterLockSteal(clusterID, actionID string, scope types.LockScope) (owners map[string]struct{}, err error)
	ClusterLockRelease(clusterID, actionID string, scope types.LockScope) (bool, error)
	GetClusterLock(clusterID string) (*types.ClusterLock, error)

	// Node locks
	NodeLockAcquire(nodeID, actionID string) (bool, error)
	NodeLockSteal(nodeID, actionID string) error
	NodeLockRelease(nodeID, actionID string) (bool, error)
	GetNodeLock(nodeID string) (*types.NodeLock, error)

	// Cluster policy bindings
	CreatePolicyBinding(b *types.ClusterPolicyBinding) error
	GetPolicyBinding(clusterID, policyID string) (*types.ClusterPolicyBinding, error)
	// ListPolicyBindings returns enabled bindings for clusterID ordered by
	// ascending Priority.
	ListPolicyBindings(clusterID string) ([]*types.ClusterPolicyBinding, error)
	UpdatePolicyBinding(b *types.ClusterPolicyBinding) error
	DeletePolicyBinding(clusterID, policyID string) error

	// Service registry
	CreateService(s *types.ServiceRecord) error
	GetService(serviceID string) (*types.ServiceRecord, error)
	UpdateService(s *types.ServiceRecord) error
	DeleteService(serviceID string) error
	GetAllExpired(name string, now time.Time, serviceDownTime time.Duration) ([]*types.ServiceRecord, error)
	// GCByEngine atomically breaks every lock owned by an action whose
	// Owner == deadEngine, abandons those actions, and deletes the
	// ServiceRecord. Returns the number of actions abandoned.
	GCByEngine(deadEngine string) (int, error)

	Close() error
}
