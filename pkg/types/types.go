// Package types defines the entities the action engine operates on:
// clusters, nodes, actions, locks, policy bindings, dependency edges, and
// service registry records. These are plain structs persisted verbatim by
// pkg/storage; nothing here talks to the Store directly.
package types

import "time"

// ClusterStatus is the lifecycle state of a Cluster.
type ClusterStatus string

const (
	ClusterInit     ClusterStatus = "INIT"
	ClusterCreating ClusterStatus = "CREATING"
	ClusterActive   ClusterStatus = "ACTIVE"
	ClusterUpdating ClusterStatus = "UPDATING"
	ClusterResizing ClusterStatus = "RESIZING"
	ClusterDeleting ClusterStatus = "DELETING"
	ClusterDeleted  ClusterStatus = "DELETED"
	ClusterWarning  ClusterStatus = "WARNING"
	ClusterError    ClusterStatus = "ERROR"
)

// UnboundedMaxSize is the max_size sentinel meaning "no upper bound".
const UnboundedMaxSize = -1

// Cluster is a homogeneous group of nodes driven through its lifecycle by
// CLUSTER_* actions.
type Cluster struct {
	ID        string
	Name      string
	ProjectID string

	MinSize         int
	DesiredCapacity int
	MaxSize         int // -1 == unbounded

	Status       ClusterStatus
	StatusReason string

	ProfileID string
	Nodes     map[string]struct{} // set of node IDs
	Data      map[string]string
	Dependents map[string]string
	Config    map[string]string // e.g. "node.name.format"

	InitAt    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeCount returns the number of member node IDs recorded on the cluster.
// count_by_cluster(cluster_id) in the Store is the authoritative population;
// this is a convenience for code already holding the Cluster value.
func (c *Cluster) NodeCount() int {
	return len(c.Nodes)
}

// AddNode records membership; it is idempotent.
func (c *Cluster) AddNode(nodeID string) {
	if c.Nodes == nil {
		c.Nodes = make(map[string]struct{})
	}
	c.Nodes[nodeID] = struct{}{}
}

// RemoveNode drops membership; it is idempotent.
func (c *Cluster) RemoveNode(nodeID string) {
	delete(c.Nodes, nodeID)
}

// NodeStatus is the lifecycle state of a Node.
type NodeStatus string

const (
	NodeInit       NodeStatus = "INIT"
	NodeCreating   NodeStatus = "CREATING"
	NodeActive     NodeStatus = "ACTIVE"
	NodeUpdating   NodeStatus = "UPDATING"
	NodeError      NodeStatus = "ERROR"
	NodeRecovering NodeStatus = "RECOVERING"
	NodeDeleting   NodeStatus = "DELETING"
)

// UnattachedIndex is the Node.Index sentinel for a node with no cluster.
const UnattachedIndex = -1

// Node is a single member of a cluster, or an unattached node awaiting
// NODE_JOIN.
type Node struct {
	ID        string
	Index     int // monotonic within ClusterID; -1 when unattached
	ClusterID string // "" when unattached
	ProfileID string
	PhysicalID string // opaque handle from the profile driver; "" before creation

	Status NodeStatus
	Role   string

	Data     map[string]string
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionStatus is a position in the Action FSM:
// INIT -> READY -> RUNNING -> {SUCCEEDED | FAILED | CANCELLED}, with the
// transient states WAITING (blocked on dependents) and SUSPENDED.
type ActionStatus string

const (
	ActionInit      ActionStatus = "INIT"
	ActionWaiting   ActionStatus = "WAITING"
	ActionReady     ActionStatus = "READY"
	ActionRunning   ActionStatus = "RUNNING"
	ActionSuspended ActionStatus = "SUSPENDED"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether status never transitions further (S1).
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCancelled:
		return true
	default:
		return false
	}
}

// Cause distinguishes an RPC-submitted action from one a parent action
// derived.
type Cause string

const (
	CauseRPCRequest    Cause = "RPC_Request"
	CauseDerivedAction Cause = "Derived_Action"
)

// Verb is the closed set of action verbs. Keeping it a defined string type
// (rather than free-form) lets handlers switch on it exhaustively.
type Verb string

const (
	ClusterCreate       Verb = "CLUSTER_CREATE"
	ClusterDelete       Verb = "CLUSTER_DELETE"
	ClusterUpdate       Verb = "CLUSTER_UPDATE"
	ClusterResize       Verb = "CLUSTER_RESIZE"
	ClusterScaleOut     Verb = "CLUSTER_SCALE_OUT"
	ClusterScaleIn      Verb = "CLUSTER_SCALE_IN"
	ClusterAddNodes     Verb = "CLUSTER_ADD_NODES"
	ClusterDelNodes     Verb = "CLUSTER_DEL_NODES"
	ClusterReplaceNodes Verb = "CLUSTER_REPLACE_NODES"
	ClusterCheck        Verb = "CLUSTER_CHECK"
	ClusterRecover      Verb = "CLUSTER_RECOVER"
	ClusterOperation    Verb = "CLUSTER_OPERATION"
	ClusterAttachPolicy Verb = "CLUSTER_ATTACH_POLICY"
	ClusterDetachPolicy Verb = "CLUSTER_DETACH_POLICY"
	ClusterUpdatePolicy Verb = "CLUSTER_UPDATE_POLICY"

	NodeCreate    Verb = "NODE_CREATE"
	NodeDelete    Verb = "NODE_DELETE"
	NodeUpdate    Verb = "NODE_UPDATE"
	NodeJoin      Verb = "NODE_JOIN"
	NodeLeave     Verb = "NODE_LEAVE"
	NodeCheck     Verb = "NODE_CHECK"
	NodeRecover   Verb = "NODE_RECOVER"
	NodeOperation Verb = "NODE_OPERATION"
)

// IsClusterVerb reports whether the verb belongs to the CLUSTER_* family.
func (v Verb) IsClusterVerb() bool {
	switch v {
	case ClusterCreate, ClusterDelete, ClusterUpdate, ClusterResize, ClusterScaleOut,
		ClusterScaleIn, ClusterAddNodes, ClusterDelNodes, ClusterReplaceNodes,
		ClusterCheck, ClusterRecover, ClusterOperation, ClusterAttachPolicy,
		ClusterDetachPolicy, ClusterUpdatePolicy:
		return true
	default:
		return false
	}
}

// IsNodeVerb reports whether the verb belongs to the NODE_* family.
func (v Verb) IsNodeVerb() bool {
	switch v {
	case NodeCreate, NodeDelete, NodeUpdate, NodeJoin, NodeLeave, NodeCheck, NodeRecover, NodeOperation:
		return true
	default:
		return false
	}
}

// Result is the outcome a handler reports to Action.set_status.
type Result string

const (
	ResultOK                 Result = "OK"
	ResultError              Result = "ERROR"
	ResultRetry              Result = "RETRY"
	ResultCancel             Result = "CANCEL"
	ResultTimeout            Result = "TIMEOUT"
	ResultLifecycleComplete  Result = "LIFECYCLE_COMPLETE"
)

// Signal is an externally injected command affecting a running action.
type Signal string

const (
	SignalCancel  Signal = "CANCEL"
	SignalSuspend Signal = "SUSPEND"
	SignalResume  Signal = "RESUME"
)

// Creation is the policy/handler hand-off for node-adding operations.
type Creation struct {
	Count   int
	Nodes   []string
	Zones   []string
	Regions []string
}

// Deletion is the policy/handler hand-off for node-removing operations.
type Deletion struct {
	Count                 int
	Candidates            []string
	GracePeriod           int // seconds
	DestroyAfterDeletion  bool
	ReduceDesiredCapacity bool
	ReduceSet             bool // whether a policy explicitly set ReduceDesiredCapacity
	BatchSize             int  // 0 means unbatched (all children fan out at once)
	PauseTime             int  // seconds between waves when BatchSize > 0
}

// UpdateBatch is one wave of a rolling CLUSTER_UPDATE plan.
type UpdateBatch struct {
	NodeIDs []string
}

// Update is the policy/handler hand-off for CLUSTER_UPDATE / NODE_UPDATE.
type Update struct {
	Plan        []UpdateBatch
	PauseTime   int // seconds between batches
	MinInService int
}

// Health is the policy/handler hand-off consulted by CLUSTER_RECOVER /
// NODE_RECOVER when deciding a recovery operation.
type Health struct {
	RecoverAction map[string]string // e.g. {"operation": "REBOOT"}
	Fencing       bool
}

// CheckStatus ∈ {CHECK_OK, CHECK_ERROR} — the PolicyEngine's pass/fail verdict.
type CheckStatus string

const (
	CheckOK    CheckStatus = "CHECK_OK"
	CheckError CheckStatus = "CHECK_ERROR"
)

// Status is the generic status/reason sub-structure PolicyEngine.policy_check
// writes into Action.Data before any specific policy runs.
type Status struct {
	Status CheckStatus
	Reason string
}

// ActionData is the typed union spec.md §9 substitutes for a free-form dict.
// Policies and handlers read/write only the sub-structure relevant to the
// action's verb; the rest stay zero-valued.
type ActionData struct {
	Status   Status
	Creation Creation
	Deletion Deletion
	Update   Update
	Health   Health
	Retries  int
}

// Action is a unit of work the Dispatcher claims and runs.
type Action struct {
	ID     string
	Name   string
	Verb   Verb
	Target string // cluster or node UUID
	Cause  Cause
	Owner  string // worker/engine id currently executing; "" when unclaimed

	Status       ActionStatus
	StatusReason string

	Inputs  map[string]string
	Outputs map[string]string
	Data    ActionData

	Signal Signal // pending signal, cleared once observed

	Timeout   int // seconds; 0 means DefaultActionTimeout applies
	StartTime time.Time
	EndTime   time.Time

	Interval int // -1 == one-shot

	CreatedAt time.Time
}

// IsTimeout reports whether the action has exceeded its timeout, measured
// from the claim time against the supplied current time.
func (a *Action) IsTimeout(now time.Time) bool {
	if a.Timeout <= 0 || a.StartTime.IsZero() {
		return false
	}
	return now.Sub(a.StartTime) > time.Duration(a.Timeout)*time.Second
}

// LockScope distinguishes cluster-exclusive from node-shared lock holders.
type LockScope string

const (
	ClusterScope LockScope = "CLUSTER_SCOPE"
	NodeScope    LockScope = "NODE_SCOPE"
)

// ClusterLock is keyed by cluster_id; Owners holds action IDs. CLUSTER_SCOPE
// admits at most one owner, NODE_SCOPE admits many.
type ClusterLock struct {
	ClusterID string
	Scope     LockScope
	Owners    map[string]struct{} // action IDs
}

// NodeLock is keyed by node_id; it is a plain mutex.
type NodeLock struct {
	NodeID string
	Owner  string // action ID, "" when free
}

// ClusterPolicyBinding associates a policy with a cluster.
type ClusterPolicyBinding struct {
	ClusterID string
	PolicyID  string
	PolicyType string // conflict-detection key at attach time
	Enabled   bool
	Priority  int // lower runs first
	LastOp    time.Time
	Cooldown  int // seconds
}

// CooldownInProgress reports whether less than Cooldown seconds have
// elapsed since LastOp.
func (b *ClusterPolicyBinding) CooldownInProgress(now time.Time) bool {
	if b.Cooldown <= 0 || b.LastOp.IsZero() {
		return false
	}
	return now.Sub(b.LastOp) < time.Duration(b.Cooldown)*time.Second
}

// Dependency is a directed edge: Dependent becomes READY only once every
// Depended action referencing it has status SUCCEEDED.
type Dependency struct {
	Depended  string
	Dependent string
}

// ServiceRecord is a heartbeat row for one running engine instance.
type ServiceRecord struct {
	ServiceID string
	Host      string
	Topic     string
	UpdatedAt time.Time
}

// Alive reports liveness given the configured down-time threshold.
func (s *ServiceRecord) Alive(now time.Time, serviceDownTime time.Duration) bool {
	return now.Sub(s.UpdatedAt) <= serviceDownTime
}
