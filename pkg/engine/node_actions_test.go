package engine

import (
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/health"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func registerTestNode(t *testing.T, store storage.Store, clusterID string, index int) *types.Node {
	t.Helper()
	now := time.Now()
	n := &types.Node{
		ID:        uuid.NewString(),
		ClusterID: clusterID,
		Index:     index,
		Status:    types.NodeActive,
		ProfileID: "noop",
		Data:      map[string]string{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateNode(n))
	return n
}

// TestNodeCreate_StandaloneGoesActive exercises a bare NODE_CREATE against
// an unattached node: no cluster size check applies, the noop driver
// succeeds immediately, and the node ends ACTIVE.
func TestNodeCreate_StandaloneGoesActive(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)

	id, err := e.SubmitNodeAction(node.ID, types.NodeCreate, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionSucceeded, a.Status)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, types.NodeActive, got.Status)
}

// TestNodeCreate_RejectedOverMaxSize exercises the NODE_CREATE size check
// that runs only when the node already belongs to a cluster and the
// request came in over RPC: a create that would push the cluster over
// max_size is rejected and the node is detached again.
func TestNodeCreate_RejectedOverMaxSize(t *testing.T) {
	e, store := newTestEngine(t)
	cluster := registerTestCluster(t, store, 0, 0, 1)
	existing := registerTestNode(t, store, cluster.ID, 0)
	cluster.AddNode(existing.ID)
	require.NoError(t, store.UpdateCluster(cluster))

	node := registerTestNode(t, store, cluster.ID, 1)

	id, err := e.SubmitNodeAction(node.ID, types.NodeCreate, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionFailed, a.Status)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Empty(t, got.ClusterID, "a rejected create must detach the node from the cluster again")
}

// TestNodeDelete_RemovesNodeAndReducesCapacity exercises NODE_DELETE's
// default reduce_desired_capacity=true behavior for an RPC-caused delete
// against a node still attached to a cluster.
func TestNodeDelete_RemovesNodeAndReducesCapacity(t *testing.T) {
	e, store := newTestEngine(t)
	cluster := registerTestCluster(t, store, 0, 1, -1)
	node := registerTestNode(t, store, cluster.ID, 0)
	cluster.AddNode(node.ID)
	require.NoError(t, store.UpdateCluster(cluster))

	id, err := e.SubmitNodeAction(node.ID, types.NodeDelete, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionSucceeded, a.Status)

	_, err = store.GetNode(node.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.DesiredCapacity)
	require.NotContains(t, got.Nodes, node.ID)
}

// TestNodeJoinLeave_RoundTrip exercises NODE_JOIN followed by NODE_LEAVE,
// confirming the node's cluster membership and index are set and cleared
// and the cluster's member set tracks both transitions.
func TestNodeJoinLeave_RoundTrip(t *testing.T) {
	e, store := newTestEngine(t)
	cluster := registerTestCluster(t, store, 0, 0, -1)
	node := registerTestNode(t, store, "", types.UnattachedIndex)

	joinID, err := e.SubmitNodeAction(node.ID, types.NodeJoin, map[string]string{"cluster_id": cluster.ID})
	require.NoError(t, err)
	a := waitTerminal(t, store, joinID)
	require.Equal(t, types.ActionSucceeded, a.Status)

	gotNode, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.ID, gotNode.ClusterID)
	require.Equal(t, 0, gotNode.Index)

	gotCluster, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	require.Contains(t, gotCluster.Nodes, node.ID)

	leaveID, err := e.SubmitNodeAction(node.ID, types.NodeLeave, nil)
	require.NoError(t, err)
	a = waitTerminal(t, store, leaveID)
	require.Equal(t, types.ActionSucceeded, a.Status)

	gotNode, err = store.GetNode(node.ID)
	require.NoError(t, err)
	require.Empty(t, gotNode.ClusterID)
	require.Equal(t, types.UnattachedIndex, gotNode.Index)

	gotCluster, err = store.GetCluster(cluster.ID)
	require.NoError(t, err)
	require.NotContains(t, gotCluster.Nodes, node.ID)
}

// TestNodeJoin_RejectsMissingClusterID covers the join input contract: no
// cluster_id input and no prior ClusterID on the node is an error, not a
// panic or silent no-op.
func TestNodeJoin_RejectsMissingClusterID(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)

	id, err := e.SubmitNodeAction(node.ID, types.NodeJoin, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionFailed, a.Status)
	require.Contains(t, a.StatusReason, "cluster_id")
}

// TestNodeCheck_HealthyKeepsNodeActive exercises NODE_CHECK against the
// noop driver, which always reports healthy.
func TestNodeCheck_HealthyKeepsNodeActive(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)

	id, err := e.SubmitNodeAction(node.ID, types.NodeCheck, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionSucceeded, a.Status)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, types.NodeActive, got.Status)
}

// TestNodeCheck_FailingProbeOverridesHealthyDriver exercises the workload
// probe layered on top of the profile driver's own Check: the noop driver
// always reports healthy, but a configured exec probe that exits non-zero
// still fails the action and leaves the node in NODE_ERROR.
func TestNodeCheck_FailingProbeOverridesHealthyDriver(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)
	node.Data[health.DataKeyCheckType] = "exec"
	node.Data[health.DataKeyCheckCommand] = "false"
	require.NoError(t, store.UpdateNode(node))

	id, err := e.SubmitNodeAction(node.ID, types.NodeCheck, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionFailed, a.Status)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, types.NodeError, got.Status)
}

// TestNodeRecover_DefaultOperationIsReboot covers the default REBOOT
// operation parameter and confirms the node ends ACTIVE again.
func TestNodeRecover_DefaultOperationIsReboot(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)
	node.Status = types.NodeError
	require.NoError(t, store.UpdateNode(node))

	id, err := e.SubmitNodeAction(node.ID, types.NodeRecover, nil)
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionSucceeded, a.Status)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, types.NodeActive, got.Status)
}

// TestNodeOperation_EchoesInputsToOutputs exercises the generic
// NODE_OPERATION escape hatch: whatever operation/params were requested
// are recorded verbatim into the action's outputs.
func TestNodeOperation_EchoesInputsToOutputs(t *testing.T) {
	e, store := newTestEngine(t)
	node := registerTestNode(t, store, "", types.UnattachedIndex)

	id, err := e.SubmitNodeAction(node.ID, types.NodeOperation, map[string]string{
		"operation": "drain",
		"params":    "timeout=30",
	})
	require.NoError(t, err)
	a := waitTerminal(t, store, id)
	require.Equal(t, types.ActionSucceeded, a.Status)
	require.Equal(t, "drain", a.Outputs["operation"])
	require.Equal(t, "timeout=30", a.Outputs["params"])
}
