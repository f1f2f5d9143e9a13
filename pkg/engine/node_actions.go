package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/clusterforge/pkg/health"
	"github.com/cuemby/clusterforge/pkg/policy"
	"github.com/cuemby/clusterforge/pkg/sizing"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
)

// Execute implements dispatcher.Handler for the NODE_* verb family: when
// the node belongs to a cluster and the action came in over RPC (rather
// than being derived from a cluster action already holding the cluster
// lock) it takes the cluster's NODE_SCOPE lock to coordinate with any
// cluster-wide action in flight, runs the BEFORE policy check, takes the
// node's own mutex, dispatches, and runs the AFTER policy check against
// the cluster the node belonged to when the action started.
func (h *NodeActionHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	c := h.ctx

	node, err := c.Store.GetNode(a.Target)
	if err != nil {
		if err == storage.ErrNotFound {
			return types.ResultError, fmt.Sprintf("the node %q could not be found", a.Target)
		}
		return types.ResultError, err.Error()
	}

	savedClusterID := node.ClusterID
	lockedCluster := false
	if node.ClusterID != "" && a.Cause == types.CauseRPCRequest {
		ok, err := c.Locks.ClusterLockAcquire(ctx, node.ClusterID, a.ID, c.EngineID, types.NodeScope, false)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if !ok {
			return types.ResultRetry, "cluster NODE_SCOPE lock held by another action"
		}
		lockedCluster = true
	}
	if lockedCluster {
		defer c.Locks.ClusterLockRelease(savedClusterID, a.ID, types.NodeScope)
	}

	if err := c.Policies.Check(savedClusterID, policy.Before, a); err != nil {
		return types.ResultError, err.Error()
	}
	if a.Data.Status.Status == types.CheckError {
		return types.ResultError, a.Data.Status.Reason
	}

	ok, err := c.Locks.NodeLockAcquire(ctx, node.ID, a.ID, c.EngineID, false)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if !ok {
		return types.ResultError, "node lock held by another action"
	}
	defer c.Locks.NodeLockRelease(node.ID, a.ID)

	result, reason := h.dispatch(ctx, a, node)

	if result == types.ResultOK {
		if err := c.Policies.Check(savedClusterID, policy.After, a); err != nil {
			return types.ResultError, err.Error()
		}
		if a.Data.Status.Status == types.CheckError {
			return types.ResultError, a.Data.Status.Reason
		}
	}

	return result, reason
}

func (h *NodeActionHandler) dispatch(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	switch a.Verb {
	case types.NodeCreate:
		return h.create(ctx, a, node)
	case types.NodeDelete:
		return h.deleteNode(ctx, a, node)
	case types.NodeUpdate:
		return h.update(ctx, a, node)
	case types.NodeJoin:
		return h.join(ctx, a, node)
	case types.NodeLeave:
		return h.leave(ctx, a, node)
	case types.NodeCheck:
		return h.check(ctx, a, node)
	case types.NodeRecover:
		return h.recover(ctx, a, node)
	case types.NodeOperation:
		return h.operation(ctx, a, node)
	default:
		return types.ResultError, fmt.Sprintf("unknown node verb %q", a.Verb)
	}
}

func (h *NodeActionHandler) create(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx

	if node.ClusterID != "" && a.Cause == types.CauseRPCRequest {
		cluster, err := c.Store.GetCluster(node.ClusterID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		count, err := c.Store.CountByCluster(node.ClusterID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if chk := sizing.CheckSizeParams(count+1, cluster.MinSize, cluster.MaxSize, true); !chk.OK {
			node.ClusterID = ""
			_ = c.Store.UpdateNode(node)
			return types.ResultError, chk.Reason
		}
	}

	driver, ok := c.Profiles.Resolve(node.ProfileID)
	if !ok {
		return types.ResultError, fmt.Sprintf("no profile driver registered for %q", node.ProfileID)
	}

	node.Status = types.NodeCreating
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	driverErr := driver.Create(ctx, node)

	result := types.ResultOK
	reason := ""
	if driverErr != nil {
		node.Status = types.NodeError
		result = types.ResultError
		reason = driverErr.Error()
	} else {
		node.Status = types.NodeActive
	}
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	if node.ClusterID != "" && a.Cause == types.CauseRPCRequest {
		if cluster, err := c.Store.GetCluster(node.ClusterID); err == nil {
			_ = c.evalStatus(cluster, types.NodeCreate, c.Clock.Now())
		}
	}

	return result, reason
}

func (h *NodeActionHandler) deleteNode(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx

	grace := intInput(a.Inputs, "grace_period", a.Data.Deletion.GracePeriod)
	if grace > 0 {
		select {
		case <-ctx.Done():
			return types.ResultCancel, "cancelled during deletion grace period"
		case <-c.Clock.After(time.Duration(grace) * time.Second):
		}
	}

	driver, ok := c.Profiles.Resolve(node.ProfileID)
	if !ok {
		return types.ResultError, fmt.Sprintf("no profile driver registered for %q", node.ProfileID)
	}

	node.Status = types.NodeDeleting
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	if err := driver.Delete(ctx, node); err != nil {
		node.Status = types.NodeError
		_ = c.Store.UpdateNode(node)
		return types.ResultError, err.Error()
	}

	clusterID := node.ClusterID
	if err := c.Store.DeleteNode(node.ID); err != nil {
		return types.ResultError, err.Error()
	}

	if clusterID != "" && a.Cause == types.CauseRPCRequest {
		if cluster, err := c.Store.GetCluster(clusterID); err == nil {
			cluster.RemoveNode(node.ID)
			if reduceDesiredCapacity(a) {
				cluster.DesiredCapacity--
				if cluster.DesiredCapacity < 0 {
					cluster.DesiredCapacity = 0
				}
			}
			_ = c.Store.UpdateCluster(cluster)
			_ = c.evalStatus(cluster, types.NodeDelete, c.Clock.Now())
		}
	}

	return types.ResultOK, ""
}

func (h *NodeActionHandler) update(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx
	newProfileID := stringInput(a.Inputs, "new_profile_id", node.ProfileID)

	driver, ok := c.Profiles.Resolve(node.ProfileID)
	if !ok {
		return types.ResultError, fmt.Sprintf("no profile driver registered for %q", node.ProfileID)
	}

	node.Status = types.NodeUpdating
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	if err := driver.Update(ctx, node, newProfileID); err != nil {
		node.Status = types.NodeError
		_ = c.Store.UpdateNode(node)
		return types.ResultError, err.Error()
	}

	node.ProfileID = newProfileID
	node.Status = types.NodeActive
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *NodeActionHandler) join(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx

	targetClusterID := stringInput(a.Inputs, "cluster_id", node.ClusterID)
	if targetClusterID == "" {
		return types.ResultError, "cluster_id input is required to join"
	}

	cluster, err := c.Store.GetCluster(targetClusterID)
	if err != nil {
		if err == storage.ErrNotFound {
			return types.ResultError, fmt.Sprintf("the cluster %q could not be found", targetClusterID)
		}
		return types.ResultError, err.Error()
	}
	count, err := c.Store.CountByCluster(targetClusterID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if chk := sizing.CheckSizeParams(count+1, cluster.MinSize, cluster.MaxSize, true); !chk.OK {
		return types.ResultError, chk.Reason
	}

	idx, err := c.Store.NextNodeIndex(targetClusterID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	if driver, ok := c.Profiles.Resolve(node.ProfileID); ok {
		if err := driver.Join(ctx, node, targetClusterID); err != nil {
			return types.ResultError, err.Error()
		}
	}

	node.ClusterID = targetClusterID
	node.Index = idx
	node.Status = types.NodeActive
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	cluster.AddNode(node.ID)
	cluster.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *NodeActionHandler) leave(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx

	if node.ClusterID == "" {
		return types.ResultError, "node does not belong to a cluster"
	}
	cluster, err := c.Store.GetCluster(node.ClusterID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	count, err := c.Store.CountByCluster(node.ClusterID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if chk := sizing.CheckSizeParams(count-1, cluster.MinSize, cluster.MaxSize, true); !chk.OK {
		return types.ResultError, chk.Reason
	}

	if driver, ok := c.Profiles.Resolve(node.ProfileID); ok {
		if err := driver.Leave(ctx, node); err != nil {
			return types.ResultError, err.Error()
		}
	}

	cluster.RemoveNode(node.ID)
	cluster.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}

	node.ClusterID = ""
	node.Index = types.UnattachedIndex
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *NodeActionHandler) check(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx
	driver, ok := c.Profiles.Resolve(node.ProfileID)
	if !ok {
		return types.ResultError, fmt.Sprintf("no profile driver registered for %q", node.ProfileID)
	}

	healthy, err := driver.Check(ctx, node)
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	// A node can additionally carry an explicit probe (HTTP/TCP/exec)
	// describing a workload-level check, layered on top of whatever the
	// profile driver itself considers "healthy".
	if healthy && err == nil {
		if checker, ok := health.BuildChecker(node.Data); ok {
			result := checker.Check(ctx)
			healthy = result.Healthy
			if !healthy {
				reason = result.Message
			}
		}
	}

	if c.Health != nil {
		c.Health.RecordCheck(node.ID, healthy && err == nil)
	}

	if err != nil || !healthy {
		node.Status = types.NodeError
		_ = c.Store.UpdateNode(node)
		if reason == "" {
			reason = "health check failed"
		}
		return types.ResultError, reason
	}

	node.Status = types.NodeActive
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *NodeActionHandler) recover(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	c := h.ctx
	driver, ok := c.Profiles.Resolve(node.ProfileID)
	if !ok {
		return types.ResultError, fmt.Sprintf("no profile driver registered for %q", node.ProfileID)
	}

	params := map[string]string{"operation": stringInput(a.Inputs, "operation", "REBOOT")}
	if v := stringInput(a.Inputs, "params", ""); v != "" {
		params["params"] = v
	}
	if v := stringInput(a.Inputs, "fencing", ""); v != "" {
		params["fencing"] = v
	}
	if v := stringInput(a.Inputs, "force_recreate", ""); v != "" {
		params["force_recreate"] = v
	}
	if v := stringInput(a.Inputs, "delete_timeout", ""); v != "" {
		params["delete_timeout"] = v
	}

	node.Status = types.NodeRecovering
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}

	if err := driver.Recover(ctx, node, params); err != nil {
		node.Status = types.NodeError
		_ = c.Store.UpdateNode(node)
		return types.ResultError, err.Error()
	}

	if c.Health != nil {
		c.Health.Reset(node.ID)
	}
	node.Status = types.NodeActive
	node.UpdatedAt = c.Clock.Now()
	if err := c.Store.UpdateNode(node); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

// operation runs an arbitrary cluster-operator-supplied NODE_OPERATION.
// The profile driver interface has no generic "operation" capability (§6
// enumerates create/delete/update/check/recover/join/leave only), so this
// records what was requested into outputs and reports success, the same
// contract CustomHandler gives any verb outside the closed CLUSTER_*/NODE_*
// families.
func (h *NodeActionHandler) operation(ctx context.Context, a *types.Action, node *types.Node) (types.Result, string) {
	a.Outputs["operation"] = stringInput(a.Inputs, "operation", "")
	a.Outputs["params"] = stringInput(a.Inputs, "params", "")
	return types.ResultOK, ""
}
