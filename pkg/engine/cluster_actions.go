package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/clusterforge/pkg/policy"
	"github.com/cuemby/clusterforge/pkg/sizing"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
)

// Execute implements dispatcher.Handler for the CLUSTER_* verb family: it
// acquires the cluster's exclusive lock, runs the BEFORE policy check,
// dispatches to the verb-specific method, runs the AFTER policy check on
// success, and releases the lock on every exit path.
func (h *ClusterActionHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	c := h.ctx

	cluster, err := c.Store.GetCluster(a.Target)
	if err != nil {
		if err == storage.ErrNotFound {
			return types.ResultError, fmt.Sprintf("the cluster %q could not be found", a.Target)
		}
		return types.ResultError, err.Error()
	}

	forced := a.Verb == types.ClusterDelete
	ok, err := c.Locks.ClusterLockAcquire(ctx, cluster.ID, a.ID, c.EngineID, types.ClusterScope, forced)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if !ok {
		return types.ResultRetry, "cluster lock held by another action"
	}
	defer c.Locks.ClusterLockRelease(cluster.ID, a.ID, types.ClusterScope)

	if err := c.Policies.Check(cluster.ID, policy.Before, a); err != nil {
		return types.ResultError, err.Error()
	}
	if a.Data.Status.Status == types.CheckError {
		return types.ResultError, a.Data.Status.Reason
	}

	result, reason := h.dispatch(ctx, a, cluster)

	if result == types.ResultOK {
		if err := c.Policies.Check(cluster.ID, policy.After, a); err != nil {
			return types.ResultError, err.Error()
		}
		if a.Data.Status.Status == types.CheckError {
			return types.ResultError, a.Data.Status.Reason
		}
	}

	return result, reason
}

func (h *ClusterActionHandler) dispatch(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	switch a.Verb {
	case types.ClusterCreate:
		return h.create(ctx, a, cluster)
	case types.ClusterDelete:
		return h.delete(ctx, a, cluster)
	case types.ClusterUpdate:
		return h.update(ctx, a, cluster)
	case types.ClusterResize, types.ClusterScaleOut, types.ClusterScaleIn:
		return h.resize(ctx, a, cluster)
	case types.ClusterAddNodes:
		return h.addNodes(ctx, a, cluster)
	case types.ClusterDelNodes:
		return h.delNodes(ctx, a, cluster)
	case types.ClusterReplaceNodes:
		return h.replaceNodes(ctx, a, cluster)
	case types.ClusterCheck:
		return h.check(ctx, a, cluster)
	case types.ClusterRecover:
		return h.recover(ctx, a, cluster)
	case types.ClusterOperation:
		return h.operation(ctx, a, cluster)
	case types.ClusterAttachPolicy:
		return h.attachPolicy(a, cluster)
	case types.ClusterDetachPolicy:
		return h.detachPolicy(a, cluster)
	case types.ClusterUpdatePolicy:
		return h.updatePolicy(a, cluster)
	default:
		return types.ResultError, fmt.Sprintf("unknown cluster verb %q", a.Verb)
	}
}

func (h *ClusterActionHandler) create(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	now := c.Clock.Now()

	cluster.Status = types.ClusterCreating
	cluster.InitAt = now
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}

	nodeIDs, result, reason, err := c.createNodes(ctx, a.ID, cluster, cluster.DesiredCapacity)
	if err != nil {
		return types.ResultError, err.Error()
	}
	a.Outputs["nodes_added"] = joinIDs(nodeIDs)

	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	if err := c.evalStatus(cluster, types.ClusterCreate, now); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) delete(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	cluster.Status = types.ClusterDeleting
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}

	candidates := sortedNodeIDs(cluster)
	if len(candidates) > 0 {
		destroyAfterDeletion := true
		if a.Data.Deletion.ReduceSet {
			destroyAfterDeletion = a.Data.Deletion.DestroyAfterDeletion
		}

		if a.Data.Deletion.GracePeriod > 0 {
			if cancelled := c.sleep(ctx, time.Duration(a.Data.Deletion.GracePeriod)*time.Second); cancelled {
				return types.ResultCancel, "cancelled during deletion grace period"
			}
		}

		result, reason, err := c.deleteNodesBatched(ctx, a, cluster, candidates, destroyAfterDeletion)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if result != types.ResultOK {
			c.reconcileError(cluster, reason)
			return result, reason
		}
	}

	if !c.doDeleteCluster(cluster) {
		reason := "cluster still has member nodes"
		c.reconcileError(cluster, reason)
		return types.ResultError, reason
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) update(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	now := c.Clock.Now()

	if name := stringInput(a.Inputs, "name", ""); name != "" {
		cluster.Name = name
	}
	if md := stringInput(a.Inputs, "metadata", ""); md != "" {
		if cluster.Data == nil {
			cluster.Data = map[string]string{}
		}
		cluster.Data["metadata"] = md
	}

	newProfileID := stringInput(a.Inputs, "profile_id", cluster.ProfileID)

	if boolInput(a.Inputs, "profile_only", false) {
		cluster.ProfileID = newProfileID
		cluster.UpdatedAt = now
		if err := c.Store.UpdateCluster(cluster); err != nil {
			return types.ResultError, err.Error()
		}
		return types.ResultOK, ""
	}

	if cluster.NodeCount() == 0 {
		cluster.ProfileID = newProfileID
		cluster.UpdatedAt = now
		if err := c.Store.UpdateCluster(cluster); err != nil {
			return types.ResultError, err.Error()
		}
		return types.ResultOK, ""
	}

	cluster.Status = types.ClusterUpdating
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}

	nodeIDs := sortedNodeIDs(cluster)
	result, reason, err := c.updateNodes(ctx, a.ID, newProfileID, nodeIDs, a.Data.Update.Plan, a.Data.Update.PauseTime)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	cluster.ProfileID = newProfileID
	if err := c.evalStatus(cluster, types.ClusterUpdate, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) resize(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	target, result, reason := c.computeTargetCapacity(a, cluster)
	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	delta := target - cluster.DesiredCapacity
	cluster.DesiredCapacity = target

	if delta == 0 {
		if err := c.Store.UpdateCluster(cluster); err != nil {
			return types.ResultError, err.Error()
		}
		return types.ResultOK, ""
	}

	cluster.Status = types.ClusterResizing
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return types.ResultError, err.Error()
	}

	var (
		opResult types.Result
		opReason string
		err      error
	)

	if delta > 0 {
		var nodeIDs []string
		nodeIDs, opResult, opReason, err = c.createNodes(ctx, a.ID, cluster, delta)
		a.Outputs["nodes_added"] = joinIDs(nodeIDs)
	} else {
		candidates := a.Data.Deletion.Candidates
		if len(candidates) == 0 {
			candidates = pickCandidates(cluster, -delta)
		}
		if a.Data.Deletion.GracePeriod > 0 {
			if cancelled := c.sleep(ctx, time.Duration(a.Data.Deletion.GracePeriod)*time.Second); cancelled {
				return types.ResultCancel, "cancelled during deletion grace period"
			}
		}
		destroyAfterDeletion := true
		if a.Data.Deletion.ReduceSet {
			destroyAfterDeletion = a.Data.Deletion.DestroyAfterDeletion
		}
		opResult, opReason, err = c.deleteNodesBatched(ctx, a, cluster, candidates, destroyAfterDeletion)
	}
	if err != nil {
		return types.ResultError, err.Error()
	}
	if opResult != types.ResultOK {
		c.reconcileError(cluster, opReason)
		return opResult, opReason
	}

	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) addNodes(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	ids := csvInput(a.Inputs, "node_ids")
	if len(ids) == 0 {
		return types.ResultError, "node_ids input is required"
	}

	for _, id := range ids {
		n, err := c.Store.GetNode(id)
		if err != nil {
			if err == storage.ErrNotFound {
				return types.ResultError, fmt.Sprintf("the node %q could not be found", id)
			}
			return types.ResultError, err.Error()
		}
		if n.ClusterID != "" {
			return types.ResultError, fmt.Sprintf("node %s already belongs to a cluster", id)
		}
		if n.Status != types.NodeActive {
			return types.ResultError, fmt.Sprintf("node %s is not ACTIVE", id)
		}
	}

	specs := make([]childSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, childSpec{Target: id, Verb: types.NodeJoin, Inputs: map[string]string{"cluster_id": cluster.ID}})
	}
	childIDs, err := c.spawnChildren(a.ID, specs)
	if err != nil {
		return types.ResultError, err.Error()
	}
	result, reason := c.waitForChildren(ctx, a.ID, childIDs)
	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	cluster, err = c.Store.GetCluster(cluster.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if reduceDesiredCapacity(a) {
		cluster.DesiredCapacity += len(ids)
	}
	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) delNodes(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	ids := csvInput(a.Inputs, "node_ids")
	if len(ids) == 0 {
		return types.ResultError, "node_ids input is required"
	}
	for _, id := range ids {
		n, err := c.Store.GetNode(id)
		if err != nil {
			if err == storage.ErrNotFound {
				return types.ResultError, fmt.Sprintf("the node %q could not be found", id)
			}
			return types.ResultError, err.Error()
		}
		if n.ClusterID != cluster.ID {
			return types.ResultError, fmt.Sprintf("node %s does not belong to cluster %s", id, cluster.ID)
		}
	}

	destroyAfterDeletion := true
	if a.Data.Deletion.ReduceSet {
		destroyAfterDeletion = a.Data.Deletion.DestroyAfterDeletion
	}
	result, reason, err := c.deleteNodesBatched(ctx, a, cluster, ids, destroyAfterDeletion)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	cluster, err = c.Store.GetCluster(cluster.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if reduceDesiredCapacity(a) {
		cluster.DesiredCapacity -= len(ids)
		if cluster.DesiredCapacity < 0 {
			cluster.DesiredCapacity = 0
		}
	}
	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) replaceNodes(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	pairs := csvInput(a.Inputs, "pairs")
	if len(pairs) == 0 {
		return types.ResultError, "pairs input is required (old_id:new_id[,...])"
	}

	var leaveIDs, newJoinIDs []string
	var oldIDs, newIDs []string
	for _, pair := range pairs {
		oldID, newID, ok := splitPair(pair)
		if !ok {
			return types.ResultError, fmt.Sprintf("malformed replace pair %q", pair)
		}
		leaveID, err := c.Actions.Create(oldID, types.NodeLeave, actionCreateOpts(a.ID))
		if err != nil {
			return types.ResultError, err.Error()
		}
		joinID, err := c.Actions.Create(newID, types.NodeJoin, actionCreateOptsWithInputsAndDeps(a.ID, map[string]string{"cluster_id": cluster.ID}, []string{leaveID}))
		if err != nil {
			return types.ResultError, err.Error()
		}
		leaveIDs = append(leaveIDs, leaveID)
		newJoinIDs = append(newJoinIDs, joinID)
		oldIDs = append(oldIDs, oldID)
		newIDs = append(newIDs, newID)
	}

	all := append(append([]string{}, leaveIDs...), newJoinIDs...)
	if err := c.Deps.Add(all, a.ID); err != nil {
		return types.ResultError, err.Error()
	}
	for _, id := range leaveIDs {
		c.Dispatcher.Submit(id)
	}

	result, reason := c.waitForChildren(ctx, a.ID, all)
	if result != types.ResultOK {
		c.reconcileError(cluster, reason)
		return result, reason
	}

	cluster, err := c.Store.GetCluster(cluster.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	for i := range oldIDs {
		cluster.RemoveNode(oldIDs[i])
		cluster.AddNode(newIDs[i])
	}
	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) check(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	specs := make([]childSpec, 0, cluster.NodeCount())
	for _, id := range sortedNodeIDs(cluster) {
		specs = append(specs, childSpec{Target: id, Verb: types.NodeCheck})
	}
	childIDs, err := c.spawnChildren(a.ID, specs)
	if err != nil {
		return types.ResultError, err.Error()
	}
	result, reason := c.waitForChildren(ctx, a.ID, childIDs)
	if result != types.ResultOK {
		return result, reason
	}
	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) recover(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx

	nodes, err := c.Store.GetAllByCluster(cluster.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	fencing := "false"
	if a.Data.Health.Fencing {
		fencing = "true"
	}

	var specs []childSpec
	for _, n := range nodes {
		if n.Status == types.NodeActive {
			continue
		}
		resolved := healthRecoverAction(c, a.Data.Health, n.ID)
		inputs := map[string]string{"fencing": fencing}
		for k, v := range resolved {
			inputs[k] = v
		}
		specs = append(specs, childSpec{Target: n.ID, Verb: types.NodeRecover, Inputs: inputs})
	}
	if len(specs) == 0 {
		return types.ResultOK, ""
	}

	childIDs, err := c.spawnChildren(a.ID, specs)
	if err != nil {
		return types.ResultError, err.Error()
	}
	result, reason := c.waitForChildren(ctx, a.ID, childIDs)
	if result != types.ResultOK {
		return result, reason
	}
	if err := c.evalStatus(cluster, a.Verb, c.Clock.Now()); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) operation(ctx context.Context, a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	ids := csvInput(a.Inputs, "node_ids")
	if len(ids) == 0 {
		ids = sortedNodeIDs(cluster)
	}

	inputs := map[string]string{
		"operation": stringInput(a.Inputs, "operation", ""),
		"params":    stringInput(a.Inputs, "params", ""),
	}

	specs := make([]childSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, childSpec{Target: id, Verb: types.NodeOperation, Inputs: inputs})
	}
	childIDs, err := c.spawnChildren(a.ID, specs)
	if err != nil {
		return types.ResultError, err.Error()
	}
	return c.waitForChildren(ctx, a.ID, childIDs)
}

func (h *ClusterActionHandler) attachPolicy(a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	policyID := stringInput(a.Inputs, "policy_id", "")
	if policyID == "" {
		return types.ResultError, "policy_id input is required"
	}
	p, ok := c.Policies.Lookup(policyID)
	if !ok {
		return types.ResultError, fmt.Sprintf("the policy %q could not be found", policyID)
	}
	priority := intInput(a.Inputs, "priority", 0)
	cooldown := intInput(a.Inputs, "cooldown", 0)
	if err := c.Policies.AttachBinding(cluster.ID, p, priority, cooldown); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) detachPolicy(a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	policyID := stringInput(a.Inputs, "policy_id", "")
	if policyID == "" {
		return types.ResultError, "policy_id input is required"
	}
	if err := c.Policies.DetachBinding(cluster.ID, policyID); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

func (h *ClusterActionHandler) updatePolicy(a *types.Action, cluster *types.Cluster) (types.Result, string) {
	c := h.ctx
	policyID := stringInput(a.Inputs, "policy_id", "")
	if policyID == "" {
		return types.ResultError, "policy_id input is required"
	}
	b, err := c.Store.GetPolicyBinding(cluster.ID, policyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return types.ResultError, fmt.Sprintf("no binding of policy %q on cluster %q", policyID, cluster.ID)
		}
		return types.ResultError, err.Error()
	}
	if v, ok := a.Inputs["priority"]; ok {
		b.Priority = intInput(map[string]string{"priority": v}, "priority", b.Priority)
	}
	if v, ok := a.Inputs["cooldown"]; ok {
		b.Cooldown = intInput(map[string]string{"cooldown": v}, "cooldown", b.Cooldown)
	}
	if v, ok := a.Inputs["enabled"]; ok {
		b.Enabled = boolInput(map[string]string{"enabled": v}, "enabled", b.Enabled)
	}
	if err := c.Store.UpdatePolicyBinding(b); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, ""
}

// computeTargetCapacity resolves the desired_capacity a resize-family verb
// should settle on, preferring policy-written data.creation/data.deletion
// counts over the action's own inputs, per §4.6.
func (c *Context) computeTargetCapacity(a *types.Action, cluster *types.Cluster) (int, types.Result, string) {
	strict := !boolInput(a.Inputs, "best_effort", false)

	var adj sizing.Adjustment
	switch {
	case a.Data.Creation.Count > 0:
		adj = sizing.Adjustment{Type: sizing.ChangeInCapacity, Number: float64(a.Data.Creation.Count)}
	case a.Data.Deletion.Count > 0:
		adj = sizing.Adjustment{Type: sizing.ChangeInCapacity, Number: -float64(a.Data.Deletion.Count)}
	case a.Verb == types.ClusterResize:
		adj = sizing.Adjustment{
			Type:    sizing.AdjustmentType(stringInput(a.Inputs, "adjustment_type", string(sizing.ExactCapacity))),
			Number:  floatInput(a.Inputs, "number", float64(cluster.DesiredCapacity)),
			MinStep: intInput(a.Inputs, "min_step", 0),
		}
		if v, ok := a.Inputs["strict"]; ok {
			strict = boolInput(map[string]string{"strict": v}, "strict", strict)
		}
	case a.Verb == types.ClusterScaleOut:
		adj = sizing.Adjustment{Type: sizing.ChangeInCapacity, Number: floatInput(a.Inputs, "count", 0)}
	case a.Verb == types.ClusterScaleIn:
		adj = sizing.Adjustment{Type: sizing.ChangeInCapacity, Number: -floatInput(a.Inputs, "count", 0)}
	default:
		return cluster.DesiredCapacity, types.ResultOK, ""
	}

	target, err := sizing.Resolve(adj, cluster.DesiredCapacity, cluster.MinSize, cluster.MaxSize, strict)
	if err != nil {
		return 0, types.ResultError, err.Error()
	}
	return target, types.ResultOK, ""
}

// deleteNodesBatched fans candidates out in waves of data.deletion.batch_size
// (all at once when unset), pausing data.deletion.pause_time between waves.
func (c *Context) deleteNodesBatched(ctx context.Context, a *types.Action, cluster *types.Cluster, candidates []string, destroyAfterDeletion bool) (types.Result, string, error) {
	batchSize := a.Data.Deletion.BatchSize
	if batchSize <= 0 || batchSize >= len(candidates) {
		return c.deleteNodes(ctx, a.ID, cluster, candidates, destroyAfterDeletion)
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		result, reason, err := c.deleteNodes(ctx, a.ID, cluster, candidates[start:end], destroyAfterDeletion)
		if err != nil || result != types.ResultOK {
			return result, reason, err
		}
		if end < len(candidates) && a.Data.Deletion.PauseTime > 0 {
			if cancelled := c.sleep(ctx, time.Duration(a.Data.Deletion.PauseTime)*time.Second); cancelled {
				return types.ResultCancel, "cancelled during delete batch pause", nil
			}
		}
	}
	return types.ResultOK, "", nil
}

// sleep waits for d or a context cancellation, reporting whether it was
// the latter; honors the requirement that handlers yield and re-check
// cancellation at every suspension point.
func (c *Context) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.Clock.After(d):
		return false
	}
}

// evalStatus reconciles cluster.Status against actual membership vs
// desired_capacity after a membership- or profile-changing action, per the
// GLOSSARY's "Eval status".
func (c *Context) evalStatus(cluster *types.Cluster, verb types.Verb, now time.Time) error {
	count, err := c.Store.CountByCluster(cluster.ID)
	if err != nil {
		return err
	}

	if count == cluster.DesiredCapacity {
		cluster.Status = types.ClusterActive
		cluster.StatusReason = ""
	} else {
		cluster.Status = types.ClusterWarning
		cluster.StatusReason = fmt.Sprintf("only %d of %d desired nodes are healthy", count, cluster.DesiredCapacity)
	}

	if verb == types.ClusterCreate {
		cluster.CreatedAt = now
	}
	cluster.UpdatedAt = now
	return c.Store.UpdateCluster(cluster)
}

// reconcileError sets cluster status to ERROR with reason and persists it;
// used on every non-OK result path so the cluster record never reports a
// transient in-flight status after its driving action has given up.
func (c *Context) reconcileError(cluster *types.Cluster, reason string) {
	cluster.Status = types.ClusterError
	cluster.StatusReason = reason
	cluster.UpdatedAt = c.Clock.Now()
	_ = c.Store.UpdateCluster(cluster)
}

// doDeleteCluster marks cluster DELETED if it has no remaining member
// nodes, mirroring do_delete()'s boolean outcome.
func (c *Context) doDeleteCluster(cluster *types.Cluster) bool {
	if cluster.NodeCount() != 0 {
		return false
	}
	cluster.Status = types.ClusterDeleted
	cluster.UpdatedAt = c.Clock.Now()
	_ = c.Store.UpdateCluster(cluster)
	return true
}

func sortedNodeIDs(cluster *types.Cluster) []string {
	ids := make([]string, 0, len(cluster.Nodes))
	for id := range cluster.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func pickCandidates(cluster *types.Cluster, count int) []string {
	ids := sortedNodeIDs(cluster)
	if count > len(ids) {
		count = len(ids)
	}
	return ids[:count]
}

func reduceDesiredCapacity(a *types.Action) bool {
	if a.Data.Deletion.ReduceSet {
		return a.Data.Deletion.ReduceDesiredCapacity
	}
	return true
}

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
