package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/clusterforge/pkg/action"
	"github.com/cuemby/clusterforge/pkg/dependency"
	"github.com/cuemby/clusterforge/pkg/health"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/google/uuid"
)

// spawnChildren creates len(specs) derived actions, wires the parent as a
// dependent of all of them, marks them READY, and wakes the dispatcher.
// specs[i] describes one child's target/verb/inputs.
type childSpec struct {
	Target string
	Verb   types.Verb
	Inputs map[string]string
}

func (c *Context) spawnChildren(parentActionID string, specs []childSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		id, err := c.Actions.Create(s.Target, s.Verb, action.CreateOptions{
			Inputs: s.Inputs,
			Cause:  types.CauseDerivedAction,
			Name:   fmt.Sprintf("%s_%s", s.Verb, s.Target),
		})
		if err != nil {
			return nil, fmt.Errorf("create derived action: %w", err)
		}
		ids = append(ids, id)
	}

	if len(ids) > 0 {
		if err := c.Deps.Add(ids, parentActionID); err != nil {
			return nil, fmt.Errorf("record dependency: %w", err)
		}
		metrics.DependencyFanOut.Observe(float64(len(ids)))
		for _, id := range ids {
			c.Dispatcher.Submit(id)
		}
	}

	return ids, nil
}

// waitForChildren blocks the current handler until every child action in
// childIDs is terminal, the parent times out, or it is cancelled, honoring
// max_actions_per_batch / batch_interval pacing is the caller's job.
func (c *Context) waitForChildren(ctx context.Context, parentActionID string, childIDs []string) (types.Result, string) {
	if len(childIDs) == 0 {
		return types.ResultOK, ""
	}

	outcome, reason, err := c.Deps.WaitForDependents(ctx, parentActionID, childIDs)
	if err != nil {
		return types.ResultError, err.Error()
	}

	switch outcome {
	case dependency.WaitOK:
		return types.ResultOK, ""
	case dependency.WaitError:
		return types.ResultError, reason
	case dependency.WaitCancel:
		return types.ResultCancel, reason
	case dependency.WaitTimeout:
		return types.ResultTimeout, reason
	default:
		return types.ResultError, "unknown wait outcome"
	}
}

// createNodes provisions count new Node rows under cluster and derives a
// NODE_CREATE child per node, returning the new node IDs once every child
// has reached terminal status.
func (c *Context) createNodes(ctx context.Context, parentActionID string, cluster *types.Cluster, count int) ([]string, types.Result, string, error) {
	format := cluster.Config["node.name.format"]
	if format == "" {
		format = c.Config.NodeNameFormat
	}

	nodeIDs := make([]string, 0, count)
	specs := make([]childSpec, 0, count)
	now := c.Clock.Now()

	for i := 0; i < count; i++ {
		idx, err := c.Store.NextNodeIndex(cluster.ID)
		if err != nil {
			return nil, types.ResultError, "", fmt.Errorf("allocate node index: %w", err)
		}

		node := &types.Node{
			ID:        uuid.NewString(),
			Index:     idx,
			ClusterID: cluster.ID,
			ProfileID: cluster.ProfileID,
			Status:    types.NodeInit,
			Role:      "member",
			Data:      map[string]string{"name": formatNodeName(format, idx)},
			Metadata:  map[string]string{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.Store.CreateNode(node); err != nil {
			return nil, types.ResultError, "", fmt.Errorf("create node: %w", err)
		}
		cluster.AddNode(node.ID)

		nodeIDs = append(nodeIDs, node.ID)
		specs = append(specs, childSpec{Target: node.ID, Verb: types.NodeCreate})
	}
	if err := c.Store.UpdateCluster(cluster); err != nil {
		return nil, types.ResultError, "", fmt.Errorf("update cluster membership: %w", err)
	}

	childIDs, err := c.spawnChildren(parentActionID, specs)
	if err != nil {
		return nil, types.ResultError, "", err
	}

	result, reason := c.waitForChildren(ctx, parentActionID, childIDs)
	return nodeIDs, result, reason, nil
}

// deleteNodes derives a NODE_LEAVE or NODE_DELETE child per candidate
// (verb chosen by destroyAfterDeletion) and, on success, drops cluster
// membership for each.
func (c *Context) deleteNodes(ctx context.Context, parentActionID string, cluster *types.Cluster, candidates []string, destroyAfterDeletion bool) (types.Result, string, error) {
	verb := types.NodeLeave
	if destroyAfterDeletion {
		verb = types.NodeDelete
	}

	specs := make([]childSpec, 0, len(candidates))
	for _, id := range candidates {
		specs = append(specs, childSpec{Target: id, Verb: verb})
	}

	childIDs, err := c.spawnChildren(parentActionID, specs)
	if err != nil {
		return types.ResultError, "", err
	}

	result, reason := c.waitForChildren(ctx, parentActionID, childIDs)
	if result == types.ResultOK {
		for _, id := range candidates {
			cluster.RemoveNode(id)
		}
		if err := c.Store.UpdateCluster(cluster); err != nil {
			return types.ResultError, "", fmt.Errorf("update cluster membership: %w", err)
		}
	}
	return result, reason, nil
}

// updateNodes derives a NODE_UPDATE child per node in nodeIDs carrying
// new_profile_id in its inputs, either flat (all depend only on the
// parent) or in sequential batches when plan is non-empty.
func (c *Context) updateNodes(ctx context.Context, parentActionID string, newProfileID string, nodeIDs []string, plan []types.UpdateBatch, pauseTime int) (types.Result, string, error) {
	inputs := map[string]string{"new_profile_id": newProfileID}

	if len(plan) == 0 {
		specs := make([]childSpec, 0, len(nodeIDs))
		for _, id := range nodeIDs {
			specs = append(specs, childSpec{Target: id, Verb: types.NodeUpdate, Inputs: inputs})
		}
		childIDs, err := c.spawnChildren(parentActionID, specs)
		if err != nil {
			return types.ResultError, "", err
		}
		return resultFrom(c.waitForChildren(ctx, parentActionID, childIDs))
	}

	for i, batch := range plan {
		specs := make([]childSpec, 0, len(batch.NodeIDs))
		for _, id := range batch.NodeIDs {
			specs = append(specs, childSpec{Target: id, Verb: types.NodeUpdate, Inputs: inputs})
		}
		childIDs, err := c.spawnChildren(parentActionID, specs)
		if err != nil {
			return types.ResultError, "", err
		}
		result, reason := c.waitForChildren(ctx, parentActionID, childIDs)
		if result != types.ResultOK {
			return result, reason, nil
		}

		if i < len(plan)-1 && pauseTime > 0 {
			select {
			case <-ctx.Done():
				return types.ResultCancel, "cancelled during batch pause", nil
			case <-c.Clock.After(time.Duration(pauseTime) * time.Second):
			}
		}
	}

	return types.ResultOK, "", nil
}

func resultFrom(result types.Result, reason string) (types.Result, string, error) {
	return result, reason, nil
}

// actionCreateOpts builds the default derived-action options for a simple
// child with no extra inputs, used where the caller needs to thread its own
// dependency wiring (e.g. CLUSTER_REPLACE_NODES's LEAVE-before-JOIN pairs)
// instead of going through spawnChildren.
func actionCreateOpts(parentActionID string) action.CreateOptions {
	return action.CreateOptions{Cause: types.CauseDerivedAction}
}

// actionCreateOptsWithInputsAndDeps is actionCreateOpts plus inputs and an
// explicit depends_on list, for a child that must wait on a sibling rather
// than only on the parent.
func actionCreateOptsWithInputsAndDeps(parentActionID string, inputs map[string]string, dependsOn []string) action.CreateOptions {
	return action.CreateOptions{Cause: types.CauseDerivedAction, Inputs: inputs, DependsOn: dependsOn}
}

// healthRecoverAction resolves the recovery operation/params a NODE_RECOVER
// child should carry: whatever a policy already wrote into
// action.data.health, or the health registry's escalating default.
func healthRecoverAction(c *Context, existing types.Health, nodeID string) map[string]string {
	resolved := health.ResolveRecoverAction(existing, c.Health, nodeID)
	if resolved.RecoverAction != nil {
		return resolved.RecoverAction
	}
	return map[string]string{}
}
