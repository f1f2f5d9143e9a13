// Package policy implements the PolicyEngine: loading enabled bindings for
// a cluster in priority order, enforcing cooldown, and invoking each bound
// policy's pre_op/post_op hook around an action's execution.
package policy

import (
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
)

// Target is where in an action's lifecycle a policy may run.
type Target string

const (
	Before Target = "BEFORE"
	After  Target = "AFTER"
)

// Policy is the plug-in interface every policy implements. It is opaque to
// the engine beyond ordering, cooldown, and the action.data hand-off.
type Policy interface {
	// ID is the policy's identifier, matching ClusterPolicyBinding.PolicyID.
	ID() string
	// Type is the conflict-detection key recorded at attach time.
	Type() string
	// Targets lists the (Target, Verb) pairs this policy runs for.
	Targets() []TargetVerb
	// ProfileTypes this policy applies to; empty means all.
	ProfileTypes() []string
	// PreOp runs when Target == BEFORE for a matching verb.
	PreOp(clusterID string, a *types.Action) error
	// PostOp runs when Target == AFTER for a matching verb.
	PostOp(clusterID string, a *types.Action) error
}

// TargetVerb pairs a Target with the Verb it applies to.
type TargetVerb struct {
	Target Target
	Verb   types.Verb
}

// Engine runs policy_check against a Store's bindings and a registered set
// of Policy plug-ins, keyed by PolicyID.
type Engine struct {
	store    storage.Store
	clk      clock.Clock
	policies map[string]Policy
}

// NewEngine constructs an Engine with no policies registered; call Register
// for each plug-in the deployment enables.
func NewEngine(store storage.Store, clk clock.Clock) *Engine {
	return &Engine{store: store, clk: clk, policies: make(map[string]Policy)}
}

// Register adds a policy plug-in, keyed by its own ID.
func (e *Engine) Register(p Policy) {
	e.policies[p.ID()] = p
}

// Lookup resolves a registered policy plug-in by its ID, used by
// CLUSTER_ATTACH_POLICY to turn an id from the wire into the Policy value
// AttachBinding needs.
func (e *Engine) Lookup(policyID string) (Policy, bool) {
	p, ok := e.policies[policyID]
	return p, ok
}

// Check runs policy_check(cluster_id, target) against a, mutating
// a.Data.Status (and whatever sub-structure a policy writes) in place.
// It returns nil on CHECK_OK or CHECK_ERROR alike; callers consult
// a.Data.Status.Status to decide whether to fail the action. A non-nil
// error means the engine itself malfunctioned (bad binding, store error).
func (e *Engine) Check(clusterID string, target Target, a *types.Action) error {
	bindings, err := e.store.ListPolicyBindings(clusterID)
	if err != nil {
		return err
	}

	a.Data.Status = types.Status{Status: types.CheckOK, Reason: "Completed policy checking."}

	now := e.clk.Now()
	logger := log.WithClusterID(clusterID).With().Str("action_id", a.ID).Logger()

	for _, pb := range bindings {
		if target == After {
			pb.LastOp = now
			if err := e.store.UpdatePolicyBinding(pb); err != nil {
				return err
			}
		}

		p, ok := e.policies[pb.PolicyID]
		if !ok {
			continue
		}
		if !appliesTo(p, target, a.Verb) {
			continue
		}

		if pb.CooldownInProgress(now) {
			a.Data.Status = types.Status{
				Status: types.CheckError,
				Reason: "policy " + pb.PolicyID + " cooldown in progress",
			}
			metrics.PolicyCooldownRejectionsTotal.WithLabelValues(pb.PolicyType).Inc()
			logger.Info().Str("policy_id", pb.PolicyID).Msg("policy cooldown in progress, aborting check")
			return nil
		}

		timer := metrics.NewTimer()
		var hookErr error
		if target == Before {
			hookErr = p.PreOp(clusterID, a)
		} else {
			hookErr = p.PostOp(clusterID, a)
		}
		timer.ObserveDurationVec(metrics.PolicyCheckDuration, pb.PolicyType, string(target))

		if hookErr != nil {
			a.Data.Status = types.Status{Status: types.CheckError, Reason: hookErr.Error()}
			logger.Warn().Err(hookErr).Str("policy_id", pb.PolicyID).Msg("policy hook failed")
			return nil
		}

		if a.Data.Status.Status == types.CheckError {
			logger.Warn().Str("policy_id", pb.PolicyID).Str("reason", a.Data.Status.Reason).Msg("policy check aborted")
			return nil
		}
	}

	return nil
}

func appliesTo(p Policy, target Target, verb types.Verb) bool {
	for _, tv := range p.Targets() {
		if tv.Target == target && tv.Verb == verb {
			return true
		}
	}
	return false
}

// AttachBinding creates a ClusterPolicyBinding, rejecting a duplicate
// PolicyType already bound to the cluster.
func (e *Engine) AttachBinding(clusterID string, p Policy, priority, cooldown int) error {
	existing, err := e.store.ListPolicyBindings(clusterID)
	if err != nil {
		return err
	}
	for _, pb := range existing {
		if pb.PolicyType == p.Type() {
			return &ConflictError{ClusterID: clusterID, PolicyType: p.Type()}
		}
	}

	return e.store.CreatePolicyBinding(&types.ClusterPolicyBinding{
		ClusterID:  clusterID,
		PolicyID:   p.ID(),
		PolicyType: p.Type(),
		Enabled:    true,
		Priority:   priority,
		Cooldown:   cooldown,
		LastOp:     time.Time{},
	})
}

// DetachBinding removes a policy binding from a cluster.
func (e *Engine) DetachBinding(clusterID, policyID string) error {
	return e.store.DeletePolicyBinding(clusterID, policyID)
}

// ConflictError reports an attach attempt that collides with an
// already-bound policy of the same type.
type ConflictError struct {
	ClusterID  string
	PolicyType string
}

func (e *ConflictError) Error() string {
	return "policy type " + e.PolicyType + " already bound to cluster " + e.ClusterID
}
