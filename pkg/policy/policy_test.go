package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePolicy is a scriptable Policy double: each hook call is recorded and
// optionally forced to fail or reject the check.
type fakePolicy struct {
	id, typ string
	targets []TargetVerb
	calls   []string
	preErr  error
	reject  bool
}

func (p *fakePolicy) ID() string                  { return p.id }
func (p *fakePolicy) Type() string                { return p.typ }
func (p *fakePolicy) Targets() []TargetVerb       { return p.targets }
func (p *fakePolicy) ProfileTypes() []string       { return nil }
func (p *fakePolicy) PreOp(clusterID string, a *types.Action) error {
	p.calls = append(p.calls, "pre:"+clusterID)
	if p.reject {
		a.Data.Status = types.Status{Status: types.CheckError, Reason: "rejected by " + p.id}
	}
	return p.preErr
}
func (p *fakePolicy) PostOp(clusterID string, a *types.Action) error {
	p.calls = append(p.calls, "post:"+clusterID)
	return nil
}

func newTestEngine() (*Engine, storage.Store, *clock.Fake) {
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewEngine(store, clk), store, clk
}

func TestCheck_NoBindingsPassesByDefault(t *testing.T) {
	e, _, _ := newTestEngine()
	a := &types.Action{ID: "a1", Verb: types.ClusterCreate}

	require.NoError(t, e.Check("c1", Before, a))
	assert.Equal(t, types.CheckOK, a.Data.Status.Status)
}

func TestCheck_SkipsPolicyNotTargetingThisVerb(t *testing.T) {
	e, _, _ := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 0))

	a := &types.Action{ID: "a1", Verb: types.ClusterCreate}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, types.CheckOK, a.Data.Status.Status)
	assert.Empty(t, p.calls)
}

func TestCheck_RunsInPriorityOrder(t *testing.T) {
	e, _, _ := newTestEngine()
	var order []string
	pLate := &fakePolicyFunc{id: "late", typ: "t-late", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}, onPre: func() { order = append(order, "late") }}
	pEarly := &fakePolicyFunc{id: "early", typ: "t-early", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}, onPre: func() { order = append(order, "early") }}
	e.Register(pLate)
	e.Register(pEarly)
	require.NoError(t, e.AttachBinding("c1", pLate, 20, 0))
	require.NoError(t, e.AttachBinding("c1", pEarly, 5, 0))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, []string{"early", "late"}, order)
}

func TestCheck_CooldownInProgressRejects(t *testing.T) {
	e, _, clk := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 60))

	b, err := e.store.GetPolicyBinding("c1", "p1")
	require.NoError(t, err)
	b.LastOp = clk.Now()
	require.NoError(t, e.store.UpdatePolicyBinding(b))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, types.CheckError, a.Data.Status.Status)
	assert.Contains(t, a.Data.Status.Reason, "cooldown")
	assert.Empty(t, p.calls, "cooldown must short-circuit before the hook runs")
}

func TestCheck_CooldownElapsedRunsHook(t *testing.T) {
	e, _, clk := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 60))

	b, err := e.store.GetPolicyBinding("c1", "p1")
	require.NoError(t, err)
	b.LastOp = clk.Now().Add(-61 * time.Second)
	require.NoError(t, e.store.UpdatePolicyBinding(b))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, types.CheckOK, a.Data.Status.Status)
	assert.Len(t, p.calls, 1)
}

func TestCheck_HookErrorSetsCheckError(t *testing.T) {
	e, _, _ := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}, preErr: errors.New("driver unreachable")}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 0))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, types.CheckError, a.Data.Status.Status)
	assert.Contains(t, a.Data.Status.Reason, "driver unreachable")
}

func TestCheck_HookRejectsStopsLaterPolicies(t *testing.T) {
	e, _, _ := newTestEngine()
	rejecter := &fakePolicy{id: "reject", typ: "t1", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}, reject: true}
	never := &fakePolicy{id: "never", typ: "t2", targets: []TargetVerb{{Target: Before, Verb: types.ClusterScaleOut}}}
	e.Register(rejecter)
	e.Register(never)
	require.NoError(t, e.AttachBinding("c1", rejecter, 1, 0))
	require.NoError(t, e.AttachBinding("c1", never, 2, 0))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", Before, a))

	assert.Equal(t, types.CheckError, a.Data.Status.Status)
	assert.Empty(t, never.calls, "a rejecting policy must stop the chain before the next one runs")
}

func TestCheck_AfterTargetUpdatesLastOp(t *testing.T) {
	e, _, clk := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling", targets: []TargetVerb{{Target: After, Verb: types.ClusterScaleOut}}}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 0))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleOut}
	require.NoError(t, e.Check("c1", After, a))

	b, err := e.store.GetPolicyBinding("c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), b.LastOp)
}

func TestAttachBinding_RejectsDuplicateType(t *testing.T) {
	e, _, _ := newTestEngine()
	p1 := &fakePolicy{id: "p1", typ: "scaling"}
	p2 := &fakePolicy{id: "p2", typ: "scaling"}
	e.Register(p1)
	e.Register(p2)

	require.NoError(t, e.AttachBinding("c1", p1, 10, 0))
	err := e.AttachBinding("c1", p2, 20, 0)

	require.Error(t, err)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestDetachBinding_Removes(t *testing.T) {
	e, _, _ := newTestEngine()
	p := &fakePolicy{id: "p1", typ: "scaling"}
	e.Register(p)
	require.NoError(t, e.AttachBinding("c1", p, 10, 0))

	require.NoError(t, e.DetachBinding("c1", "p1"))

	_, err := e.store.GetPolicyBinding("c1", "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// fakePolicyFunc is a minimal Policy whose PreOp calls back into a test hook,
// used only to observe call ordering.
type fakePolicyFunc struct {
	id, typ string
	targets []TargetVerb
	onPre   func()
}

func (p *fakePolicyFunc) ID() string            { return p.id }
func (p *fakePolicyFunc) Type() string          { return p.typ }
func (p *fakePolicyFunc) Targets() []TargetVerb { return p.targets }
func (p *fakePolicyFunc) ProfileTypes() []string { return nil }
func (p *fakePolicyFunc) PreOp(clusterID string, a *types.Action) error {
	p.onPre()
	return nil
}
func (p *fakePolicyFunc) PostOp(clusterID string, a *types.Action) error { return nil }
