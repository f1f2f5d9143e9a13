package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/clusterforge/pkg/action"
	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/events"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedHandler returns a fixed (result, reason) for every action it
// executes and records every action id it was asked to run.
type scriptedHandler struct {
	mu      sync.Mutex
	result  types.Result
	reason  string
	ran     []string
	panics  bool
}

func (h *scriptedHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	h.mu.Lock()
	h.ran = append(h.ran, a.ID)
	h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	return h.result, h.reason
}

func (h *scriptedHandler) ranIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ran))
	copy(out, h.ran)
	return out
}

func newTestDispatcher(t *testing.T, clusterH, nodeH, customH Handler) (*Dispatcher, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	clk := clock.New()
	mgr := action.NewManager(store, clk, events.NewBroker(), nil, time.Microsecond)
	d := New(store, clk, mgr, events.NewBroker(), "engine-1", 2, clusterH, nodeH, customH)
	return d, store
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcher_RoutesByVerbFamily(t *testing.T) {
	clusterH := &scriptedHandler{result: types.ResultOK}
	nodeH := &scriptedHandler{result: types.ResultOK}
	customH := &scriptedHandler{result: types.ResultOK}
	d, store := newTestDispatcher(t, clusterH, nodeH, customH)

	c := &types.Action{ID: "c1", Verb: types.ClusterCreate, Target: "cluster-1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	n := &types.Action{ID: "n1", Verb: types.NodeCreate, Target: "node-1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateAction(c))
	require.NoError(t, store.CreateAction(n))

	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool {
		ca, _ := store.GetAction("c1")
		na, _ := store.GetAction("n1")
		return ca.Status.IsTerminal() && na.Status.IsTerminal()
	})

	assert.Equal(t, []string{"c1"}, clusterH.ranIDs())
	assert.Equal(t, []string{"n1"}, nodeH.ranIDs())
	assert.Empty(t, customH.ranIDs())
}

func TestDispatcher_UnknownVerbFallsBackToCustomHandler(t *testing.T) {
	clusterH := &scriptedHandler{result: types.ResultOK}
	nodeH := &scriptedHandler{result: types.ResultOK}
	customH := &scriptedHandler{result: types.ResultOK}
	d, store := newTestDispatcher(t, clusterH, nodeH, customH)

	a := &types.Action{ID: "x1", Verb: "SOMETHING_ELSE", Target: "t1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateAction(a))

	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool {
		got, _ := store.GetAction("x1")
		return got.Status.IsTerminal()
	})

	assert.Equal(t, []string{"x1"}, customH.ranIDs())
}

// TestDispatcher_PanicBecomesError covers the InternalError taxonomy entry:
// a handler panic is caught at the worker boundary and converted to
// RES_ERROR so a bad action never kills a worker.
func TestDispatcher_PanicBecomesError(t *testing.T) {
	clusterH := &scriptedHandler{panics: true}
	nodeH := &scriptedHandler{result: types.ResultOK}
	customH := &scriptedHandler{result: types.ResultOK}
	d, store := newTestDispatcher(t, clusterH, nodeH, customH)

	a := &types.Action{ID: "p1", Verb: types.ClusterDelete, Target: "cluster-1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateAction(a))

	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool {
		got, _ := store.GetAction("p1")
		return got.Status.IsTerminal()
	})

	got, err := store.GetAction("p1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, got.Status)
	assert.Contains(t, got.StatusReason, "boom")

	// The worker must still be alive after the panic: a second action
	// submitted afterward is still claimed and run.
	b := &types.Action{ID: "p2", Verb: types.NodeCreate, Target: "node-1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateAction(b))
	d.Submit(b.ID)

	waitUntil(t, time.Second, func() bool {
		got, _ := store.GetAction("p2")
		return got.Status.IsTerminal()
	})
	got, err = store.GetAction("p2")
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, got.Status)
}

func TestDispatcher_RetryReenqueuesRatherThanFailing(t *testing.T) {
	clusterH := &scriptedHandler{}
	nodeH := &scriptedHandler{result: types.ResultOK}
	customH := &scriptedHandler{result: types.ResultOK}
	// A backoff long enough that the check below runs well inside the
	// RetryMax budget; with newTestDispatcher's 1µs backoff every retry
	// would be spent before the first poll.
	store := storage.NewMemStore()
	clk := clock.New()
	mgr := action.NewManager(store, clk, events.NewBroker(), nil, 50*time.Millisecond)
	d := New(store, clk, mgr, events.NewBroker(), "engine-1", 2, clusterH, nodeH, customH)

	a := &types.Action{ID: "r1", Verb: types.ClusterUpdate, Target: "cluster-1", Status: types.ActionReady, Inputs: map[string]string{}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateAction(a))

	clusterH.mu.Lock()
	clusterH.result = types.ResultRetry
	clusterH.reason = "transient"
	clusterH.mu.Unlock()

	d.Start()
	defer d.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		return len(clusterH.ranIDs()) >= 2
	})

	got, err := store.GetAction("r1")
	require.NoError(t, err)
	assert.False(t, got.Status.IsTerminal(), "a retried action must not be left terminal while under the retry budget")
}
