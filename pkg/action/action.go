// Package action implements the Action FSM: create, signal, and set_status.
// State transitions are the sole responsibility of this package; handlers
// and policies never write Action.Status directly.
package action

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/events"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/google/uuid"
)

// RetryMax bounds how many times a RETRY result recycles an action through
// READY before it is downgraded to FAILED. Not externally configurable: a
// cluster whose actions retry this much is failing in a way a longer ceiling
// wouldn't fix.
const RetryMax = 5

// legalSignals maps each Signal to the ActionStatus values it may be
// recorded against.
var legalSignals = map[types.Signal][]types.ActionStatus{
	types.SignalCancel:  {types.ActionInit, types.ActionWaiting, types.ActionReady, types.ActionRunning},
	types.SignalSuspend: {types.ActionRunning},
	types.SignalResume:  {types.ActionSuspended},
}

// DependencyNotifier is the subset of the dependency graph that set_status
// needs: once an action reaches a terminal status its dependents may have
// become unblocked.
type DependencyNotifier interface {
	NotifyDependents(actionID string) error
}

// CreateOptions configures action creation; zero Timeout/Owner are valid.
type CreateOptions struct {
	Inputs     map[string]string
	Cause      types.Cause
	Owner      string
	Timeout    int // seconds; 0 lets the caller apply a default
	DependsOn  []string
	Interval   int // -1 == one-shot
	Name       string
}

// Manager implements the Action FSM described above, backed by a Store.
type Manager struct {
	store   storage.Store
	clk     clock.Clock
	sink    events.Sink
	deps    DependencyNotifier
	backoff time.Duration
}

// NewManager constructs a Manager. backoff is the base re-enqueue delay for
// RETRY results; the design note calls for "1-2s jitter", so callers
// typically pass 1 * time.Second.
func NewManager(store storage.Store, clk clock.Clock, sink events.Sink, deps DependencyNotifier, backoff time.Duration) *Manager {
	return &Manager{store: store, clk: clk, sink: sink, deps: deps, backoff: backoff}
}

// Create stores a new action with status INIT when it depends on others,
// else READY, and records the dependency edges.
func (m *Manager) Create(target string, verb types.Verb, opts CreateOptions) (string, error) {
	now := m.clk.Now()
	status := types.ActionReady
	if len(opts.DependsOn) > 0 {
		status = types.ActionInit
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s_%s", verb, target)
	}

	a := &types.Action{
		ID:        uuid.NewString(),
		Name:      name,
		Verb:      verb,
		Target:    target,
		Cause:     opts.Cause,
		Owner:     opts.Owner,
		Status:    status,
		Inputs:    opts.Inputs,
		Outputs:   map[string]string{},
		Timeout:   opts.Timeout,
		Interval:  opts.Interval,
		CreatedAt: now,
	}

	if err := m.store.CreateAction(a); err != nil {
		return "", fmt.Errorf("create action: %w", err)
	}

	if len(opts.DependsOn) > 0 {
		if err := m.store.AddDependency(opts.DependsOn, a.ID); err != nil {
			return "", fmt.Errorf("record dependency: %w", err)
		}
	}

	actionLogger := log.WithActionID(a.ID)
	actionLogger.Debug().Msg(fmt.Sprintf("created %s action for %s (status=%s)", verb, target, status))
	return a.ID, nil
}

// Signal records cmd against actionID if the action's current status is in
// the legal set for that command; an illegal signal is a silent no-op that
// emits an error event.
func (m *Manager) Signal(actionID string, cmd types.Signal) error {
	a, err := m.store.GetAction(actionID)
	if err != nil {
		return err
	}

	legal := legalSignals[cmd]
	allowed := false
	for _, s := range legal {
		if a.Status == s {
			allowed = true
			break
		}
	}

	if !allowed {
		m.emit(events.Error, actionID, events.PhaseError, fmt.Sprintf("signal %s illegal in status %s", cmd, a.Status))
		return nil
	}

	return m.store.SignalAction(actionID, cmd)
}

// SetStatus maps a handler's result code to a terminal (or re-enqueued)
// status per the table in the design: OK->SUCCEEDED, ERROR->FAILED,
// TIMEOUT->FAILED(reason=TIMEOUT), CANCEL->CANCELLED,
// LIFECYCLE_COMPLETE->SUCCEEDED+mark_ready, RETRY->READY with backoff or
// downgrade to ERROR past RetryMax.
func (m *Manager) SetStatus(actionID string, result types.Result, reason string) error {
	now := m.clk.Now()

	switch result {
	case types.ResultOK:
		return m.finish(actionID, types.ActionSucceeded, now, reason)

	case types.ResultError:
		return m.finish(actionID, types.ActionFailed, now, reason)

	case types.ResultTimeout:
		return m.finish(actionID, types.ActionFailed, now, "TIMEOUT")

	case types.ResultCancel:
		return m.finish(actionID, types.ActionCancelled, now, reason)

	case types.ResultLifecycleComplete:
		if err := m.finish(actionID, types.ActionSucceeded, now, reason); err != nil {
			return err
		}
		return m.store.MarkActionReady(actionID)

	case types.ResultRetry:
		return m.retry(actionID, reason)

	default:
		return fmt.Errorf("set_status: unknown result %q", result)
	}
}

func (m *Manager) finish(actionID string, status types.ActionStatus, now time.Time, reason string) error {
	var err error
	switch status {
	case types.ActionSucceeded:
		err = m.store.MarkActionSucceeded(actionID, now)
	case types.ActionFailed:
		err = m.store.MarkActionFailed(actionID, now, reason)
	case types.ActionCancelled:
		err = m.store.MarkActionCancelled(actionID, now, reason)
	}
	if err != nil {
		return err
	}

	phase := events.PhaseEnd
	level := events.Info
	if status == types.ActionFailed {
		phase = events.PhaseError
		level = events.Error
	}
	m.emit(level, actionID, phase, reason)

	if m.deps != nil {
		if err := m.deps.NotifyDependents(actionID); err != nil {
			return fmt.Errorf("notify dependents: %w", err)
		}
	}
	return nil
}

func (m *Manager) retry(actionID, reason string) error {
	a, err := m.store.GetAction(actionID)
	if err != nil {
		return err
	}

	a.Data.Retries++
	if err := m.store.UpdateAction(a); err != nil {
		return err
	}

	if a.Data.Retries >= RetryMax {
		m.emit(events.Warning, actionID, events.PhaseError, fmt.Sprintf("retry exhausted after %d attempts: %s", a.Data.Retries, reason))
		return m.finish(actionID, types.ActionFailed, m.clk.Now(), reason)
	}

	if err := m.store.AbandonAction(actionID); err != nil {
		return err
	}

	jitter := m.backoff + time.Duration(rand.Int63n(int64(m.backoff)+1))
	m.emit(events.Debug, actionID, events.PhaseError, fmt.Sprintf("retry %d/%d after %s: %s", a.Data.Retries, RetryMax, jitter, reason))
	m.clk.Sleep(jitter)

	return nil
}

func (m *Manager) emit(level events.Level, actionID string, phase events.Phase, reason string) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(level, actionID, phase, reason)
}
