// Package dependency implements the DependencyGraph: recording parent/child
// action edges, transitioning a dependent from READY to WAITING when edges
// are added, and waking dependents back to READY as their depended actions
// reach terminal status.
package dependency

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
)

// PollInterval bounds how often wait_for_dependents re-checks child status.
// It must be short enough to notice a cancel/timeout promptly but yields
// the goroutine scheduler every iteration rather than busy-looping.
const PollInterval = 200 * time.Millisecond

// ReadyNotifier is the Dispatcher's wake hook: called whenever an action
// transitions to READY so an idle worker can pick it up without waiting for
// the next poll.
type ReadyNotifier interface {
	NotifyReady(actionID string)
}

// Graph implements the DependencyGraph against a Store.
type Graph struct {
	store storage.Store
	clk   clock.Clock
	wake  ReadyNotifier
}

// NewGraph constructs a Graph. wake may be nil if nothing needs to observe
// newly-READY actions directly (the Dispatcher can still poll).
func NewGraph(store storage.Store, clk clock.Clock, wake ReadyNotifier) *Graph {
	return &Graph{store: store, clk: clk, wake: wake}
}

// Add records depended -> dependent edges and moves dependent to WAITING if
// it was READY.
func (g *Graph) Add(depended []string, dependent string) error {
	if err := g.store.AddDependency(depended, dependent); err != nil {
		return err
	}

	a, err := g.store.GetAction(dependent)
	if err != nil {
		return err
	}
	if a.Status == types.ActionReady {
		a.Status = types.ActionWaiting
		return g.store.UpdateAction(a)
	}
	return nil
}

// NotifyDependents implements action.DependencyNotifier: called after an
// action reaches terminal status, it walks the action's dependents and
// wakes any whose outstanding count has reached zero.
func (g *Graph) NotifyDependents(actionID string) error {
	dependents, err := g.store.GetDependents(actionID)
	if err != nil {
		return err
	}

	for _, dependentID := range dependents {
		outstanding, err := g.store.OutstandingCount(dependentID)
		if err != nil {
			return err
		}
		if outstanding > 0 {
			continue
		}

		a, err := g.store.GetAction(dependentID)
		if err != nil {
			return err
		}
		if a.Status != types.ActionWaiting && a.Status != types.ActionInit {
			continue
		}
		if err := g.store.MarkActionReady(dependentID); err != nil {
			return err
		}
		if g.wake != nil {
			g.wake.NotifyReady(dependentID)
		}
	}
	return nil
}

// WaitOutcome is the aggregation result wait_for_dependents reports.
type WaitOutcome string

const (
	WaitOK      WaitOutcome = "OK"
	WaitError   WaitOutcome = "ERROR"
	WaitCancel  WaitOutcome = "CANCEL"
	WaitTimeout WaitOutcome = "TIMEOUT"
)

// WaitForDependents blocks parentID until every action named in childIDs
// reaches terminal status, or the parent times out or receives a CANCEL
// signal. The polling interval is bounded and yields every iteration via
// the injected Clock so tests can drive it without real sleeps.
func (g *Graph) WaitForDependents(ctx context.Context, parentID string, childIDs []string) (WaitOutcome, string, error) {
	for {
		select {
		case <-ctx.Done():
			return WaitCancel, "context cancelled", nil
		default:
		}

		parent, err := g.store.GetAction(parentID)
		if err != nil {
			return WaitError, "", err
		}

		sig, err := g.store.SignalQuery(parentID)
		if err != nil {
			return WaitError, "", err
		}
		if sig == types.SignalCancel {
			return WaitCancel, "cancel signal observed", nil
		}

		if parent.IsTimeout(g.clk.Now()) {
			return WaitTimeout, "parent action timed out", nil
		}

		allTerminal := true
		var firstFailed string
		for _, childID := range childIDs {
			child, err := g.store.GetAction(childID)
			if err != nil {
				return WaitError, "", err
			}
			if !child.Status.IsTerminal() {
				allTerminal = false
				continue
			}
			if child.Status == types.ActionFailed && firstFailed == "" {
				firstFailed = childID
			}
		}

		if allTerminal {
			if firstFailed != "" {
				return WaitError, fmt.Sprintf("child action %s failed", firstFailed), nil
			}
			return WaitOK, "", nil
		}

		select {
		case <-ctx.Done():
			return WaitCancel, "context cancelled", nil
		case <-g.clk.After(PollInterval):
		}
	}
}
