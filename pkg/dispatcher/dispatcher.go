// Package dispatcher implements the Dispatcher / Worker Pool: a fixed-size
// pool of workers, each looping claim -> dispatch -> set_status, woken
// either by a ticker poll or directly by the DependencyGraph when a
// dependent action becomes READY.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/clusterforge/pkg/action"
	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/events"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/rs/zerolog"
)

// Handler executes one action to completion and returns the result the
// Action FSM should transition on.
type Handler interface {
	Execute(ctx context.Context, a *types.Action) (types.Result, string)
}

// PollInterval bounds how often an idle worker re-checks for READY work
// when not woken directly.
const PollInterval = 250 * time.Millisecond

// Dispatcher owns the worker pool.
type Dispatcher struct {
	store     storage.Store
	clk       clock.Clock
	actions   *action.Manager
	sink      events.Sink
	serviceID string
	workers   int
	clusterH  Handler
	nodeH     Handler
	customH   Handler
	logger    zerolog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Dispatcher. clusterHandler and nodeHandler implement
// the CLUSTER_* and NODE_* verb families respectively; customHandler
// serves any other verb as a no-op OK (CustomAction).
func New(store storage.Store, clk clock.Clock, actions *action.Manager, sink events.Sink, serviceID string, workers int, clusterHandler, nodeHandler, customHandler Handler) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		store:     store,
		clk:       clk,
		actions:   actions,
		sink:      sink,
		serviceID: serviceID,
		workers:   workers,
		clusterH:  clusterHandler,
		nodeH:     nodeHandler,
		customH:   customHandler,
		logger:    log.WithComponent("dispatcher"),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		workerID := fmt.Sprintf("%s/worker-%d", d.serviceID, i)
		go d.runWorker(workerID)
	}
}

// Stop signals all workers to exit and waits for them.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// NotifyReady implements dependency.ReadyNotifier: wakes an idle worker
// without waiting for the next poll tick.
func (d *Dispatcher) NotifyReady(actionID string) {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Submit wakes the pool for a freshly created action (RPC or derived). The
// dispatcher claims by age, not identity, so this is just a prod to stop
// polling.
func (d *Dispatcher) Submit(actionID string) {
	d.NotifyReady(actionID)
}

func (d *Dispatcher) runWorker(workerID string) {
	defer d.wg.Done()
	logger := d.logger.With().Str("worker_id", workerID).Logger()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		claimed, err := d.store.AcquireFirstReadyAction(d.serviceID, d.clk.Now())
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
		} else if claimed != nil {
			d.runAction(logger, claimed)
			continue
		}

		select {
		case <-d.stopCh:
			return
		case <-d.wakeCh:
		case <-d.clk.After(PollInterval):
		}
	}
}

func (d *Dispatcher) runAction(logger zerolog.Logger, a *types.Action) {
	logger = logger.With().Str("action_id", a.ID).Str("verb", string(a.Verb)).Logger()
	metrics.ActionsDispatchedTotal.WithLabelValues(string(a.Verb)).Inc()
	d.emit(events.Info, a.ID, events.PhaseStart, "")

	timer := metrics.NewTimer()
	result, reason := d.dispatch(a)
	timer.ObserveDurationVec(metrics.ActionExecutionDuration, string(a.Verb), string(result))

	if result == types.ResultRetry {
		metrics.ActionsRetriedTotal.WithLabelValues(string(a.Verb)).Inc()
	}

	if err := d.actions.SetStatus(a.ID, result, reason); err != nil {
		logger.Error().Err(err).Msg("set_status failed")
	}
}

func (d *Dispatcher) dispatch(a *types.Action) (result types.Result, reason string) {
	defer func() {
		if r := recover(); r != nil {
			result = types.ResultError
			reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	ctx := context.Background()

	var h Handler
	switch {
	case a.Verb.IsClusterVerb():
		h = d.clusterH
	case a.Verb.IsNodeVerb():
		h = d.nodeH
	default:
		h = d.customH
	}

	if h == nil {
		return types.ResultOK, ""
	}
	return h.Execute(ctx, a)
}

func (d *Dispatcher) emit(level events.Level, actionID string, phase events.Phase, reason string) {
	if d.sink == nil {
		return
	}
	d.sink.Emit(level, actionID, phase, reason)
}
