package engine

import (
	"fmt"
	"time"

	"github.com/cuemby/clusterforge/pkg/action"
	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/config"
	"github.com/cuemby/clusterforge/pkg/dependency"
	"github.com/cuemby/clusterforge/pkg/dispatcher"
	"github.com/cuemby/clusterforge/pkg/events"
	"github.com/cuemby/clusterforge/pkg/health"
	"github.com/cuemby/clusterforge/pkg/lock"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/cuemby/clusterforge/pkg/policy"
	"github.com/cuemby/clusterforge/pkg/profile"
	"github.com/cuemby/clusterforge/pkg/profile/noopdriver"
	"github.com/cuemby/clusterforge/pkg/registry"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/google/uuid"
)

// Engine wires every collaborator package into one running action engine:
// one instance per process, one process per cluster-management node, any
// number cooperating against the same Store.
type Engine struct {
	cfg config.Config

	Store      storage.Store
	Clock      clock.Clock
	Events     *events.Broker
	Actions    *action.Manager
	Deps       *dependency.Graph
	Locks      *lock.Manager
	Policies   *policy.Engine
	Profiles   *profile.Registry
	Health     *health.Registry
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Metrics    *metrics.Collector

	ctx *Context
}

// Option customizes a New engine before it starts.
type Option func(*Engine)

// WithProfileDriver registers a profile.Driver for profileID, overriding
// whatever the fallback noop driver would otherwise serve.
func WithProfileDriver(profileID string, d profile.Driver) Option {
	return func(e *Engine) {
		e.Profiles.Register(profileID, d)
	}
}

// WithPolicy registers a policy.Policy plug-in so CLUSTER_ATTACH_POLICY can
// bind it by ID.
func WithPolicy(p policy.Policy) Option {
	return func(e *Engine) {
		e.Policies.Register(p)
	}
}

// New constructs an Engine against store, generating a fresh engine_id and
// wiring the dispatcher's worker pool with the ClusterActionHandler and
// NodeActionHandler defined in this package. host/topic identify this
// process to the ServiceRegistry; an empty host defaults to the engine_id.
func New(store storage.Store, cfg config.Config, host, topic string) *Engine {
	clk := clock.New()
	sink := events.NewBroker()
	engineID := uuid.NewString()
	if host == "" {
		host = engineID
	}

	e := &Engine{
		cfg:    cfg,
		Store:  store,
		Clock:  clk,
		Events: sink,
		Health: health.NewRegistry(),
	}

	wake := &dispatcherProxy{}
	e.Deps = dependency.NewGraph(store, clk, wake)
	e.Actions = action.NewManager(store, clk, sink, e.Deps, 1*time.Second)
	e.Locks = lock.NewManager(store, clk, lock.Config{
		RetryTimes:      cfg.LockRetryTimes,
		RetryInterval:   cfg.LockRetryInterval,
		ServiceDownTime: cfg.ServiceDownTime,
	})
	e.Policies = policy.NewEngine(store, clk)
	e.Profiles = profile.NewRegistry(noopdriver.New())
	e.Registry = registry.New(store, clk, registry.Config{
		PeriodicInterval: cfg.PeriodicInterval,
		ServiceDownTime:  cfg.ServiceDownTime,
		ActionRetention:  cfg.ActionRetention,
	}, engineID, host, topic)

	e.ctx = &Context{
		Store:      store,
		Clock:      clk,
		Actions:    e.Actions,
		Deps:       e.Deps,
		Locks:      e.Locks,
		Policies:   e.Policies,
		Profiles:   e.Profiles,
		Events:     sink,
		EngineID:   engineID,
		Config:     cfg,
		Health:     e.Health,
	}

	clusterH := NewClusterActionHandler(e.ctx)
	nodeH := NewNodeActionHandler(e.ctx)
	e.Dispatcher = dispatcher.New(store, clk, e.Actions, sink, engineID, cfg.Workers, clusterH, nodeH, CustomHandler{})
	e.ctx.Dispatcher = e.Dispatcher
	wake.target = e.Dispatcher

	e.Metrics = metrics.NewCollector(store, cfg.PeriodicInterval)

	return e
}

// dispatcherProxy breaks the construction cycle between Graph (which needs
// a ReadyNotifier) and Dispatcher (which needs the Handlers that in turn
// need Context.Deps): Graph gets a proxy up front, and New points it at
// the real Dispatcher once that's built.
type dispatcherProxy struct {
	target dependency.ReadyNotifier
}

func (p *dispatcherProxy) NotifyReady(actionID string) {
	if p.target != nil {
		p.target.NotifyReady(actionID)
	}
}

// Apply runs every Option against the engine. Call before Start.
func (e *Engine) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(e)
	}
}

// Start launches the registry heartbeat/sweep loop and the dispatcher
// worker pool. Call once, after Apply.
func (e *Engine) Start() error {
	e.Events.Start()
	if err := e.Registry.Start(); err != nil {
		return fmt.Errorf("start service registry: %w", err)
	}
	e.Dispatcher.Start()
	e.Metrics.Start()
	engineLogger := log.WithEngineID(e.ctx.EngineID)
	engineLogger.Info().Msg("engine started")
	return nil
}

// Stop drains the worker pool, deregisters from the service registry, and
// halts the event broker, in that order so no in-flight action loses its
// terminal event.
func (e *Engine) Stop() error {
	e.Dispatcher.Stop()
	e.Metrics.Stop()
	err := e.Registry.Stop()
	e.Events.Stop()
	return err
}

// EngineID returns this process's service-registry identity.
func (e *Engine) EngineID() string {
	return e.ctx.EngineID
}

// SubmitClusterAction creates an RPC-caused action against a cluster and
// wakes the dispatcher, returning the new action's id.
func (e *Engine) SubmitClusterAction(clusterID string, verb types.Verb, inputs map[string]string) (string, error) {
	return e.submit(clusterID, verb, inputs)
}

// SubmitNodeAction creates an RPC-caused action against a node and wakes
// the dispatcher, returning the new action's id.
func (e *Engine) SubmitNodeAction(nodeID string, verb types.Verb, inputs map[string]string) (string, error) {
	return e.submit(nodeID, verb, inputs)
}

func (e *Engine) submit(target string, verb types.Verb, inputs map[string]string) (string, error) {
	id, err := e.Actions.Create(target, verb, action.CreateOptions{
		Inputs:  inputs,
		Cause:   types.CauseRPCRequest,
		Timeout: e.ctx.defaultTimeout(),
	})
	if err != nil {
		return "", err
	}
	e.Dispatcher.Submit(id)
	return id, nil
}

// SignalAction implements action_signal for any action, regardless of
// target kind.
func (e *Engine) SignalAction(actionID string, cmd types.Signal) error {
	return e.Actions.Signal(actionID, cmd)
}
