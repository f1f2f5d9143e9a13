// Package registry implements the ServiceRegistry & Recovery component:
// each engine instance registers a heartbeat ServiceRecord, refreshes it
// periodically, and runs a bounded startup-cleanup sweep that garbage
// collects peers whose heartbeat has gone stale. It also owns the
// optional action-retention purge.
package registry

import (
	"sync"
	"time"

	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/rs/zerolog"
)

// StartupCleanupPasses bounds how many periodic_interval cycles the
// startup sweep runs before settling into steady-state heartbeat-only
// operation.
const StartupCleanupPasses = 5

// Config holds the registry's timing knobs.
type Config struct {
	PeriodicInterval time.Duration
	ServiceDownTime  time.Duration
	// ActionRetention is how long a terminal action is kept before the
	// retention sweep purges it; 0 means unbounded (the open-question
	// default).
	ActionRetention time.Duration
}

// DefaultConfig matches the configuration table's defaults, with
// unbounded action retention.
func DefaultConfig() Config {
	return Config{
		PeriodicInterval: 60 * time.Second,
		ServiceDownTime:  60 * time.Second,
		ActionRetention:  0,
	}
}

// Registry manages this engine's own ServiceRecord and the liveness sweep
// over its peers.
type Registry struct {
	store     storage.Store
	clk       clock.Clock
	cfg       Config
	serviceID string
	host      string
	topic     string
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a Registry for this engine instance. serviceID identifies the
// engine to the rest of the fleet and MUST be the same id the dispatcher
// stamps onto claimed actions' Owner field — the lock manager's dead-owner
// detection resolves an action's Owner straight through GetService, so the
// two cannot diverge. host identifies the engine process (peers with the
// same host name are candidates for liveness checks against each other);
// topic is an opaque routing label.
func New(store storage.Store, clk clock.Clock, cfg Config, serviceID, host, topic string) *Registry {
	return &Registry{
		store:     store,
		clk:       clk,
		cfg:       cfg,
		serviceID: serviceID,
		host:      host,
		topic:     topic,
		logger:    log.WithComponent("registry").With().Str("host", host).Logger(),
	}
}

// ServiceID returns this engine's own service identifier, used as the
// Action.Owner value when claiming actions.
func (r *Registry) ServiceID() string {
	return r.serviceID
}

// Start registers this engine's ServiceRecord, starts the heartbeat loop,
// and runs the bounded startup-cleanup sweep.
func (r *Registry) Start() error {
	now := r.clk.Now()
	if err := r.store.CreateService(&types.ServiceRecord{
		ServiceID: r.serviceID,
		Host:      r.host,
		Topic:     r.topic,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	go r.run()
	r.logger.Info().Str("service_id", r.serviceID).Msg("registry started")
	return nil
}

// Stop deletes this engine's ServiceRecord and halts the background loop.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	r.mu.Unlock()

	return r.store.DeleteService(r.serviceID)
}

func (r *Registry) run() {
	ticker := r.clk.After(r.cfg.PeriodicInterval)
	passes := 0

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker:
			r.heartbeat()

			if passes < StartupCleanupPasses {
				r.sweep()
				passes++
			}
			r.purgeActions()

			ticker = r.clk.After(r.cfg.PeriodicInterval)
		}
	}
}

func (r *Registry) heartbeat() {
	rec, err := r.store.GetService(r.serviceID)
	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat: lookup own service record failed")
		return
	}
	rec.UpdatedAt = r.clk.Now()
	if err := r.store.UpdateService(rec); err != nil {
		r.logger.Error().Err(err).Msg("heartbeat: update failed")
	}
}

// sweep finds expired peers sharing this engine's host name and runs
// gc_by_engine against each.
func (r *Registry) sweep() {
	now := r.clk.Now()
	expired, err := r.store.GetAllExpired(r.host, now, r.cfg.ServiceDownTime)
	if err != nil {
		r.logger.Error().Err(err).Msg("sweep: list expired services failed")
		return
	}

	metrics.RegistrySweepCyclesTotal.Inc()

	for _, peer := range expired {
		if peer.ServiceID == r.serviceID {
			continue
		}
		abandoned, err := r.store.GCByEngine(peer.ServiceID)
		if err != nil {
			r.logger.Error().Err(err).Str("peer_id", peer.ServiceID).Msg("gc_by_engine failed")
			continue
		}
		metrics.RegistryGCEnginesTotal.Inc()
		r.logger.Warn().Str("peer_id", peer.ServiceID).Int("abandoned", abandoned).Msg("garbage collected dead engine")
	}
}

// purgeActions removes terminal actions past the retention window; a zero
// ActionRetention leaves the action log unbounded.
func (r *Registry) purgeActions() {
	if r.cfg.ActionRetention <= 0 {
		return
	}
	cutoff := r.clk.Now().Add(-r.cfg.ActionRetention)
	n, err := r.store.ActionPurgeBefore(cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("action retention purge failed")
		return
	}
	if n > 0 {
		metrics.ActionPurgeTotal.Add(float64(n))
		r.logger.Debug().Int("purged", n).Msg("purged retained actions")
	}
}
