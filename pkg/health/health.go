// Package health implements the pluggable health-probe Checker interface
// and the default recovery-action policy CLUSTER_RECOVER / NODE_RECOVER
// fall back on when no policy has already written one into
// action.data.health.
package health

import (
	"context"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
)

// CheckType represents the type of health check a profile driver can run
// for NODE_CHECK.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a single health probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface every pluggable health probe implements.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config contains common configuration for all health checks.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health status of a node across repeated probes.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a new Status, assumed healthy until proven otherwise.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds a new probe result into the running status.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// InStartPeriod returns true if we're still in the startup grace period.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}

// Registry tracks per-node consecutive-failure counts across NODE_CHECK
// invocations, independent of any single Checker's own Status bookkeeping.
// CLUSTER_RECOVER and NODE_RECOVER consult it to escalate the recovery
// operation when failures repeat.
type Registry struct {
	failures map[string]int
}

// NewRegistry creates an empty failure registry.
func NewRegistry() *Registry {
	return &Registry{failures: make(map[string]int)}
}

// RecordCheck updates the failure count for nodeID given the latest probe
// result and returns the updated consecutive-failure count.
func (r *Registry) RecordCheck(nodeID string, healthy bool) int {
	if healthy {
		delete(r.failures, nodeID)
		return 0
	}
	r.failures[nodeID]++
	return r.failures[nodeID]
}

// Reset clears the failure count for nodeID, called after a recovery
// operation completes successfully.
func (r *Registry) Reset(nodeID string) {
	delete(r.failures, nodeID)
}

// Default recovery escalation thresholds: below RebuildThreshold a REBOOT is
// attempted; at or above it but below RecreateThreshold a REBUILD; at or
// above RecreateThreshold the node is RECREATEd outright.
const (
	RebuildThreshold  = 2
	RecreateThreshold = 4
)

// DefaultRecoverAction supplies the Health.RecoverAction CLUSTER_RECOVER /
// NODE_RECOVER use when no policy bound to the cluster has already written
// one. The recommendation escalates with the node's recorded consecutive
// failure count.
func (r *Registry) DefaultRecoverAction(nodeID string) map[string]string {
	failures := r.failures[nodeID]
	op := "REBOOT"
	switch {
	case failures >= RecreateThreshold:
		op = "RECREATE"
	case failures >= RebuildThreshold:
		op = "REBUILD"
	}
	return map[string]string{"operation": op}
}

// ResolveRecoverAction returns the health data to carry into a recovery
// action: whatever a policy already set, or the registry's default.
func ResolveRecoverAction(existing types.Health, r *Registry, nodeID string) types.Health {
	if len(existing.RecoverAction) > 0 {
		return existing
	}
	return types.Health{RecoverAction: r.DefaultRecoverAction(nodeID), Fencing: existing.Fencing}
}
