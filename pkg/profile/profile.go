// Package profile defines the Driver interface NodeActionHandler calls
// into to actually provision, probe, and tear down the infrastructure a
// Node represents. Drivers are opaque to the engine beyond this contract.
package profile

import (
	"context"

	"github.com/cuemby/clusterforge/pkg/types"
)

// Driver is implemented once per profile type (e.g. a containerd sandbox, a
// cloud VM, a bare-metal lease). Every method returns truthy (nil error,
// or ok==true for Check) on success; any error maps to RES_ERROR in the
// calling handler.
type Driver interface {
	Create(ctx context.Context, node *types.Node) error
	Delete(ctx context.Context, node *types.Node) error
	Update(ctx context.Context, node *types.Node, newProfileID string) error
	Check(ctx context.Context, node *types.Node) (bool, error)
	Recover(ctx context.Context, node *types.Node, params map[string]string) error
	Join(ctx context.Context, node *types.Node, clusterID string) error
	Leave(ctx context.Context, node *types.Node) error
}

// Registry resolves a Driver by a node's ProfileID so the handler never
// needs to know about concrete driver types.
type Registry struct {
	drivers  map[string]Driver
	fallback Driver
}

// NewRegistry creates an empty Registry. fallback, if non-nil, serves any
// ProfileID with no explicit registration.
func NewRegistry(fallback Driver) *Registry {
	return &Registry{drivers: make(map[string]Driver), fallback: fallback}
}

// Register binds profileID to a Driver.
func (r *Registry) Register(profileID string, d Driver) {
	r.drivers[profileID] = d
}

// Resolve returns the Driver bound to profileID, or the fallback.
func (r *Registry) Resolve(profileID string) (Driver, bool) {
	if d, ok := r.drivers[profileID]; ok {
		return d, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
