// Package noopdriver implements profile.Driver with no side effects, for
// tests and for profile types that delegate everything to the cluster's
// Node bookkeeping.
package noopdriver

import (
	"context"

	"github.com/cuemby/clusterforge/pkg/types"
)

// Driver always succeeds.
type Driver struct{}

// New constructs a Driver.
func New() *Driver { return &Driver{} }

func (Driver) Create(ctx context.Context, node *types.Node) error {
	if node.PhysicalID == "" {
		node.PhysicalID = node.ID
	}
	return nil
}

func (Driver) Delete(ctx context.Context, node *types.Node) error { return nil }

func (Driver) Update(ctx context.Context, node *types.Node, newProfileID string) error {
	node.ProfileID = newProfileID
	return nil
}

func (Driver) Check(ctx context.Context, node *types.Node) (bool, error) { return true, nil }

func (Driver) Recover(ctx context.Context, node *types.Node, params map[string]string) error {
	return nil
}

func (Driver) Join(ctx context.Context, node *types.Node, clusterID string) error { return nil }

func (Driver) Leave(ctx context.Context, node *types.Node) error { return nil }
