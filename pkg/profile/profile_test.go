package profile

import (
	"context"
	"testing"

	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/stretchr/testify/assert"
)

type stubDriver struct{ name string }

func (s stubDriver) Create(ctx context.Context, node *types.Node) error { return nil }
func (s stubDriver) Delete(ctx context.Context, node *types.Node) error { return nil }
func (s stubDriver) Update(ctx context.Context, node *types.Node, newProfileID string) error {
	return nil
}
func (s stubDriver) Check(ctx context.Context, node *types.Node) (bool, error) { return true, nil }
func (s stubDriver) Recover(ctx context.Context, node *types.Node, params map[string]string) error {
	return nil
}
func (s stubDriver) Join(ctx context.Context, node *types.Node, clusterID string) error  { return nil }
func (s stubDriver) Leave(ctx context.Context, node *types.Node) error { return nil }

func TestRegistry_ResolvesRegisteredDriverOverFallback(t *testing.T) {
	fallback := stubDriver{name: "fallback"}
	specific := stubDriver{name: "specific"}
	r := NewRegistry(fallback)
	r.Register("gpu-profile", specific)

	got, ok := r.Resolve("gpu-profile")
	assert.True(t, ok)
	assert.Equal(t, specific, got)

	got, ok = r.Resolve("unregistered-profile")
	assert.True(t, ok)
	assert.Equal(t, fallback, got)
}

func TestRegistry_NoFallbackMeansUnregisteredProfileFails(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("gpu-profile", stubDriver{name: "specific"})

	_, ok := r.Resolve("unregistered-profile")
	assert.False(t, ok)
}
