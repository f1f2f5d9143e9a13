// Package containerdriver implements profile.Driver on top of containerd:
// a Node's underlying infrastructure is a single long-running sandbox
// container, created from the node's ProfileID (an image reference) and
// torn down or recreated as the engine drives the node through its
// lifecycle.
package containerdriver

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/clusterforge/pkg/types"
)

const (
	// Namespace is the containerd namespace node sandboxes live in.
	Namespace = "clusterforge"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Driver implements profile.Driver against a containerd daemon.
type Driver struct {
	client *containerd.Client
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Driver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &Driver{client: client}, nil
}

// Close releases the containerd client connection.
func (d *Driver) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *Driver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// Create pulls the node's profile image and starts a sandbox container,
// recording the resulting containerd container id as the node's
// PhysicalID.
func (d *Driver) Create(ctx context.Context, node *types.Node) error {
	ctx = d.ctx(ctx)

	image, err := d.client.Pull(ctx, node.ProfileID, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull profile image %s: %w", node.ProfileID, err)
	}

	ctr, err := d.client.NewContainer(
		ctx,
		node.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(node.ID+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image)),
	)
	if err != nil {
		return fmt.Errorf("create node sandbox: %w", err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create node task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start node task: %w", err)
	}

	node.PhysicalID = ctr.ID()
	return nil
}

// Delete stops and removes the node's sandbox container.
func (d *Driver) Delete(ctx context.Context, node *types.Node) error {
	ctx = d.ctx(ctx)

	ctr, err := d.client.LoadContainer(ctx, node.PhysicalID)
	if err != nil {
		return nil
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete node sandbox: %w", err)
	}
	return nil
}

// Update replaces the sandbox with one built from newProfileID.
func (d *Driver) Update(ctx context.Context, node *types.Node, newProfileID string) error {
	if err := d.Delete(ctx, node); err != nil {
		return err
	}
	node.ProfileID = newProfileID
	return d.Create(ctx, node)
}

// Check reports whether the node's sandbox task is running.
func (d *Driver) Check(ctx context.Context, node *types.Node) (bool, error) {
	ctx = d.ctx(ctx)

	ctr, err := d.client.LoadContainer(ctx, node.PhysicalID)
	if err != nil {
		return false, nil
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return false, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("task status: %w", err)
	}

	return status.Status == containerd.Running, nil
}

// Recover drives the operation named in params["operation"]: REBOOT
// restarts the existing sandbox task, REBUILD tears it down and recreates
// it from the same profile, RECREATE additionally drops and regenerates
// the node's PhysicalID identity.
func (d *Driver) Recover(ctx context.Context, node *types.Node, params map[string]string) error {
	switch params["operation"] {
	case "REBOOT":
		ctx = d.ctx(ctx)
		ctr, err := d.client.LoadContainer(ctx, node.PhysicalID)
		if err != nil {
			return d.Create(ctx, node)
		}
		task, err := ctr.Task(ctx, nil)
		if err != nil {
			return d.Create(ctx, node)
		}
		if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
			return fmt.Errorf("reboot: signal task: %w", err)
		}
		return task.Start(ctx)

	case "REBUILD", "RECREATE":
		if err := d.Delete(ctx, node); err != nil {
			return err
		}
		node.PhysicalID = ""
		return d.Create(ctx, node)

	default:
		return fmt.Errorf("unknown recovery operation %q", params["operation"])
	}
}

// Join is a no-op for a containerd sandbox: cluster membership lives in
// the Node record, not the underlying container.
func (d *Driver) Join(ctx context.Context, node *types.Node, clusterID string) error {
	return nil
}

// Leave mirrors Join.
func (d *Driver) Leave(ctx context.Context, node *types.Node) error {
	return nil
}
