package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/clusterforge/pkg/config"
	"github.com/cuemby/clusterforge/pkg/engine"
	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/profile/containerdriver"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/spf13/cobra"
)

// openStoreOnly opens the BoltDB store under --data-dir without building a
// full Engine: no dispatcher, no registry heartbeat, no profile driver. For
// commands that only read or write store records directly (register/get/
// list) and never submit an action.
func openStoreOnly(cmd *cobra.Command) (storage.Store, func() error, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store at %s: %w", dataDir, err)
	}
	return store, store.Close, nil
}

// registerCluster writes a Cluster record in ClusterInit status, the state
// CLUSTER_CREATE expects to find it in.
func registerCluster(store storage.Store, id, name, profileID string, minSize, maxSize, desired int, nodeNameFormat string) error {
	now := time.Now()
	cfg := map[string]string{}
	if nodeNameFormat != "" {
		cfg["node.name.format"] = nodeNameFormat
	}
	c := &types.Cluster{
		ID:              id,
		Name:            name,
		MinSize:         minSize,
		DesiredCapacity: desired,
		MaxSize:         maxSize,
		Status:          types.ClusterInit,
		ProfileID:       profileID,
		Nodes:           map[string]struct{}{},
		Data:            map[string]string{},
		Config:          cfg,
		InitAt:          now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateCluster(c); err != nil {
		return fmt.Errorf("register cluster: %w", err)
	}
	return nil
}

// registerNode writes a standalone Node record in NodeInit status with no
// cluster membership, ready for NODE_CREATE or NODE_JOIN.
func registerNode(store storage.Store, id, profileID string) error {
	now := time.Now()
	n := &types.Node{
		ID:        id,
		Index:     types.UnattachedIndex,
		ProfileID: profileID,
		Status:    types.NodeInit,
		Role:      "member",
		Data:      map[string]string{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateNode(n); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// bootEngine opens the BoltDB store under --data-dir, builds an Engine
// configured from the root command's persistent flags, and registers the
// profile driver --profile-driver names. Callers must Stop the engine and
// Close the store when done; closeFn does both in the right order.
func bootEngine(cmd *cobra.Command) (e *engine.Engine, closeFn func() error, err error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	workers, _ := cmd.Flags().GetInt("workers")
	driverName, _ := cmd.Flags().GetString("profile-driver")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store at %s: %w", dataDir, err)
	}

	cfg := config.Default()
	cfg.DataDir = dataDir
	if workers > 0 {
		cfg.Workers = workers
	}

	e = engine.New(store, cfg, "", "fleetctl")

	switch driverName {
	case "", "noop":
		// the engine's built-in fallback already serves every profile id
	case "containerd":
		d, err := containerdriver.New(socketPath)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("connect containerd driver: %w", err)
		}
		e.Apply(engine.WithProfileDriver("containerd", d))
	default:
		store.Close()
		return nil, nil, fmt.Errorf("unknown profile driver %q", driverName)
	}

	if err := e.Start(); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}

	closeFn = func() error {
		stopErr := e.Stop()
		if closeErr := store.Close(); closeErr != nil && stopErr == nil {
			stopErr = closeErr
		}
		return stopErr
	}
	return e, closeFn, nil
}

// inputMap turns repeated --input key=value flags into the map every
// Submit*Action call expects as Action.Inputs.
func inputMap(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --input %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// submitAndWait submits id via submit, then polls the store until the
// action reaches a terminal status or wait elapses, printing a one-line
// outcome.
func submitAndWait(cmd *cobra.Command, e *engine.Engine, store storage.Store, submit func() (string, error)) error {
	wait, _ := cmd.Flags().GetDuration("wait")

	id, err := submit()
	if err != nil {
		return err
	}
	fmt.Printf("action %s submitted\n", id)

	deadline := time.Now().Add(wait)
	for {
		a, err := store.GetAction(id)
		if err != nil {
			return fmt.Errorf("lookup action %s: %w", id, err)
		}
		if a.Status.IsTerminal() {
			fmt.Printf("action %s finished: %s (%s)\n", id, a.Status, a.StatusReason)
			if a.Status != types.ActionSucceeded {
				return fmt.Errorf("action did not succeed: %s", a.StatusReason)
			}
			return nil
		}
		if time.Now().After(deadline) {
			fmt.Printf("action %s still %s after %s, not waiting further\n", id, a.Status, wait)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
