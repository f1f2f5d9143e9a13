package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/clusterforge/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl - submit and inspect clusterforge action-engine actions",
	Long: `fleetctl drives an embedded clusterforge action engine against a
local BoltDB data directory: every action subcommand opens the store, runs
the engine's dispatcher long enough to carry its action to a terminal
status, and exits, while "serve" keeps the engine running as a daemon until
SIGINT/SIGTERM. There is no RPC layer; two fleetctl invocations against the
same --data-dir must not run concurrently.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "BoltDB data directory")
	rootCmd.PersistentFlags().Int("workers", 0, "Dispatcher worker count (0 uses the config default)")
	rootCmd.PersistentFlags().String("profile-driver", "noop", "Profile driver for unregistered profile ids (noop, containerd)")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket path, when --profile-driver=containerd")
	rootCmd.PersistentFlags().Duration("wait", 5*time.Minute, "How long an action-submitting command waits for a terminal status")

	cobra.OnInitialize(func() { initLogging(rootCmd) })

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(actionCmd)
	rootCmd.AddCommand(applyCmd)
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters and submit CLUSTER_* actions",
}

func clusterActionCmd(use, short string, verb types.Verb) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " CLUSTER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("input")
			inputs, err := inputMap(pairs)
			if err != nil {
				return err
			}

			e, closeFn, err := bootEngine(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			return submitAndWait(cmd, e, e.Store, func() (string, error) {
				return e.SubmitClusterAction(args[0], verb, inputs)
			})
		},
	}
	cmd.Flags().StringArray("input", nil, "action input, key=value (repeatable)")
	return cmd
}

func init() {
	clusterCmd.AddCommand(clusterRegisterCmd)
	clusterCmd.AddCommand(clusterGetCmd)
	clusterCmd.AddCommand(clusterListCmd)
	clusterCmd.AddCommand(clusterActionCmd("create", "Submit CLUSTER_CREATE", types.ClusterCreate))
	clusterCmd.AddCommand(clusterActionCmd("delete", "Submit CLUSTER_DELETE", types.ClusterDelete))
	clusterCmd.AddCommand(clusterActionCmd("update", "Submit CLUSTER_UPDATE", types.ClusterUpdate))
	clusterCmd.AddCommand(clusterActionCmd("resize", "Submit CLUSTER_RESIZE", types.ClusterResize))
	clusterCmd.AddCommand(clusterActionCmd("scale-out", "Submit CLUSTER_SCALE_OUT", types.ClusterScaleOut))
	clusterCmd.AddCommand(clusterActionCmd("scale-in", "Submit CLUSTER_SCALE_IN", types.ClusterScaleIn))
	clusterCmd.AddCommand(clusterActionCmd("add-nodes", "Submit CLUSTER_ADD_NODES", types.ClusterAddNodes))
	clusterCmd.AddCommand(clusterActionCmd("del-nodes", "Submit CLUSTER_DEL_NODES", types.ClusterDelNodes))
	clusterCmd.AddCommand(clusterActionCmd("replace-nodes", "Submit CLUSTER_REPLACE_NODES", types.ClusterReplaceNodes))
	clusterCmd.AddCommand(clusterActionCmd("check", "Submit CLUSTER_CHECK", types.ClusterCheck))
	clusterCmd.AddCommand(clusterActionCmd("recover", "Submit CLUSTER_RECOVER", types.ClusterRecover))
	clusterCmd.AddCommand(clusterActionCmd("operation", "Submit CLUSTER_OPERATION", types.ClusterOperation))
	clusterCmd.AddCommand(clusterActionCmd("attach-policy", "Submit CLUSTER_ATTACH_POLICY", types.ClusterAttachPolicy))
	clusterCmd.AddCommand(clusterActionCmd("detach-policy", "Submit CLUSTER_DETACH_POLICY", types.ClusterDetachPolicy))
	clusterCmd.AddCommand(clusterActionCmd("update-policy", "Submit CLUSTER_UPDATE_POLICY", types.ClusterUpdatePolicy))
}

var clusterRegisterCmd = &cobra.Command{
	Use:   "register CLUSTER_ID",
	Short: "Create a Cluster record directly in the store, ready for CLUSTER_CREATE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		profileID, _ := cmd.Flags().GetString("profile-id")
		minSize, _ := cmd.Flags().GetInt("min-size")
		maxSize, _ := cmd.Flags().GetInt("max-size")
		desired, _ := cmd.Flags().GetInt("desired-capacity")
		nameFormat, _ := cmd.Flags().GetString("node-name-format")

		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := registerCluster(store, args[0], name, profileID, minSize, maxSize, desired, nameFormat); err != nil {
			return err
		}
		fmt.Printf("cluster %s registered\n", args[0])
		return nil
	},
}

func init() {
	clusterRegisterCmd.Flags().String("name", "", "cluster name")
	clusterRegisterCmd.Flags().String("profile-id", "", "profile id new nodes are created with")
	clusterRegisterCmd.Flags().Int("min-size", 0, "min_size")
	clusterRegisterCmd.Flags().Int("max-size", types.UnboundedMaxSize, "max_size (-1 unbounded)")
	clusterRegisterCmd.Flags().Int("desired-capacity", 0, "initial desired_capacity")
	clusterRegisterCmd.Flags().String("node-name-format", "", "override engine's default node.name.format for this cluster")
}

var clusterGetCmd = &cobra.Command{
	Use:   "get CLUSTER_ID",
	Short: "Print a cluster's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		c, err := store.GetCluster(args[0])
		if err != nil {
			return err
		}
		count, _ := store.CountByCluster(c.ID)
		fmt.Printf("id:               %s\n", c.ID)
		fmt.Printf("name:             %s\n", c.Name)
		fmt.Printf("status:           %s %s\n", c.Status, c.StatusReason)
		fmt.Printf("profile_id:       %s\n", c.ProfileID)
		fmt.Printf("desired_capacity: %d\n", c.DesiredCapacity)
		fmt.Printf("min/max size:     %d/%d\n", c.MinSize, c.MaxSize)
		fmt.Printf("member nodes:     %d\n", count)
		return nil
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		clusters, err := store.ListClusters()
		if err != nil {
			return err
		}
		if len(clusters) == 0 {
			fmt.Println("no clusters found")
			return nil
		}
		fmt.Printf("%-36s %-20s %-10s %-10s\n", "ID", "NAME", "STATUS", "CAPACITY")
		for _, c := range clusters {
			fmt.Printf("%-36s %-20s %-10s %-10d\n", c.ID, truncate(c.Name, 20), c.Status, c.DesiredCapacity)
		}
		return nil
	},
}

// Node commands

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage standalone nodes and submit NODE_* actions",
}

func nodeActionCmd(use, short string, verb types.Verb) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " NODE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("input")
			inputs, err := inputMap(pairs)
			if err != nil {
				return err
			}

			e, closeFn, err := bootEngine(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			return submitAndWait(cmd, e, e.Store, func() (string, error) {
				return e.SubmitNodeAction(args[0], verb, inputs)
			})
		},
	}
	cmd.Flags().StringArray("input", nil, "action input, key=value (repeatable)")
	return cmd
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeGetCmd)
	nodeCmd.AddCommand(nodeActionCmd("create", "Submit NODE_CREATE", types.NodeCreate))
	nodeCmd.AddCommand(nodeActionCmd("delete", "Submit NODE_DELETE", types.NodeDelete))
	nodeCmd.AddCommand(nodeActionCmd("update", "Submit NODE_UPDATE", types.NodeUpdate))
	nodeCmd.AddCommand(nodeActionCmd("join", "Submit NODE_JOIN", types.NodeJoin))
	nodeCmd.AddCommand(nodeActionCmd("leave", "Submit NODE_LEAVE", types.NodeLeave))
	nodeCmd.AddCommand(nodeActionCmd("check", "Submit NODE_CHECK", types.NodeCheck))
	nodeCmd.AddCommand(nodeActionCmd("recover", "Submit NODE_RECOVER", types.NodeRecover))
	nodeCmd.AddCommand(nodeActionCmd("operation", "Submit NODE_OPERATION", types.NodeOperation))
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register NODE_ID",
	Short: "Create a standalone Node record, ready for NODE_CREATE or NODE_JOIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profileID, _ := cmd.Flags().GetString("profile-id")

		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := registerNode(store, args[0], profileID); err != nil {
			return err
		}
		fmt.Printf("node %s registered\n", args[0])
		return nil
	},
}

func init() {
	nodeRegisterCmd.Flags().String("profile-id", "", "profile id the node is created with")
}

var nodeGetCmd = &cobra.Command{
	Use:   "get NODE_ID",
	Short: "Print a node's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := store.GetNode(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id:          %s\n", n.ID)
		fmt.Printf("cluster_id:  %s\n", n.ClusterID)
		fmt.Printf("index:       %d\n", n.Index)
		fmt.Printf("profile_id:  %s\n", n.ProfileID)
		fmt.Printf("physical_id: %s\n", n.PhysicalID)
		fmt.Printf("status:      %s\n", n.Status)
		return nil
	},
}

// Action commands

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Inspect and signal in-flight actions",
}

func init() {
	actionCmd.AddCommand(actionGetCmd)
	actionCmd.AddCommand(actionSignalCmd)
}

var actionGetCmd = &cobra.Command{
	Use:   "get ACTION_ID",
	Short: "Print an action's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		a, err := store.GetAction(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id:     %s\n", a.ID)
		fmt.Printf("verb:   %s\n", a.Verb)
		fmt.Printf("target: %s\n", a.Target)
		fmt.Printf("cause:  %s\n", a.Cause)
		fmt.Printf("status: %s %s\n", a.Status, a.StatusReason)
		fmt.Printf("owner:  %s\n", a.Owner)
		return nil
	},
}

var actionSignalCmd = &cobra.Command{
	Use:   "signal ACTION_ID CANCEL|SUSPEND|RESUME",
	Short: "Send a signal to an in-flight action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := bootEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := e.SignalAction(args[0], types.Signal(args[1])); err != nil {
			return err
		}
		fmt.Printf("signal %s sent to action %s\n", args[1], args[0])
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
