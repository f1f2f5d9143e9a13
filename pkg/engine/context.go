// Package engine implements the ClusterActionHandler and NodeActionHandler:
// the verb-dispatch tables that turn a claimed Action into profile-driver
// calls, derived child actions, and cluster/node state transitions.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cuemby/clusterforge/pkg/action"
	"github.com/cuemby/clusterforge/pkg/clock"
	"github.com/cuemby/clusterforge/pkg/config"
	"github.com/cuemby/clusterforge/pkg/dependency"
	"github.com/cuemby/clusterforge/pkg/events"
	"github.com/cuemby/clusterforge/pkg/health"
	"github.com/cuemby/clusterforge/pkg/lock"
	"github.com/cuemby/clusterforge/pkg/policy"
	"github.com/cuemby/clusterforge/pkg/profile"
	"github.com/cuemby/clusterforge/pkg/storage"
	"github.com/cuemby/clusterforge/pkg/types"
)

// Submitter wakes the dispatcher for a freshly created/readied action.
type Submitter interface {
	Submit(actionID string)
}

// Context bundles every collaborator the action handlers need, replacing
// the module-level globals the design notes flag as a smell.
type Context struct {
	Store      storage.Store
	Clock      clock.Clock
	Actions    *action.Manager
	Deps       *dependency.Graph
	Locks      *lock.Manager
	Policies   *policy.Engine
	Profiles   *profile.Registry
	Events     events.Sink
	Dispatcher Submitter
	EngineID   string
	Config     config.Config
	Health     *health.Registry
}

// ClusterActionHandler implements dispatcher.Handler for CLUSTER_* verbs.
type ClusterActionHandler struct {
	ctx *Context
}

// NewClusterActionHandler constructs a ClusterActionHandler.
func NewClusterActionHandler(ctx *Context) *ClusterActionHandler {
	return &ClusterActionHandler{ctx: ctx}
}

// NodeActionHandler implements dispatcher.Handler for NODE_* verbs.
type NodeActionHandler struct {
	ctx *Context
}

// NewNodeActionHandler constructs a NodeActionHandler.
func NewNodeActionHandler(ctx *Context) *NodeActionHandler {
	return &NodeActionHandler{ctx: ctx}
}

// CustomHandler serves any verb outside the CLUSTER_*/NODE_* families as a
// no-op success, per the Dispatcher's CustomAction fallback.
type CustomHandler struct{}

func (CustomHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	return types.ResultOK, ""
}

var nodeNameFormatRe = regexp.MustCompile(`\$(\d+)I`)

// formatNodeName renders config's "node.name.format" template (e.g.
// "node-$3I") for the given zero-based index, zero-padding to the
// requested width.
func formatNodeName(format string, index int) string {
	return nodeNameFormatRe.ReplaceAllStringFunc(format, func(m string) string {
		width, _ := strconv.Atoi(nodeNameFormatRe.FindStringSubmatch(m)[1])
		return fmt.Sprintf("%0*d", width, index)
	})
}

func (c *Context) defaultTimeout() int {
	return int(c.Config.DefaultActionTimeout.Seconds())
}
