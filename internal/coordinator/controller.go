package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/convergence"
	"github.com/dreamware/converge/internal/dispatch"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/metrics"
	"github.com/dreamware/converge/internal/rebalancer"
	"github.com/dreamware/converge/internal/retry"
)

// DefaultResync is the interval of the safety-net pass run even when no
// change notification arrives.
const DefaultResync = 30 * time.Second

// Options configures a ClusterController.
type Options struct {
	// Name identifies the controller in messages and leader records.
	Name    string
	Cluster string
	// Strategy is the placement strategy for resources that do not name one.
	Strategy string
	Resync   time.Duration
	Retry    retry.Policy
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = rebalancer.BalancedStrategy
	}
	if o.Resync <= 0 {
		o.Resync = DefaultResync
	}
	if o.Retry.Attempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// PassResult summarizes one pipeline pass.
type PassResult struct {
	Snapshot       uint64
	IdealWrites    int
	ViewWrites     int
	StaleRemoved   int
	MessagesSent   int
	MessagesWanted int
}

// ClusterController runs the rebalance-and-converge pipeline for one
// cluster. Passes run on a single goroutine inside Run, triggered by store
// notifications and a resync ticker; notifications that arrive during a pass
// coalesce into one follow-up pass.
//
// The controller keeps no state it cannot rebuild from the store: every pass
// starts from a fresh snapshot.
type ClusterController struct {
	opts   Options
	client metastore.Client
	logger zerolog.Logger

	cache       *cache.Cache
	rebalancer  *rebalancer.Rebalancer
	engine      *convergence.Engine
	registry    *dispatch.Registry
	dispatcher  *dispatch.Dispatcher
	assignments *AssignmentRegistry

	kick    chan struct{}
	running atomic.Bool
	passes  atomic.Uint64

	mu   sync.Mutex
	last PassResult
}

// NewClusterController wires a controller for opts.Cluster on client.
func NewClusterController(client metastore.Client, opts Options) *ClusterController {
	opts = opts.withDefaults()
	c := &ClusterController{
		opts:   opts,
		client: client,
		logger: opts.Logger.With().
			Str("layer", "controller").
			Str("cluster", opts.Cluster).
			Str("controller", opts.Name).
			Logger(),
		rebalancer:  rebalancer.New(opts.Strategy),
		engine:      convergence.New(opts.Name, opts.Logger),
		assignments: NewAssignmentRegistry(),
		kick:        make(chan struct{}, 1),
	}
	c.cache = cache.New(opts.Cluster, client,
		cache.WithRetry(opts.Retry),
		cache.WithLogger(opts.Logger),
		cache.WithMetrics(opts.Metrics))
	c.registry = dispatch.NewRegistry(opts.Cluster, client, func(metastore.Event) { c.Notify() }, opts.Retry, opts.Logger, opts.Metrics)
	c.dispatcher = dispatch.NewDispatcher(opts.Cluster, client, c.registry, opts.Retry, opts.Logger, opts.Metrics)
	return c
}

// Cluster returns the managed cluster name.
func (c *ClusterController) Cluster() string { return c.opts.Cluster }

// Registry returns the controller's subscription registry.
func (c *ClusterController) Registry() *dispatch.Registry { return c.registry }

// Assignments returns the placement computed by the latest pass.
func (c *ClusterController) Assignments() *AssignmentRegistry { return c.assignments }

// Snapshot returns the snapshot of the latest pass, or nil before the first.
func (c *ClusterController) Snapshot() *cache.Snapshot { return c.cache.Snapshot() }

// Passes returns how many passes have completed.
func (c *ClusterController) Passes() uint64 { return c.passes.Load() }

// LastPass returns the result of the latest completed pass.
func (c *ClusterController) LastPass() PassResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Running reports whether Run is active.
func (c *ClusterController) Running() bool { return c.running.Load() }

// Notify requests a pass. It never blocks; requests made while a pass is
// pending collapse into it.
func (c *ClusterController) Notify() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx ends. Cancelling ctx is how leadership loss
// reaches the controller: the pass in progress stops before its next store
// mutation and every subscription is released before Run returns.
func (c *ClusterController) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator: controller already running")
	}
	defer c.running.Store(false)
	defer c.registry.ReleaseAll()

	c.logger.Info().Dur("resync", c.opts.Resync).Msg("pipeline started")
	ticker := time.NewTicker(c.opts.Resync)
	defer ticker.Stop()

	c.Notify()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("pipeline stopped")
			return nil
		case <-c.client.Done():
			c.logger.Warn().Msg("store session ended, pipeline stopped")
			return metastore.ErrSessionExpired
		case <-c.kick:
		case <-ticker.C:
		}
		if _, err := c.RunPass(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
			c.logger.Warn().Err(err).Msg("pipeline pass incomplete")
		}
	}
}

// RunPass executes one pipeline pass: refresh, reconcile subscriptions,
// rebalance, publish external views, converge and dispatch. ctx stands for
// leadership; once it is done no further mutation is made.
func (c *ClusterController) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	res, err := c.pass(ctx)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrNotLeader):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	c.opts.Metrics.ObservePipeline(c.opts.Cluster, outcome, time.Since(start))
	c.passes.Add(1)
	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.logger.Debug().
		Uint64("snapshot", res.Snapshot).
		Int("ideal_writes", res.IdealWrites).
		Int("view_writes", res.ViewWrites).
		Int("sent", res.MessagesSent).
		Str("result", outcome).
		Dur("took", time.Since(start)).
		Msg("pipeline pass")
	return res, err
}

func (c *ClusterController) pass(ctx context.Context) (PassResult, error) {
	var res PassResult
	if ctx.Err() != nil {
		return res, ErrNotLeader
	}

	snap, err := c.cache.Refresh(ctx)
	if snap == nil {
		return res, fmt.Errorf("refresh: %w", err)
	}
	stale := err != nil
	if stale {
		c.logger.Warn().Err(err).Uint64("snapshot", snap.Version).Msg("refresh failed, using last good snapshot")
	}
	res.Snapshot = snap.Version

	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	if err := c.registry.Reconcile(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("subscription reconcile incomplete")
	}

	ideals := c.computeIdealStates(snap)
	c.assignments.Update(ideals)

	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	res.IdealWrites = c.writeIdealStates(ctx, snap, ideals)

	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	res.ViewWrites = c.writeExternalViews(ctx, snap)

	// Pending messages in an old snapshot may already be gone or replaced,
	// so nothing is sent until a refresh succeeds.
	if stale {
		return res, fmt.Errorf("refresh: %w", err)
	}
	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	res.StaleRemoved = c.dispatcher.CleanupStale(snap)

	msgs := c.engine.ComputeTransitions(snap, ideals)
	res.MessagesWanted = len(msgs)
	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	sent, err := c.dispatcher.DispatchAll(ctx, msgs)
	res.MessagesSent = sent
	if ctx.Err() != nil {
		return res, ErrNotLeader
	}
	return res, err
}

func (c *ClusterController) computeIdealStates(snap *cache.Snapshot) map[string]*cluster.IdealState {
	ideals := make(map[string]*cluster.IdealState, len(snap.Resources))
	for _, name := range snap.SortedResources() {
		ideal, err := c.rebalancer.ComputeIdealState(snap, name)
		if err != nil {
			c.logger.Warn().Err(err).Str("resource", name).Msg("cannot compute ideal state")
			continue
		}
		rc := snap.Resources[name]
		missing := rebalancer.Unassigned(ideal, rc)
		c.opts.Metrics.SetUnassigned(c.opts.Cluster, name, missing)
		if missing > 0 {
			c.logger.Warn().
				Str("resource", name).
				Int("unassigned", missing).
				Int("live", len(snap.LiveNodes())).
				Int("replicas", rc.Replicas).
				Msg("not enough live instances for every replica")
		}
		ideals[name] = ideal
	}
	return ideals
}

// writeIdealStates persists changed ideal states and removes those of
// dropped resources. It stops writing once ctx is done.
func (c *ClusterController) writeIdealStates(ctx context.Context, snap *cache.Snapshot, ideals map[string]*cluster.IdealState) int {
	writes := 0
	for name, ideal := range ideals {
		if ctx.Err() != nil {
			return writes
		}
		if ideal.Equal(snap.IdealStates[name]) {
			continue
		}
		data, err := cluster.Encode(ideal)
		if err != nil {
			c.logger.Error().Err(err).Str("resource", name).Msg("encode ideal state")
			continue
		}
		if err := metastore.Upsert(c.client, cluster.IdealStatePath(c.opts.Cluster, name), data); err != nil {
			c.logger.Warn().Err(err).Str("resource", name).Msg("write ideal state")
			continue
		}
		writes++
	}
	for name := range snap.IdealStates {
		if ctx.Err() != nil {
			return writes
		}
		if _, ok := snap.Resources[name]; ok {
			continue
		}
		err := c.client.Delete(cluster.IdealStatePath(c.opts.Cluster, name), metastore.AnyVersion)
		if err != nil && !errors.Is(err, metastore.ErrNoNode) {
			c.logger.Warn().Err(err).Str("resource", name).Msg("delete ideal state")
			continue
		}
		writes++
	}
	return writes
}

// writeExternalViews mirrors the snapshot's current states into the
// external view of every resource whose aggregate changed. A view of a
// dropped resource is removed once no live instance reports it. It stops
// writing once ctx is done.
func (c *ClusterController) writeExternalViews(ctx context.Context, snap *cache.Snapshot) int {
	names := map[string]bool{}
	for name := range snap.Resources {
		names[name] = true
	}
	for name := range snap.ExternalViews {
		names[name] = true
	}
	for _, byResource := range snap.CurrentStates {
		for name := range byResource {
			names[name] = true
		}
	}

	writes := 0
	for name := range names {
		if ctx.Err() != nil {
			return writes
		}
		view := snap.BuildExternalView(name)
		prev := snap.ExternalViews[name]
		_, configured := snap.Resources[name]
		p := cluster.ExternalViewPath(c.opts.Cluster, name)

		if !configured && len(view.Partitions) == 0 {
			if prev == nil {
				continue
			}
			if err := c.client.Delete(p, metastore.AnyVersion); err != nil && !errors.Is(err, metastore.ErrNoNode) {
				c.logger.Warn().Err(err).Str("resource", name).Msg("delete external view")
				continue
			}
			writes++
			continue
		}
		if prev != nil && cluster.StateMapsEqual(prev.Partitions, view.Partitions) {
			continue
		}
		data, err := cluster.Encode(view)
		if err != nil {
			continue
		}
		if err := metastore.Upsert(c.client, p, data); err != nil {
			c.logger.Warn().Err(err).Str("resource", name).Msg("write external view")
			continue
		}
		writes++
	}
	return writes
}
