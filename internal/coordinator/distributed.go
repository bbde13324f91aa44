package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/election"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/participant"
)

// DefaultElectTimeout bounds how long a STANDBY->LEADER transition waits to
// take the managed cluster's leader record.
const DefaultElectTimeout = 5 * time.Second

// DistributedController is one controller process in distributed mode. It
// joins the grand cluster as a participant; each managed cluster is a
// one-partition LeaderStandby resource there, and the replica this process
// holds decides its role for that cluster. Being told LEADER makes it take
// the managed cluster's leader record and run its pipeline.
//
// Every distributed controller also campaigns for leadership of the grand
// cluster itself; the winner runs the grand cluster's pipeline, which is what
// hands out the LEADER and STANDBY roles.
type DistributedController struct {
	client       metastore.Client
	opts         Options
	grand        string
	electTimeout time.Duration
	logger       zerolog.Logger

	agent     *participant.Agent
	grandLife *Lifecycle
	grandCtl  *ClusterController
	grandCand *election.Candidate

	mu      sync.Mutex
	managed map[string]*managedCluster
}

type managedCluster struct {
	lifecycle  *Lifecycle
	controller *ClusterController
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewDistributedController creates the controller named opts.Name for the
// grand cluster grand. opts.Cluster is ignored.
func NewDistributedController(client metastore.Client, grand string, opts Options) *DistributedController {
	opts = opts.withDefaults()
	grandOpts := opts
	grandOpts.Cluster = grand
	d := &DistributedController{
		client:       client,
		opts:         opts,
		grand:        grand,
		electTimeout: DefaultElectTimeout,
		logger:       opts.Logger.With().Str("layer", "distributed").Str("controller", opts.Name).Str("grand", grand).Logger(),
		grandLife:    NewLifecycle(grand, opts.Logger, opts.Metrics),
		grandCtl:     NewClusterController(client, grandOpts),
		grandCand:    election.NewCandidate(election.NewStorePrimitive(client, grand, opts.Name), opts.Name, opts.Logger),
		managed:      map[string]*managedCluster{},
	}
	d.agent = participant.New(client, participant.Options{
		Cluster:  grand,
		Instance: opts.Name,
		Handler:  participant.HandlerFunc(d.transition),
		Retry:    opts.Retry,
		Logger:   opts.Logger,
	})
	return d
}

// Name returns the controller name.
func (d *DistributedController) Name() string { return d.opts.Name }

// GrandLifecycle returns this controller's lifecycle for the grand cluster.
func (d *DistributedController) GrandLifecycle() *Lifecycle { return d.grandLife }

// GrandController returns the grand cluster's pipeline, which only runs
// while this controller leads the grand cluster.
func (d *DistributedController) GrandController() *ClusterController { return d.grandCtl }

// Lifecycle returns this controller's lifecycle for a managed cluster, or
// nil if the grand cluster never assigned it a role there.
func (d *DistributedController) Lifecycle(clusterName string) *Lifecycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.managed[clusterName]; ok {
		return m.lifecycle
	}
	return nil
}

// Controller returns the pipeline of a managed cluster, or nil.
func (d *DistributedController) Controller(clusterName string) *ClusterController {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.managed[clusterName]; ok {
		return m.controller
	}
	return nil
}

// Leading returns the managed clusters this controller currently leads.
func (d *DistributedController) Leading() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for name, m := range d.managed {
		if m.lifecycle.Leading() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Run joins the grand cluster and serves until ctx ends or the store
// session is lost. Every lifecycle ends Disconnected.
func (d *DistributedController) Run(ctx context.Context) error {
	if err := d.agent.Start(ctx); err != nil {
		return fmt.Errorf("join grand cluster: %w", err)
	}
	if err := d.grandLife.Transition(DistributedCandidate); err != nil {
		d.agent.Stop()
		return err
	}

	err := d.grandCand.Run(ctx, func(lctx context.Context) {
		if err := d.grandLife.Transition(DistributedLeader); err != nil {
			d.logger.Error().Err(err).Msg("enter grand leadership")
			return
		}
		_ = d.grandCtl.Run(lctx)
	}, func() {
		if d.grandLife.State() == DistributedLeader {
			_ = d.grandLife.Transition(DistributedCandidate)
		}
	})

	d.agent.Stop()
	d.stopAll()
	_ = d.grandLife.Transition(Disconnected)
	return err
}

// transition runs the LeaderStandby transitions the grand cluster sends
// for a managed cluster. msg.Resource names the managed cluster.
func (d *DistributedController) transition(ctx context.Context, msg *cluster.Message, _ *participant.Replica) error {
	name := msg.Resource
	switch msg.ToState {
	case cluster.StateStandby:
		m := d.entry(name)
		if msg.FromState == cluster.StateLeader {
			d.resign(name, m)
		}
		return m.lifecycle.Transition(DistributedCandidate)
	case cluster.StateLeader:
		return d.lead(ctx, name, d.entry(name))
	case cluster.StateOffline:
		d.mu.Lock()
		m, ok := d.managed[name]
		delete(d.managed, name)
		d.mu.Unlock()
		if ok {
			d.resign(name, m)
			return m.lifecycle.Transition(Disconnected)
		}
		return nil
	case cluster.StateDropped:
		return nil
	}
	return fmt.Errorf("unexpected transition %s -> %s", msg.FromState, msg.ToState)
}

func (d *DistributedController) entry(name string) *managedCluster {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.managed[name]
	if !ok {
		opts := d.opts
		opts.Cluster = name
		m = &managedCluster{
			lifecycle:  NewLifecycle(name, d.opts.Logger, d.opts.Metrics),
			controller: NewClusterController(d.client, opts),
		}
		d.managed[name] = m
	}
	return m
}

// lead takes the managed cluster's leader record and starts its pipeline.
// It returns once leadership is confirmed, or fails after electTimeout so
// the grand cluster can try again.
func (d *DistributedController) lead(ctx context.Context, name string, m *managedCluster) error {
	d.mu.Lock()
	if m.cancel != nil {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	d.mu.Unlock()

	elected := make(chan struct{})
	cand := election.NewCandidate(election.NewStorePrimitive(d.client, name, d.opts.Name), d.opts.Name, d.opts.Logger)
	go func() {
		defer close(done)
		err := cand.Run(runCtx, func(lctx context.Context) {
			if err := m.lifecycle.Transition(DistributedLeader); err != nil {
				d.logger.Error().Err(err).Str("cluster", name).Msg("enter leadership")
				return
			}
			close(elected)
			_ = m.controller.Run(lctx)
		}, func() {
			if m.lifecycle.State() == DistributedLeader {
				_ = m.lifecycle.Transition(DistributedCandidate)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn().Err(err).Str("cluster", name).Msg("leadership ended")
		}
	}()

	timer := time.NewTimer(d.electTimeout)
	defer timer.Stop()
	select {
	case <-elected:
		d.logger.Info().Str("cluster", name).Msg("leading managed cluster")
		return nil
	case <-done:
		d.clear(m)
		return fmt.Errorf("%w: %s", ErrNotLeader, name)
	case <-timer.C:
	case <-ctx.Done():
	}
	d.resign(name, m)
	return fmt.Errorf("%w: %s: election timed out", ErrNotLeader, name)
}

// resign stops the managed cluster's pipeline and withdraws from its
// election, waiting until the leader record is gone.
func (d *DistributedController) resign(name string, m *managedCluster) {
	d.mu.Lock()
	cancel, done := m.cancel, m.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.clear(m)
	d.logger.Info().Str("cluster", name).Msg("resigned managed cluster")
}

func (d *DistributedController) clear(m *managedCluster) {
	d.mu.Lock()
	m.cancel, m.done = nil, nil
	d.mu.Unlock()
}

func (d *DistributedController) stopAll() {
	d.mu.Lock()
	names := make([]string, 0, len(d.managed))
	for name := range d.managed {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		d.mu.Lock()
		m := d.managed[name]
		d.mu.Unlock()
		d.resign(name, m)
		_ = m.lifecycle.Transition(Disconnected)
	}
}
