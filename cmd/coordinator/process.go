package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/admin"
	"github.com/dreamware/converge/internal/api"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/config"
	"github.com/dreamware/converge/internal/coordinator"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/metrics"
	"github.com/dreamware/converge/internal/participant"
	"github.com/dreamware/converge/internal/storage"
)

const healthInterval = 5 * time.Second

// process is everything one coordinator binary runs.
type process struct {
	cfg      config.Config
	logger   zerolog.Logger
	backend  storage.Store
	store    *metastore.Server
	admin    *admin.Admin
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *coordinator.HealthMonitor
	api      *api.Server

	// probes holds one session probe per supervised component, replaced on
	// every reconnect.
	probes      *xsync.Map[string, coordinator.Probe]
	agents      *xsync.Map[string, *participant.Agent]
	standalone  atomic.Pointer[coordinator.Standalone]
	distributed atomic.Pointer[coordinator.DistributedController]
}

func newProcess(cfg config.Config, logger zerolog.Logger) (*process, error) {
	var backend storage.Store = storage.NewMemoryStore()
	if cfg.Store.DataDir != "" {
		b, err := storage.NewBadgerStore(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		backend = b
	}
	srv, err := metastore.NewServer(backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &process{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		store:    srv,
		admin:    admin.New(srv.Connect(), logger),
		registry: reg,
		metrics:  metrics.New(reg),
		health:   coordinator.NewHealthMonitor(healthInterval, logger),
		probes:   xsync.NewMap[string, coordinator.Probe](),
		agents:   xsync.NewMap[string, *participant.Agent](),
	}
	if err := p.bootstrap(); err != nil {
		p.Close()
		return nil, err
	}
	p.api = api.New(api.Options{
		Admin:          p.admin,
		Client:         srv.Connect(),
		Listeners:      srv,
		Health:         p.health,
		Assignments:    p.assignments,
		Replicas:       p.replicas,
		Gatherer:       reg,
		Strategy:       cfg.Controller.Strategy,
		VerifyAttempts: cfg.Verifier.MaxAttempts,
		VerifyInterval: cfg.Verifier.Interval,
		Logger:         logger,
	})
	return p, nil
}

// bootstrap creates the clusters and instances the configuration refers to.
// Existing ones are left alone, so restarts on a durable store are no-ops.
func (p *process) bootstrap() error {
	ensureCluster := func(name string) error {
		if err := p.admin.AddCluster(name); err != nil && !errors.Is(err, admin.ErrClusterExists) {
			return fmt.Errorf("bootstrap cluster %s: %w", name, err)
		}
		return nil
	}
	ensureInstance := func(clusterName, hostPort string) error {
		if _, err := p.admin.AddInstance(clusterName, hostPort); err != nil && !errors.Is(err, admin.ErrInstanceExists) {
			return fmt.Errorf("bootstrap instance %s/%s: %w", clusterName, hostPort, err)
		}
		return nil
	}

	ctl := p.cfg.Controller
	switch ctl.Mode {
	case config.ModeStandalone:
		if err := ensureCluster(ctl.Cluster); err != nil {
			return err
		}
	case config.ModeDistributed:
		if err := ensureCluster(ctl.GrandCluster); err != nil {
			return err
		}
		if err := ensureInstance(ctl.GrandCluster, ctl.Name); err != nil {
			return err
		}
	}
	for _, pc := range p.cfg.Participants {
		if err := ensureCluster(pc.Cluster); err != nil {
			return err
		}
		if err := ensureInstance(pc.Cluster, pc.Instance); err != nil {
			return err
		}
	}
	return nil
}

func (p *process) controllerOptions() coordinator.Options {
	return coordinator.Options{
		Name:     p.cfg.Controller.Name,
		Cluster:  p.cfg.Controller.Cluster,
		Strategy: p.cfg.Controller.Strategy,
		Resync:   p.cfg.Controller.Resync,
		Retry:    p.cfg.Retry,
		Logger:   p.logger,
		Metrics:  p.metrics,
	}
}

// assignments exposes the placement of clusters this process leads.
func (p *process) assignments(clusterName string) *coordinator.AssignmentRegistry {
	if s := p.standalone.Load(); s != nil && s.Controller().Cluster() == clusterName && s.Lifecycle().Leading() {
		return s.Controller().Assignments()
	}
	if d := p.distributed.Load(); d != nil {
		if clusterName == p.cfg.Controller.GrandCluster && d.GrandLifecycle().Leading() {
			return d.GrandController().Assignments()
		}
		if lc := d.Lifecycle(clusterName); lc != nil && lc.Leading() {
			return d.Controller(clusterName).Assignments()
		}
	}
	return nil
}

// connect opens a session for a supervised component and registers its
// health probe.
func (p *process) connect(name string) func() (metastore.Client, error) {
	return func() (metastore.Client, error) {
		sess := p.store.Connect()
		p.probes.Store(name, coordinator.SessionProbe(name, sess))
		return sess, nil
	}
}

func (p *process) runController(ctx context.Context, client metastore.Client) error {
	switch p.cfg.Controller.Mode {
	case config.ModeDistributed:
		d := coordinator.NewDistributedController(client, p.cfg.Controller.GrandCluster, p.controllerOptions())
		p.distributed.Store(d)
		return d.Run(ctx)
	default:
		s := coordinator.NewStandalone(client, p.controllerOptions())
		p.standalone.Store(s)
		return s.Run(ctx)
	}
}

func (p *process) runParticipant(pc config.ParticipantConfig) func(context.Context, metastore.Client) error {
	return func(ctx context.Context, client metastore.Client) error {
		agent := participant.New(client, participant.Options{
			Cluster:  pc.Cluster,
			Instance: cluster.InstanceName(pc.Instance),
			Delay:    pc.Delay,
			Retry:    p.cfg.Retry,
			Logger:   p.logger,
		})
		if err := agent.Start(ctx); err != nil {
			if errors.Is(err, participant.ErrAlreadyLive) {
				// The previous session's marker has not expired yet.
				return metastore.ErrSessionExpired
			}
			return err
		}
		key := pc.Cluster + "/" + agent.Instance()
		p.agents.Store(key, agent)
		defer func() {
			p.agents.Delete(key)
			agent.Stop()
		}()
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return metastore.ErrSessionExpired
		}
	}
}

// replicas lists what a mock participant of this process hosts.
func (p *process) replicas(clusterName, instance string) ([]participant.ReplicaInfo, bool) {
	agent, ok := p.agents.Load(clusterName + "/" + instance)
	if !ok {
		return nil, false
	}
	return agent.Replicas().List(), true
}

// Run serves until ctx ends or a component fails.
func (p *process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3+len(p.cfg.Participants))
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	spawn("controller", func() error {
		return coordinator.Supervise(ctx, p.connect("controller"), p.runController, p.cfg.Retry, p.logger)
	})
	for _, pc := range p.cfg.Participants {
		name := "participant/" + pc.Cluster + "/" + cluster.InstanceName(pc.Instance)
		spawn(name, func() error {
			return coordinator.Supervise(ctx, p.connect(name), p.runParticipant(pc), p.cfg.Retry, p.logger)
		})
	}
	spawn("health", func() error {
		p.health.Start(ctx, p.currentProbes)
		return nil
	})
	spawn("api", func() error {
		return p.api.ListenAndServe(ctx, p.cfg.API.Listen)
	})

	p.logger.Info().
		Str("mode", p.cfg.Controller.Mode).
		Str("controller", p.cfg.Controller.Name).
		Int("participants", len(p.cfg.Participants)).
		Msg("coordinator running")

	<-ctx.Done()
	wg.Wait()
	close(errs)
	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	p.logger.Info().Msg("coordinator stopped")
	return first
}

func (p *process) currentProbes() []coordinator.Probe {
	var out []coordinator.Probe
	p.probes.Range(func(_ string, probe coordinator.Probe) bool {
		out = append(out, probe)
		return true
	})
	return out
}

// Close releases the store.
func (p *process) Close() {
	p.health.Stop()
	_ = p.store.Close()
	if err := p.backend.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("close backend")
	}
}
