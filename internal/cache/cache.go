package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/metrics"
	"github.com/dreamware/converge/internal/retry"
)

// ErrNoSnapshot is returned by Refresh when the very first load fails and
// there is no earlier snapshot to fall back on.
var ErrNoSnapshot = errors.New("cache: no snapshot available")

// Cache holds the latest Snapshot of one cluster. Refresh swaps a fully
// built snapshot in atomically; readers never see a partial one.
type Cache struct {
	cluster string
	client  metastore.Client
	policy  retry.Policy
	logger  zerolog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithRetry sets the retry policy for store reads.
func WithRetry(p retry.Policy) Option { return func(c *Cache) { c.policy = p } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// New creates an empty cache for cluster. Call Refresh before Snapshot.
func New(clusterName string, client metastore.Client, opts ...Option) *Cache {
	c := &Cache{
		cluster: clusterName,
		client:  client,
		policy:  retry.DefaultPolicy(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("layer", "cache").Str("cluster", clusterName).Logger()
	return c
}

// Snapshot returns the last successfully loaded snapshot, or nil.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh re-reads the cluster. Store failures are retried with backoff; if
// every attempt fails the previous snapshot is returned together with the
// error so the caller can carry on with last-good data.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := retry.Do(ctx, c.policy, func() error {
		var err error
		snap, err = Load(c.client, c.cluster)
		if errors.Is(err, metastore.ErrSessionExpired) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		c.metrics.StoreRetry("cache")
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("refresh failed, retrying")
	})
	if err != nil {
		last := c.current.Load()
		if last == nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
		}
		c.logger.Warn().Err(err).Uint64("version", last.Version).Msg("keeping last good snapshot")
		return last, err
	}

	snap.Version = c.version.Add(1)
	c.current.Store(snap)
	return snap, nil
}

// Load reads a full snapshot of clusterName from the store. Nodes that vanish
// between listing and reading are skipped.
func Load(client metastore.Client, clusterName string) (*Snapshot, error) {
	s := &Snapshot{
		Cluster:       clusterName,
		FetchedAt:     time.Now(),
		Instances:     map[string]cluster.InstanceConfig{},
		LiveInstances: map[string]cluster.LiveInstance{},
		Resources:     map[string]cluster.ResourceConfig{},
		IdealStates:   map[string]*cluster.IdealState{},
		CurrentStates: map[string]map[string]*cluster.CurrentState{},
		Messages:      map[string][]*cluster.Message{},
		StateModels:   map[string]*cluster.StateModelDefinition{},
		ExternalViews: map[string]*cluster.ExternalView{},
	}

	if err := readChildren(client, cluster.ParticipantConfigsPath(clusterName), func(name string, data []byte) error {
		var cfg cluster.InstanceConfig
		if err := cluster.Decode(data, &cfg); err != nil {
			return err
		}
		s.Instances[name] = cfg
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readChildren(client, cluster.LiveInstancesPath(clusterName), func(name string, data []byte) error {
		var li cluster.LiveInstance
		if err := cluster.Decode(data, &li); err != nil {
			return err
		}
		s.LiveInstances[name] = li
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readChildren(client, cluster.ResourcesPath(clusterName), func(name string, data []byte) error {
		var rc cluster.ResourceConfig
		if err := cluster.Decode(data, &rc); err != nil {
			return err
		}
		s.Resources[name] = rc
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readChildren(client, cluster.IdealStatesPath(clusterName), func(name string, data []byte) error {
		is := &cluster.IdealState{}
		if err := cluster.Decode(data, is); err != nil {
			return err
		}
		s.IdealStates[name] = is
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readChildren(client, cluster.StateModelsPath(clusterName), func(name string, data []byte) error {
		def := &cluster.StateModelDefinition{}
		if err := cluster.Decode(data, def); err != nil {
			return err
		}
		s.StateModels[name] = def
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readChildren(client, cluster.ExternalViewsPath(clusterName), func(name string, data []byte) error {
		ev := &cluster.ExternalView{}
		if err := cluster.Decode(data, ev); err != nil {
			return err
		}
		s.ExternalViews[name] = ev
		return nil
	}); err != nil {
		return nil, err
	}

	for instance := range s.Instances {
		if err := loadInstance(client, s, instance); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func loadInstance(client metastore.Client, s *Snapshot, instance string) error {
	live, isLive := s.LiveInstances[instance]

	states := map[string]*cluster.CurrentState{}
	if err := readChildren(client, cluster.CurrentStatesPath(s.Cluster, instance), func(resource string, data []byte) error {
		cs := &cluster.CurrentState{}
		if err := cluster.Decode(data, cs); err != nil {
			return err
		}
		// A record from an earlier session describes replicas the node no
		// longer hosts.
		if isLive && cs.SessionID == live.SessionID {
			states[resource] = cs
		}
		return nil
	}); err != nil {
		return err
	}
	if len(states) > 0 {
		s.CurrentStates[instance] = states
	}

	var msgs []*cluster.Message
	if err := readChildren(client, cluster.MessagesPath(s.Cluster, instance), func(_ string, data []byte) error {
		m := &cluster.Message{}
		if err := cluster.Decode(data, m); err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	}); err != nil {
		return err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	if len(msgs) > 0 {
		s.Messages[instance] = msgs
	}
	return nil
}

// readChildren calls fn for every child of parent with its data. A missing
// parent is an empty set.
func readChildren(client metastore.Client, parent string, fn func(name string, data []byte) error) error {
	names, err := client.Children(parent)
	if errors.Is(err, metastore.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", parent, err)
	}
	for _, name := range names {
		data, _, err := client.Get(path.Join(parent, name))
		if errors.Is(err, metastore.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", parent, name, err)
		}
		if len(data) == 0 {
			continue
		}
		if err := fn(name, data); err != nil {
			return fmt.Errorf("decode %s/%s: %w", parent, name, err)
		}
	}
	return nil
}
