package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/metrics"
	"github.com/dreamware/converge/internal/retry"
)

// ErrReleased is returned by Ensure after ReleaseAll until the next
// Reconcile re-arms the registry.
var ErrReleased = errors.New("dispatch: subscriptions released")

// Purpose says why the controller watches a path.
type Purpose string

const (
	// PurposeMessages watches a live node's message queue so processed
	// messages trigger the next pass.
	PurposeMessages Purpose = "messages"
	// PurposeCurrentStates watches the set of resources a node reports.
	PurposeCurrentStates Purpose = "current-states"
	// PurposeCurrentState watches one current-state record of a node.
	PurposeCurrentState Purpose = "current-state"
	// PurposeLiveInstances watches node arrivals and departures.
	PurposeLiveInstances Purpose = "live-instances"
	// PurposeInstanceConfigs watches add-instance and drop-instance.
	PurposeInstanceConfigs Purpose = "instance-configs"
	// PurposeInstanceConfig watches one instance's config (enable/disable).
	PurposeInstanceConfig Purpose = "instance-config"
	// PurposeResources watches add-resource and drop-resource.
	PurposeResources Purpose = "resources"
	// PurposeResourceConfig watches one resource's config (rebalance).
	PurposeResourceConfig Purpose = "resource-config"
	// PurposeStateModels watches state model definitions.
	PurposeStateModels Purpose = "state-models"
)

// Key identifies one subscription. The registry holds at most one watch per
// key.
type Key struct {
	Path    string
	Purpose Purpose
}

func (k Key) kind() metastore.WatchKind {
	switch k.Purpose {
	case PurposeCurrentState, PurposeInstanceConfig, PurposeResourceConfig:
		return metastore.WatchData
	}
	return metastore.WatchChildren
}

// MessagesKey is the controller-side subscription on a node's message queue.
func MessagesKey(clusterName, instance string) Key {
	return Key{Path: cluster.MessagesPath(clusterName, instance), Purpose: PurposeMessages}
}

// DesiredKeys lists every subscription a leader of clusterName should hold
// for snap, sorted by path then purpose.
func DesiredKeys(clusterName string, snap *cache.Snapshot) []Key {
	keys := []Key{
		{Path: cluster.LiveInstancesPath(clusterName), Purpose: PurposeLiveInstances},
		{Path: cluster.ParticipantConfigsPath(clusterName), Purpose: PurposeInstanceConfigs},
		{Path: cluster.ResourcesPath(clusterName), Purpose: PurposeResources},
		{Path: cluster.StateModelsPath(clusterName), Purpose: PurposeStateModels},
	}
	if snap == nil {
		return sortKeys(keys)
	}
	for instance := range snap.Instances {
		keys = append(keys, Key{Path: cluster.ParticipantConfigPath(clusterName, instance), Purpose: PurposeInstanceConfig})
	}
	for resource := range snap.Resources {
		keys = append(keys, Key{Path: cluster.ResourcePath(clusterName, resource), Purpose: PurposeResourceConfig})
	}
	for instance := range snap.LiveInstances {
		keys = append(keys,
			MessagesKey(clusterName, instance),
			Key{Path: cluster.CurrentStatesPath(clusterName, instance), Purpose: PurposeCurrentStates},
		)
		for resource := range snap.CurrentStates[instance] {
			keys = append(keys, Key{Path: cluster.CurrentStatePath(clusterName, instance, resource), Purpose: PurposeCurrentState})
		}
	}
	return sortKeys(keys)
}

func sortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Purpose < keys[j].Purpose
	})
	return keys
}

// Registry is the controller's set of store subscriptions, keyed by
// (path, purpose). Reconcile is run on every pipeline pass and brings the set
// in line with the snapshot; Ensure adds one subscription synchronously.
type Registry struct {
	cluster  string
	client   metastore.Client
	onChange func(metastore.Event)
	policy   retry.Policy
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	subs     map[Key]*metastore.Watch
	released bool
}

// NewRegistry creates an empty registry. onChange is called from the store's
// delivery goroutine for every event on any held subscription and must not
// block.
func NewRegistry(clusterName string, client metastore.Client, onChange func(metastore.Event), policy retry.Policy, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		cluster:  clusterName,
		client:   client,
		onChange: onChange,
		policy:   policy,
		logger:   logger.With().Str("layer", "subscriptions").Str("cluster", clusterName).Logger(),
		metrics:  m,
		subs:     map[Key]*metastore.Watch{},
	}
}

// Ensure makes sure key is subscribed, retrying with backoff. It returns only
// once the watch is armed or the retries are exhausted.
func (r *Registry) Ensure(ctx context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	return r.ensureLocked(ctx, key)
}

func (r *Registry) ensureLocked(ctx context.Context, key Key) error {
	if w, ok := r.subs[key]; ok && w.Active() {
		return nil
	}
	delete(r.subs, key)

	err := retry.Do(ctx, r.policy, func() error {
		w, err := r.client.Watch(key.Path, key.kind(), r.onChange)
		if errors.Is(err, metastore.ErrSessionExpired) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		r.subs[key] = w
		return nil
	}, func(attempt int, err error) {
		r.metrics.StoreRetry("dispatch")
		r.logger.Warn().Err(err).Str("path", key.Path).Int("attempt", attempt).Msg("subscribe failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("subscribe %s (%s): %w", key.Path, key.Purpose, err)
	}
	r.logger.Debug().Str("path", key.Path).Str("purpose", string(key.Purpose)).Msg("subscribed")
	return nil
}

// Reconcile subscribes every key snap calls for and cancels the rest. The
// first error is returned after every key has been attempted.
func (r *Registry) Reconcile(ctx context.Context, snap *cache.Snapshot) error {
	desired := DesiredKeys(r.cluster, snap)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = false

	want := make(map[Key]bool, len(desired))
	var firstErr error
	for _, key := range desired {
		want[key] = true
		if err := r.ensureLocked(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for key, w := range r.subs {
		if want[key] {
			continue
		}
		w.Cancel()
		delete(r.subs, key)
		r.logger.Debug().Str("path", key.Path).Str("purpose", string(key.Purpose)).Msg("unsubscribed")
	}
	r.metrics.SetSubscriptions(r.cluster, len(r.subs))
	return firstErr
}

// ReleaseAll cancels every subscription. Ensure fails until the next
// Reconcile.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, w := range r.subs {
		w.Cancel()
		delete(r.subs, key)
	}
	r.released = true
	r.metrics.SetSubscriptions(r.cluster, 0)
	r.logger.Debug().Msg("released all subscriptions")
}

// Has reports whether key is subscribed and armed.
func (r *Registry) Has(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.subs[key]
	return ok && w.Active()
}

// Keys returns the held subscriptions, sorted.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.subs))
	for key := range r.subs {
		out = append(out, key)
	}
	return sortKeys(out)
}

// Len returns the number of held subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
