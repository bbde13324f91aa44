package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/retry"
)

var (
	// ErrNotConfigured is returned by Start when the instance was never added
	// to the cluster.
	ErrNotConfigured = errors.New("participant: instance not configured")
	// ErrAlreadyLive is returned by Start when another session already holds
	// the instance's liveness marker.
	ErrAlreadyLive = errors.New("participant: instance already live")
)

// Handler performs the work behind a state transition. Returning an error
// leaves the replica where it was; the controller will ask again.
type Handler interface {
	Transition(ctx context.Context, msg *cluster.Message, replica *Replica) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *cluster.Message, replica *Replica) error

// Transition implements Handler.
func (f HandlerFunc) Transition(ctx context.Context, msg *cluster.Message, replica *Replica) error {
	return f(ctx, msg, replica)
}

// Options configures an Agent.
type Options struct {
	Cluster  string
	Instance string
	// Handler runs each accepted transition. Nil uses Journal.
	Handler Handler
	// Delay is added before each transition, to widen race windows in
	// scenarios.
	Delay  time.Duration
	Retry  retry.Policy
	Logger zerolog.Logger
}

// Agent is a worker node: it announces liveness, consumes the messages the
// controller leaves in its queue and reports the resulting states.
type Agent struct {
	client   metastore.Client
	cluster  string
	instance string
	handler  Handler
	delay    time.Duration
	policy   retry.Policy
	logger   zerolog.Logger
	replicas *ReplicaTable

	session string
	models  map[string]*cluster.StateModelDefinition
	watch   *metastore.Watch
	kick    chan struct{}

	processed atomic.Int64
	discarded atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent for opts.Instance on client. The agent owns nothing
// in the store until Start.
func New(client metastore.Client, opts Options) *Agent {
	policy := opts.Retry
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFunc(Journal)
	}
	return &Agent{
		client:   client,
		cluster:  opts.Cluster,
		instance: opts.Instance,
		handler:  handler,
		delay:    opts.Delay,
		policy:   policy,
		logger: opts.Logger.With().
			Str("layer", "participant").
			Str("cluster", opts.Cluster).
			Str("instance", opts.Instance).
			Logger(),
		replicas: NewReplicaTable(),
		models:   map[string]*cluster.StateModelDefinition{},
		kick:     make(chan struct{}, 1),
	}
}

// Instance returns the instance name.
func (a *Agent) Instance() string { return a.instance }

// Replicas returns the agent's hosted replicas.
func (a *Agent) Replicas() *ReplicaTable { return a.replicas }

// Processed returns how many transitions the agent has applied.
func (a *Agent) Processed() int64 { return a.processed.Load() }

// Discarded returns how many messages the agent dropped without applying
// them: stale sessions and transitions from a state the replica is not in.
func (a *Agent) Discarded() int64 { return a.discarded.Load() }

// Start connects the instance to the cluster. The queue watch is armed
// before the liveness marker is written, so no message sent in response to
// the node going live can be missed.
func (a *Agent) Start(ctx context.Context) error {
	ok, err := a.client.Exists(cluster.ParticipantConfigPath(a.cluster, a.instance))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotConfigured, a.cluster, a.instance)
	}
	for _, p := range cluster.InstanceSkeletonPaths(a.cluster, a.instance) {
		if err := metastore.EnsurePath(a.client, p); err != nil {
			return fmt.Errorf("instance skeleton: %w", err)
		}
	}
	if err := a.clearCurrentState(); err != nil {
		return err
	}

	a.session = strconv.FormatInt(a.client.SessionID(), 10)
	w, err := a.client.Watch(cluster.MessagesPath(a.cluster, a.instance), metastore.WatchChildren, func(metastore.Event) {
		a.signal()
	})
	if err != nil {
		return fmt.Errorf("watch queue: %w", err)
	}
	a.watch = w

	data, err := cluster.Encode(cluster.LiveInstance{Name: a.instance, SessionID: a.session, StartedAt: time.Now().UTC()})
	if err != nil {
		w.Cancel()
		return err
	}
	if _, err := a.client.Create(cluster.LiveInstancePath(a.cluster, a.instance), data, metastore.Ephemeral); err != nil {
		w.Cancel()
		if errors.Is(err, metastore.ErrNodeExists) {
			return fmt.Errorf("%w: %s", ErrAlreadyLive, a.instance)
		}
		return fmt.Errorf("announce liveness: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(runCtx)
	a.signal()
	a.logger.Info().Str("session", a.session).Msg("participant live")
	return nil
}

// Stop ends message processing and releases the queue watch. The liveness
// marker goes away with the session, not with Stop.
func (a *Agent) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	if a.watch != nil {
		a.watch.Cancel()
	}
	a.logger.Info().Msg("participant stopped")
}

func (a *Agent) signal() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) loop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.client.Done():
			a.logger.Warn().Msg("session ended")
			return
		case <-a.kick:
			a.drain(ctx)
		}
	}
}

// clearCurrentState removes records left by a previous session of this
// instance. A fresh session starts with every replica in its initial state.
func (a *Agent) clearCurrentState() error {
	dir := cluster.CurrentStatesPath(a.cluster, a.instance)
	names, err := a.client.Children(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := a.client.Delete(dir+"/"+name, metastore.AnyVersion); err != nil && !errors.Is(err, metastore.ErrNoNode) {
			return err
		}
	}
	return nil
}

type queued struct {
	path    string
	version int32
	msg     *cluster.Message
}

// drain processes every queued message, oldest first.
func (a *Agent) drain(ctx context.Context) {
	dir := cluster.MessagesPath(a.cluster, a.instance)
	names, err := a.client.Children(dir)
	if err != nil {
		a.logger.Warn().Err(err).Msg("list messages")
		return
	}
	batch := make([]queued, 0, len(names))
	for _, name := range names {
		p := dir + "/" + name
		data, stat, err := a.client.Get(p)
		if err != nil {
			continue
		}
		msg := &cluster.Message{}
		if err := cluster.Decode(data, msg); err != nil {
			a.logger.Warn().Err(err).Str("message", name).Msg("undecodable message, deleting")
			_ = a.client.Delete(p, metastore.AnyVersion)
			continue
		}
		batch = append(batch, queued{path: p, version: stat.Version, msg: msg})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		mi, mj := batch[i].msg, batch[j].msg
		if !mi.CreatedAt.Equal(mj.CreatedAt) {
			return mi.CreatedAt.Before(mj.CreatedAt)
		}
		return mi.ID < mj.ID
	})
	for _, q := range batch {
		if ctx.Err() != nil {
			return
		}
		a.handle(ctx, q)
	}
}

func (a *Agent) handle(ctx context.Context, q queued) {
	msg := q.msg
	log := a.logger.With().Str("message", msg.ID).Str("partition", msg.Partition).Logger()

	if msg.TargetSessID != a.session {
		log.Debug().Str("target_session", msg.TargetSessID).Msg("message for another session, discarding")
		a.discarded.Add(1)
		a.remove(q.path)
		return
	}
	if msg.State == cluster.MessageNew {
		msg.State = cluster.MessageRead
		if data, err := cluster.Encode(msg); err == nil {
			if _, err := a.client.Set(q.path, data, q.version); err != nil {
				log.Debug().Err(err).Msg("mark read")
				return
			}
		}
	}

	model, err := a.model(msg.StateModel)
	if err != nil {
		log.Warn().Err(err).Msg("unknown state model, discarding")
		a.discarded.Add(1)
		a.remove(q.path)
		return
	}

	current := model.InitialState
	replica, hosted := a.replicas.Get(msg.Resource, msg.Partition)
	if hosted {
		current = replica.State()
	}
	switch {
	case current == msg.ToState:
		log.Debug().Str("state", current).Msg("already in target state")
		a.remove(q.path)
		return
	case current != msg.FromState:
		log.Warn().Str("state", current).Str("from", msg.FromState).Msg("transition does not start from current state, discarding")
		a.discarded.Add(1)
		a.remove(q.path)
		return
	}

	if !hosted {
		replica = a.replicas.Ensure(msg.Resource, msg.Partition, model.InitialState)
	}
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return
		}
	}
	if err := a.handler.Transition(ctx, msg, replica); err != nil {
		log.Warn().Err(err).Msg("transition failed")
		replica.Reject()
		if !hosted {
			a.replicas.Remove(msg.Resource, msg.Partition)
		}
		a.remove(q.path)
		return
	}

	if msg.ToState == model.DroppedState {
		a.replicas.Remove(msg.Resource, msg.Partition)
	} else {
		replica.SetState(msg.ToState)
	}
	if err := a.writeCurrentState(ctx, msg.Resource, msg.StateModel); err != nil {
		log.Error().Err(err).Msg("could not record current state")
		return
	}
	a.processed.Add(1)
	log.Debug().Str("from", msg.FromState).Str("to", msg.ToState).Msg("transition applied")
	a.remove(q.path)
}

func (a *Agent) remove(p string) {
	if err := a.client.Delete(p, metastore.AnyVersion); err != nil && !errors.Is(err, metastore.ErrNoNode) {
		a.logger.Warn().Err(err).Str("path", p).Msg("delete message")
	}
}

// writeCurrentState publishes the agent's view of resource. Dropped
// replicas are left out; a resource with nothing left loses its record.
func (a *Agent) writeCurrentState(ctx context.Context, resource, model string) error {
	p := cluster.CurrentStatePath(a.cluster, a.instance, resource)
	states := a.replicas.States(resource)
	return retry.Do(ctx, a.policy, func() error {
		if len(states) == 0 {
			err := a.client.Delete(p, metastore.AnyVersion)
			if errors.Is(err, metastore.ErrNoNode) {
				return nil
			}
			return err
		}
		data, err := cluster.Encode(cluster.CurrentState{
			Resource:   resource,
			SessionID:  a.session,
			StateModel: model,
			Partitions: states,
		})
		if err != nil {
			return retry.Permanent(err)
		}
		err = metastore.Upsert(a.client, p, data)
		if errors.Is(err, metastore.ErrSessionExpired) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		a.logger.Warn().Err(err).Int("attempt", attempt).Msg("current state write failed, retrying")
	})
}

func (a *Agent) model(name string) (*cluster.StateModelDefinition, error) {
	if m, ok := a.models[name]; ok {
		return m, nil
	}
	data, _, err := a.client.Get(cluster.StateModelPath(a.cluster, name))
	if err != nil {
		return nil, err
	}
	m := &cluster.StateModelDefinition{}
	if err := cluster.Decode(data, m); err != nil {
		return nil, err
	}
	a.models[name] = m
	return m, nil
}
