package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/metrics"
)

// State is a controller's lifecycle state for one cluster.
type State int

const (
	// Disconnected controllers hold no store session for the cluster and run
	// nothing.
	Disconnected State = iota
	// StandaloneLeader controllers lead one cluster for as long as their
	// session lives.
	StandaloneLeader
	// DistributedCandidate controllers are registered with the grand cluster
	// and wait to be made leader of the cluster.
	DistributedCandidate
	// DistributedLeader controllers were made leader of the cluster by the
	// grand cluster and hold its leadership record.
	DistributedLeader
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case StandaloneLeader:
		return "standalone-leader"
	case DistributedCandidate:
		return "distributed-candidate"
	case DistributedLeader:
		return "distributed-leader"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Leading reports whether a controller in s runs the pipeline.
func (s State) Leading() bool {
	return s == StandaloneLeader || s == DistributedLeader
}

var (
	// ErrInvalidTransition is returned for a lifecycle move the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("coordinator: invalid lifecycle transition")
	// ErrNotLeader is returned when a mutating step is attempted without
	// confirmed leadership.
	ErrNotLeader = errors.New("coordinator: not leader")
)

var allowed = map[State][]State{
	Disconnected:         {StandaloneLeader, DistributedCandidate},
	StandaloneLeader:     {Disconnected},
	DistributedCandidate: {DistributedLeader, Disconnected},
	DistributedLeader:    {DistributedCandidate, Disconnected},
}

// Lifecycle is the state machine of one controller for one cluster. Moves
// outside the allowed edges are refused, so a controller can never claim to
// lead without passing through the state that confirms it.
type Lifecycle struct {
	cluster string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	observers []func(from, to State)
}

// NewLifecycle creates a lifecycle in the Disconnected state.
func NewLifecycle(clusterName string, logger zerolog.Logger, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		cluster: clusterName,
		logger:  logger.With().Str("layer", "lifecycle").Str("cluster", clusterName).Logger(),
		metrics: m,
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Leading reports whether the controller currently leads the cluster.
func (l *Lifecycle) Leading() bool { return l.State().Leading() }

// Observe registers fn to run after every transition, outside the lock.
func (l *Lifecycle) Observe(fn func(from, to State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Transition moves to state to. Moving to the current state is a no-op.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return nil
	}
	ok := false
	for _, s := range allowed[from] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.state = to
	observers := append([]func(State, State){}, l.observers...)
	l.mu.Unlock()

	l.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("lifecycle transition")
	l.metrics.LifecycleTransition(l.cluster, to.String())
	l.metrics.SetLeader(l.cluster, to.Leading())
	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
