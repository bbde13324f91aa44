package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/admin"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/coordinator"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/participant"
	"github.com/dreamware/converge/internal/rebalancer"
	"github.com/dreamware/converge/internal/retry"
	"github.com/dreamware/converge/internal/storage"
	"github.com/dreamware/converge/internal/verifier"
)

const (
	pollAttempts = 200
	pollInterval = 50 * time.Millisecond
)

var fastRetry = retry.Policy{Initial: time.Millisecond, Max: 20 * time.Millisecond, Attempts: 6}

// transition is one state change applied by a participant.
type transition struct {
	From, To string
}

// TestSystem is an in-process deployment: one store, any number of
// controllers and participants, each on its own session.
type TestSystem struct {
	t     *testing.T
	store *metastore.Server
	admin *admin.Admin

	mu      sync.Mutex
	agents  map[string]*participant.Agent
	applied map[string][]transition // cluster/instance/partition -> history
}

// NewTestSystem creates an empty deployment torn down with the test.
func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	srv, err := metastore.NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return &TestSystem{
		t:       t,
		store:   srv,
		admin:   admin.New(srv.Connect(), zerolog.Nop()),
		agents:  map[string]*participant.Agent{},
		applied: map[string][]transition{},
	}
}

func controllerOptions(name, clusterName string) coordinator.Options {
	return coordinator.Options{
		Name:    name,
		Cluster: clusterName,
		Resync:  200 * time.Millisecond,
		Retry:   fastRetry,
		Logger:  zerolog.Nop(),
	}
}

// StartNode configures hostPort in clusterName and runs a participant for
// it. delay slows every transition down.
func (s *TestSystem) StartNode(clusterName, hostPort string, delay time.Duration) string {
	s.t.Helper()
	name, err := s.admin.AddInstance(clusterName, hostPort)
	require.NoError(s.t, err)
	agent := participant.New(s.store.Connect(), participant.Options{
		Cluster:  clusterName,
		Instance: name,
		Delay:    delay,
		Retry:    fastRetry,
		Logger:   zerolog.Nop(),
		Handler: participant.HandlerFunc(func(_ context.Context, msg *cluster.Message, _ *participant.Replica) error {
			s.record(clusterName, name, msg)
			return nil
		}),
	})
	require.NoError(s.t, agent.Start(context.Background()))
	s.t.Cleanup(agent.Stop)
	s.mu.Lock()
	s.agents[clusterName+"/"+name] = agent
	s.mu.Unlock()
	return name
}

func (s *TestSystem) record(clusterName, instance string, msg *cluster.Message) {
	key := fmt.Sprintf("%s/%s/%s", clusterName, instance, msg.Partition)
	s.mu.Lock()
	s.applied[key] = append(s.applied[key], transition{From: msg.FromState, To: msg.ToState})
	s.mu.Unlock()
}

// Applied returns a copy of every replica's transition history.
func (s *TestSystem) Applied() map[string][]transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]transition, len(s.applied))
	for k, v := range s.applied {
		out[k] = append([]transition(nil), v...)
	}
	return out
}

// Processed sums the transitions applied by every participant.
func (s *TestSystem) Processed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.agents {
		n += a.Processed()
	}
	return n
}

// Run starts fn in the background; the returned function stops it and
// waits for it to return.
func (s *TestSystem) Run(fn func(context.Context) error) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fn(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				s.t.Error("background run did not stop")
			}
		})
	}
	s.t.Cleanup(stop)
	return stop
}

// Converged polls until the external views of clusterName match the
// best-possible state.
func (s *TestSystem) Converged(clusterName string) bool {
	v := verifier.NewBestPossibleVerifier(s.store.Connect(), clusterName, rebalancer.BalancedStrategy, nil, zerolog.Nop())
	ok := verifier.VerifyByPolling(context.Background(), v.Verify, pollAttempts, pollInterval)
	if !ok {
		diffs, err := v.Diff()
		s.t.Logf("cluster %s not converged (err=%v): %v", clusterName, err, diffs)
	}
	return ok
}

// Listeners polls until every instance's message queue has exactly want
// watches.
func (s *TestSystem) Listeners(clusterName string, want int, instances ...string) bool {
	ok := verifier.VerifyByPolling(context.Background(),
		verifier.ListenersEqual(s.store, clusterName, want, instances...), pollAttempts, pollInterval)
	if !ok {
		s.t.Logf("listeners on %s: %v", clusterName, verifier.ListenersOnMessages(s.store, clusterName, instances...))
	}
	return ok
}
