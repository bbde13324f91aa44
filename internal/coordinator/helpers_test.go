package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/admin"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/participant"
	"github.com/dreamware/converge/internal/rebalancer"
	"github.com/dreamware/converge/internal/retry"
	"github.com/dreamware/converge/internal/storage"
	"github.com/dreamware/converge/internal/verifier"
)

const (
	testCluster = "TestCluster"
	settle      = 10 * time.Second
	tick        = 20 * time.Millisecond
)

var fastRetry = retry.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, Attempts: 5}

type harness struct {
	srv   *metastore.Server
	admin *admin.Admin
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv, err := metastore.NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return &harness{srv: srv, admin: admin.New(srv.Connect(), zerolog.Nop())}
}

func testOptions(name, clusterName string) Options {
	return Options{
		Name:    name,
		Cluster: clusterName,
		Resync:  100 * time.Millisecond,
		Retry:   fastRetry,
		Logger:  zerolog.Nop(),
	}
}

// node adds instance hostPort to clusterName and starts a participant for it
// on its own session.
func (h *harness) node(t *testing.T, clusterName, hostPort string) (*participant.Agent, *metastore.Session) {
	t.Helper()
	name, err := h.admin.AddInstance(clusterName, hostPort)
	require.NoError(t, err)
	sess := h.srv.Connect()
	a := participant.New(sess, participant.Options{
		Cluster:  clusterName,
		Instance: name,
		Retry:    fastRetry,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a, sess
}

// run is a background Run call that is stopped when the test ends.
type run struct {
	stop     context.CancelFunc
	finished chan struct{}
	err      error
}

// wait blocks until the run returns and yields its error.
func (r *run) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.finished:
		return r.err
	case <-time.After(settle):
		t.Fatal("run did not return")
		return nil
	}
}

func background(t *testing.T, fn func(ctx context.Context) error) *run {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	r := &run{stop: stop, finished: make(chan struct{})}
	go func() {
		r.err = fn(ctx)
		close(r.finished)
	}()
	t.Cleanup(func() {
		stop()
		select {
		case <-r.finished:
		case <-time.After(settle):
			t.Error("background run did not stop")
		}
	})
	return r
}

func (h *harness) converged(clusterName string) func() bool {
	v := verifier.NewBestPossibleVerifier(h.srv.Connect(), clusterName, rebalancer.BalancedStrategy, nil, zerolog.Nop())
	return v.Verify
}
