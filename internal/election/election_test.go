package election

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/storage"
)

type runner struct {
	cand    *Candidate
	cancel  context.CancelFunc
	result  chan error
	elected atomic.Int32
	revoked atomic.Int32
}

func start(t *testing.T, prim Primitive, name string) *runner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cand: NewCandidate(prim, name, zerolog.Nop()), cancel: cancel, result: make(chan error, 1)}
	r.cand.claimRetry = 5 * time.Millisecond
	go func() {
		r.result <- r.cand.Run(ctx,
			func(ctx context.Context) { r.elected.Add(1); <-ctx.Done() },
			func() { r.revoked.Add(1) })
	}()
	t.Cleanup(cancel)
	return r
}

func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("candidate did not stop")
		return nil
	}
}

func countLeaders(rs ...*runner) int {
	n := 0
	for _, r := range rs {
		if r.cand.IsLeader() {
			n++
		}
	}
	return n
}

// TestFirstCandidateLeads tests the earliest ticket wins and the rest wait.
func TestFirstCandidateLeads(t *testing.T) {
	ground := NewMemory()
	a := start(t, ground.Join("a"), "a")
	require.Eventually(t, a.cand.IsLeader, time.Second, time.Millisecond)

	b := start(t, ground.Join("b"), "b")
	c := start(t, ground.Join("c"), "c")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, countLeaders(a, b, c))
	assert.Equal(t, "a", ground.Leader())
	assert.EqualValues(t, 1, a.elected.Load())
}

// TestFailoverFollowsTicketOrder tests leadership passes to the next ticket
// when the leader's session ends.
func TestFailoverFollowsTicketOrder(t *testing.T) {
	ground := NewMemory()
	pa := ground.Join("a")
	a := start(t, pa, "a")
	require.Eventually(t, a.cand.IsLeader, time.Second, time.Millisecond)
	b := start(t, ground.Join("b"), "b")
	require.Eventually(t, func() bool { return ticketOf(ground, "b") != "" }, time.Second, time.Millisecond)
	c := start(t, ground.Join("c"), "c")
	time.Sleep(10 * time.Millisecond)

	pa.Expire()
	assert.ErrorIs(t, a.wait(t), ErrTicketLost)
	assert.EqualValues(t, 1, a.revoked.Load())

	require.Eventually(t, b.cand.IsLeader, time.Second, time.Millisecond)
	assert.False(t, c.cand.IsLeader())
	assert.Equal(t, "b", ground.Leader())
}

func ticketOf(m *Memory, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, p := range m.tickets {
		if p.name == name {
			return t
		}
	}
	return ""
}

// TestMiddleCandidateLeaves tests a waiter that leaves rewires its successor
// without disturbing the leader.
func TestMiddleCandidateLeaves(t *testing.T) {
	ground := NewMemory()
	a := start(t, ground.Join("a"), "a")
	require.Eventually(t, a.cand.IsLeader, time.Second, time.Millisecond)
	b := start(t, ground.Join("b"), "b")
	require.Eventually(t, func() bool { return ticketOf(ground, "b") != "" }, time.Second, time.Millisecond)
	c := start(t, ground.Join("c"), "c")
	require.Eventually(t, func() bool { return ticketOf(ground, "c") != "" }, time.Second, time.Millisecond)

	b.cancel()
	assert.NoError(t, b.wait(t))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, a.cand.IsLeader())
	assert.False(t, c.cand.IsLeader())

	a.cancel()
	assert.NoError(t, a.wait(t))
	require.Eventually(t, c.cand.IsLeader, time.Second, time.Millisecond)
}

// TestResignOnCancel tests cancelling the leader's context revokes it and
// withdraws its ticket.
func TestResignOnCancel(t *testing.T) {
	ground := NewMemory()
	a := start(t, ground.Join("a"), "a")
	require.Eventually(t, a.cand.IsLeader, time.Second, time.Millisecond)

	a.cancel()
	require.NoError(t, a.wait(t))
	assert.False(t, a.cand.IsLeader())
	assert.EqualValues(t, 1, a.revoked.Load())
	assert.Empty(t, ground.Leader())
	assert.Empty(t, ticketOf(ground, "a"))
}

func newStoreServer(t *testing.T) *metastore.Server {
	t.Helper()
	srv, err := metastore.NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// TestStorePrimitiveSingleLeader tests several controllers on one cluster
// agree on exactly one leader and the record names it.
func TestStorePrimitiveSingleLeader(t *testing.T) {
	srv := newStoreServer(t)
	var rs []*runner
	var sessions []*metastore.Session
	for _, name := range []string{"controller_0", "controller_1", "controller_2"} {
		sess := srv.Connect()
		sessions = append(sessions, sess)
		rs = append(rs, start(t, NewStorePrimitive(sess, "GRAND", name), name))
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return countLeaders(rs...) == 1 }, time.Second, time.Millisecond)
	require.True(t, rs[0].cand.IsLeader())

	rec, err := CurrentLeader(sessions[1], "GRAND")
	require.NoError(t, err)
	assert.Equal(t, "controller_0", rec.Controller)

	tickets, err := sessions[1].Children(cluster.ElectionPath("GRAND"))
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
	// Each waiter watches only its predecessor; the leader also watches its
	// own ticket.
	listeners := func(i int) int {
		return srv.NumberOfListeners(cluster.ElectionPath("GRAND") + "/" + tickets[i])
	}
	require.Eventually(t, func() bool { return listeners(0) == 2 && listeners(1) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, listeners(2))

	// Session loss hands over to the next ticket.
	sessions[0].Expire()
	assert.ErrorIs(t, rs[0].wait(t), ErrTicketLost)
	require.Eventually(t, rs[1].cand.IsLeader, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := CurrentLeader(sessions[2], "GRAND")
		return err == nil && rec.Controller == "controller_1"
	}, time.Second, time.Millisecond)
	assert.False(t, rs[2].cand.IsLeader())
}

// TestStorePrimitiveClaimConflict tests a foreign leader record blocks the
// claim until it goes away.
func TestStorePrimitiveClaimConflict(t *testing.T) {
	srv := newStoreServer(t)
	squatter := srv.Connect()
	require.NoError(t, metastore.EnsurePath(squatter, cluster.ControllerPath("C")))
	_, err := squatter.Create(cluster.LeaderPath("C"), []byte(`{"controller":"ghost"}`), metastore.Ephemeral)
	require.NoError(t, err)

	r := start(t, NewStorePrimitive(srv.Connect(), "C", "real"), "real")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, r.cand.IsLeader())

	squatter.Expire()
	require.Eventually(t, r.cand.IsLeader, time.Second, time.Millisecond)
}

// TestStorePrimitiveLeaveCleansUp tests resigning removes both the ticket
// and the leader record.
func TestStorePrimitiveLeaveCleansUp(t *testing.T) {
	srv := newStoreServer(t)
	sess := srv.Connect()
	r := start(t, NewStorePrimitive(sess, "C", "ctl"), "ctl")
	require.Eventually(t, r.cand.IsLeader, time.Second, time.Millisecond)

	r.cancel()
	require.NoError(t, r.wait(t))
	ok, err := sess.Exists(cluster.LeaderPath("C"))
	require.NoError(t, err)
	assert.False(t, ok)
	tickets, err := sess.Children(cluster.ElectionPath("C"))
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

// TestConcurrentCampaigns tests many simultaneous candidates never produce
// two leaders at once.
func TestConcurrentCampaigns(t *testing.T) {
	ground := NewMemory()
	var rs []*runner
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r := start(t, ground.Join(name), name)
			mu.Lock()
			rs = append(rs, r)
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return countLeaders(rs...) == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		var leader *runner
		for _, r := range rs {
			if r.cand.IsLeader() {
				leader = r
			}
		}
		require.NotNil(t, leader)
		leader.cancel()
		require.NoError(t, leader.wait(t))
		require.Eventually(t, func() bool { return countLeaders(rs...) == 1 }, time.Second, time.Millisecond)
	}
}
