package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/verifier"
)

const grandCluster = "GRAND_cluster"

func (h *harness) grand(t *testing.T, controllers ...string) {
	t.Helper()
	require.NoError(t, h.admin.AddCluster(grandCluster))
	for _, name := range controllers {
		_, err := h.admin.AddInstance(grandCluster, name)
		require.NoError(t, err)
	}
	require.NoError(t, h.admin.AddCluster(testCluster))
	require.NoError(t, h.admin.AddClusterToGrand(testCluster, grandCluster, 0))
}

func (h *harness) distributed(t *testing.T, name string) (*DistributedController, *metastore.Session) {
	t.Helper()
	sess := h.srv.Connect()
	d := NewDistributedController(sess, grandCluster, testOptions(name, ""))
	background(t, d.Run)
	return d, sess
}

func TestDistributedControllerLeadsManagedCluster(t *testing.T) {
	h := newHarness(t)
	h.grand(t, "controller_0")
	d, _ := h.distributed(t, "controller_0")

	require.Eventually(t, func() bool {
		leading := d.Leading()
		return len(leading) == 1 && leading[0] == testCluster
	}, settle, tick)
	assert.Equal(t, DistributedLeader, d.GrandLifecycle().State())
	assert.Equal(t, DistributedLeader, d.Lifecycle(testCluster).State())
	assert.True(t, d.GrandController().Running())

	a, _ := h.node(t, testCluster, "localhost:12918")
	require.NoError(t, h.admin.AddResource(testCluster, cluster.ResourceConfig{
		Name:       "TestDB0",
		StateModel: cluster.LeaderStandby,
		Partitions: 1,
		Replicas:   3,
	}))
	require.Eventually(t, h.converged(testCluster), settle, tick)
	require.Eventually(t, verifier.ListenersEqual(h.srv, testCluster, 2, a.Instance()), settle, tick)
	require.Eventually(t, verifier.ListenersEqual(h.srv, grandCluster, 2, "controller_0"), settle, tick)

	leader, err := h.admin.Leader(testCluster)
	require.NoError(t, err)
	assert.Equal(t, "controller_0", leader.Controller)
	assert.NotNil(t, d.Controller(testCluster))
	assert.Nil(t, d.Controller("Unknown"))
}

func TestDistributedControllerFailover(t *testing.T) {
	h := newHarness(t)
	h.grand(t, "controller_0", "controller_1")
	d0, s0 := h.distributed(t, "controller_0")
	d1, s1 := h.distributed(t, "controller_1")

	a, _ := h.node(t, testCluster, "localhost:12918")
	require.NoError(t, h.admin.AddResource(testCluster, cluster.ResourceConfig{
		Name:       "TestDB0",
		StateModel: cluster.OnlineOffline,
		Partitions: 2,
		Replicas:   1,
	}))

	require.Eventually(t, func() bool {
		return len(d0.Leading())+len(d1.Leading()) == 1 && h.converged(testCluster)()
	}, settle, tick)

	leader, survivor, sess := d0, d1, s0
	if len(d1.Leading()) == 1 {
		leader, survivor, sess = d1, d0, s1
	}
	require.Eventually(t, func() bool {
		lc := survivor.Lifecycle(testCluster)
		return lc != nil && lc.State() == DistributedCandidate
	}, settle, tick)

	sess.Expire()
	require.Eventually(t, func() bool {
		leading := survivor.Leading()
		return len(leading) == 1 && leading[0] == testCluster
	}, settle, tick)
	assert.Eventually(t, func() bool { return len(leader.Leading()) == 0 }, settle, tick)

	rec, err := h.admin.Leader(testCluster)
	require.NoError(t, err)
	assert.Equal(t, survivor.Name(), rec.Controller)

	require.Eventually(t, h.converged(testCluster), settle, tick)
	require.Eventually(t, verifier.ListenersEqual(h.srv, testCluster, 2, a.Instance()), settle, tick)
}
