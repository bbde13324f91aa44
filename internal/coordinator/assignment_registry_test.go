package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/cluster"
)

func sampleIdeals() map[string]*cluster.IdealState {
	return map[string]*cluster.IdealState{
		"TestDB0": {
			Resource:   "TestDB0",
			StateModel: cluster.MasterSlave,
			Replicas:   2,
			PreferenceLists: map[string][]string{
				"TestDB0_0": {"n1", "n2"},
				"TestDB0_1": {"n2", "n1"},
			},
			Assignments: map[string]map[string]string{
				"TestDB0_0": {"n1": cluster.StateMaster, "n2": cluster.StateSlave},
				"TestDB0_1": {"n2": cluster.StateMaster, "n1": cluster.StateSlave},
			},
		},
		"Other": {
			Resource:        "Other",
			StateModel:      cluster.OnlineOffline,
			Replicas:        1,
			PreferenceLists: map[string][]string{"Other_0": {"n3"}},
			Assignments:     map[string]map[string]string{"Other_0": {"n3": cluster.StateOnline}},
		},
	}
}

func TestAssignmentRegistryUpdate(t *testing.T) {
	r := NewAssignmentRegistry()
	assert.Empty(t, r.All())
	assert.Zero(t, r.Version())

	r.Update(sampleIdeals())
	assert.EqualValues(t, 1, r.Version())

	assert.Equal(t, []Assignment{
		{Resource: "TestDB0", Partition: "TestDB0_1", Instance: "n2", State: cluster.StateMaster, Rank: 0},
		{Resource: "TestDB0", Partition: "TestDB0_1", Instance: "n1", State: cluster.StateSlave, Rank: 1},
	}, r.Partition("TestDB0", "TestDB0_1"))
	assert.Nil(t, r.Partition("TestDB0", "TestDB0_9"))

	n1 := r.Instance("n1")
	require.Len(t, n1, 2)
	assert.Equal(t, "TestDB0_0", n1[0].Partition)
	assert.Equal(t, cluster.StateMaster, n1[0].State)
	assert.Equal(t, 1, n1[1].Rank)

	assert.Equal(t, map[string]int{"n1": 2, "n2": 2, "n3": 1}, r.Counts())

	all := r.All()
	require.Len(t, all, 5)
	assert.Equal(t, "Other", all[0].Resource)
}

func TestAssignmentRegistryReplaces(t *testing.T) {
	r := NewAssignmentRegistry()
	r.Update(sampleIdeals())
	r.Update(map[string]*cluster.IdealState{})
	assert.Empty(t, r.All())
	assert.Empty(t, r.Instance("n1"))
	assert.EqualValues(t, 2, r.Version())
}

func TestAssignmentRegistryReturnsCopies(t *testing.T) {
	r := NewAssignmentRegistry()
	r.Update(sampleIdeals())
	list := r.Instance("n3")
	list[0].State = "mutated"
	assert.Equal(t, cluster.StateOnline, r.Instance("n3")[0].State)
}

func TestAssignmentRegistryConcurrentAccess(t *testing.T) {
	r := NewAssignmentRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Update(sampleIdeals())
		}()
		go func() {
			defer wg.Done()
			_ = r.Counts()
			_ = r.All()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, r.Version())
	assert.Len(t, r.All(), 5)
}
