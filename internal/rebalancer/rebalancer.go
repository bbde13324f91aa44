package rebalancer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
)

// Errors returned by ComputeIdealState. Both are configuration errors: the
// controller logs them and skips the resource for the pass.
var (
	ErrUnknownResource   = errors.New("rebalancer: unknown resource")
	ErrUnknownStateModel = errors.New("rebalancer: unknown state model")
	ErrUnknownStrategy   = errors.New("rebalancer: unknown strategy")
)

// Input is everything a Strategy may look at. All slices are sorted and
// owned by the strategy for the duration of the call.
type Input struct {
	Resource   cluster.ResourceConfig
	Model      *cluster.StateModelDefinition
	Partitions []string
	// LiveNodes are the placement candidates in lexical order.
	LiveNodes []string
	// Replicas is the number of distinct nodes each partition should get:
	// min(resource replicas, live nodes).
	Replicas int
	// Previous holds the last preference lists, already filtered to live
	// nodes. Strategies that want to minimise movement start from it.
	Previous map[string][]string
}

// Strategy computes preference lists. Implementations must be deterministic:
// the same Input always yields the same output. Every list must hold
// Input.Replicas distinct members of Input.LiveNodes; position 0 receives the
// model's top state.
type Strategy interface {
	Name() string
	Assign(in Input) map[string][]string
}

// Rebalancer computes ideal states with a named set of strategies.
type Rebalancer struct {
	strategies map[string]Strategy
	fallback   string
}

// New returns a rebalancer that knows the given strategies plus the built-in
// ones. Resources without a strategy use defaultStrategy.
func New(defaultStrategy string, extra ...Strategy) *Rebalancer {
	r := &Rebalancer{strategies: map[string]Strategy{}, fallback: defaultStrategy}
	for _, s := range append([]Strategy{NewBalanced(), NewConsistent()}, extra...) {
		r.strategies[s.Name()] = s
	}
	if r.fallback == "" {
		r.fallback = BalancedStrategy
	}
	return r
}

// Strategies returns the registered strategy names.
func (r *Rebalancer) Strategies() []string {
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ComputeIdealState derives the target placement of resource from snap. It
// is a pure function of the snapshot: the previous ideal state, if any, is
// read from snap rather than from any state kept by the rebalancer.
//
// When fewer nodes are live than the replica count, partitions get as many
// replicas as there are live nodes and the rest stay unassigned.
func (r *Rebalancer) ComputeIdealState(snap *cache.Snapshot, resource string) (*cluster.IdealState, error) {
	rc, ok := snap.Resources[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	model, ok := snap.StateModels[rc.StateModel]
	if !ok {
		return nil, fmt.Errorf("%w: %s (resource %s)", ErrUnknownStateModel, rc.StateModel, resource)
	}
	strategyName := rc.Strategy
	if strategyName == "" {
		strategyName = r.fallback
	}
	strategy, ok := r.strategies[strategyName]
	if !ok {
		return nil, fmt.Errorf("%w: %s (resource %s)", ErrUnknownStrategy, strategyName, resource)
	}

	live := snap.LiveNodes()
	in := Input{
		Resource:   rc,
		Model:      model,
		Partitions: rc.PartitionNames(),
		LiveNodes:  live,
		Replicas:   min(rc.Replicas, len(live)),
		Previous:   previousLists(snap.IdealStates[resource], live),
	}
	if in.Replicas < 0 {
		in.Replicas = 0
	}

	lists := strategy.Assign(in)

	ideal := &cluster.IdealState{
		Resource:        resource,
		StateModel:      rc.StateModel,
		Strategy:        strategyName,
		Replicas:        rc.Replicas,
		PreferenceLists: make(map[string][]string, len(in.Partitions)),
		Assignments:     make(map[string]map[string]string, len(in.Partitions)),
	}
	for _, p := range in.Partitions {
		list := lists[p]
		if list == nil {
			list = []string{}
		}
		ideal.PreferenceLists[p] = list
		states := model.StatesForPreferenceList(len(list), rc.Replicas, len(live))
		roles := make(map[string]string, len(list))
		for i, node := range list {
			if i < len(states) {
				roles[node] = states[i]
			}
		}
		ideal.Assignments[p] = roles
	}
	return ideal, nil
}

// Unassigned returns how many replica slots of rc the ideal state leaves
// empty.
func Unassigned(ideal *cluster.IdealState, rc cluster.ResourceConfig) int {
	want := rc.Partitions * rc.Replicas
	have := 0
	for _, list := range ideal.PreferenceLists {
		have += len(list)
	}
	if have >= want {
		return 0
	}
	return want - have
}

func previousLists(prev *cluster.IdealState, live []string) map[string][]string {
	out := map[string][]string{}
	if prev == nil {
		return out
	}
	alive := make(map[string]bool, len(live))
	for _, n := range live {
		alive[n] = true
	}
	for p, list := range prev.PreferenceLists {
		kept := make([]string, 0, len(list))
		seen := map[string]bool{}
		for _, n := range list {
			if alive[n] && !seen[n] {
				kept = append(kept, n)
				seen[n] = true
			}
		}
		out[p] = kept
	}
	return out
}
