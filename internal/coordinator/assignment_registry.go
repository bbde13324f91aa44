package coordinator

import (
	"sort"
	"sync"

	"github.com/dreamware/converge/internal/cluster"
)

// Assignment is the placement of one partition replica on one instance, as
// decided by the latest ideal state.
//
// Example:
//
//	a := Assignment{
//	    Resource:  "TestDB0",
//	    Partition: "TestDB0_3",
//	    Instance:  "localhost_12918",
//	    State:     "MASTER",
//	    Rank:      0,
//	}
type Assignment struct {
	Resource  string `json:"resource"`
	Partition string `json:"partition"`
	Instance  string `json:"instance"`
	State     string `json:"state"`
	// Rank is the instance's position in the partition's preference list;
	// rank 0 receives the model's top state.
	Rank int `json:"rank"`
}

// AssignmentRegistry is the controller's read model of its latest ideal
// states, indexed both by partition and by instance so the admin API can
// answer "where does this partition live" and "what does this instance
// host" without walking every resource.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│         AssignmentRegistry               │
//	├──────────────────────────────────────────┤
//	│  byPartition: resource/partition → []A   │
//	│  byInstance:  instance → []A             │
//	│  version: bumped on every Update         │
//	└──────────────────────────────────────────┘
//
// Update replaces both indexes in one step; readers see either the old or
// the new placement, never a mix. All returned slices are copies.
type AssignmentRegistry struct {
	mu          sync.RWMutex
	byPartition map[string]map[string][]Assignment
	byInstance  map[string][]Assignment
	version     uint64
}

// NewAssignmentRegistry creates an empty registry.
func NewAssignmentRegistry() *AssignmentRegistry {
	return &AssignmentRegistry{
		byPartition: map[string]map[string][]Assignment{},
		byInstance:  map[string][]Assignment{},
	}
}

// Update replaces the registry contents with the placement described by
// ideals.
//
// Parameters:
//   - ideals: resource name → ideal state, as computed by one pipeline pass
func (r *AssignmentRegistry) Update(ideals map[string]*cluster.IdealState) {
	byPartition := make(map[string]map[string][]Assignment, len(ideals))
	byInstance := map[string][]Assignment{}
	for resource, ideal := range ideals {
		parts := make(map[string][]Assignment, len(ideal.PreferenceLists))
		for partition, list := range ideal.PreferenceLists {
			out := make([]Assignment, 0, len(list))
			for rank, instance := range list {
				a := Assignment{
					Resource:  resource,
					Partition: partition,
					Instance:  instance,
					State:     ideal.Assignments[partition][instance],
					Rank:      rank,
				}
				out = append(out, a)
				byInstance[instance] = append(byInstance[instance], a)
			}
			parts[partition] = out
		}
		byPartition[resource] = parts
	}
	for _, list := range byInstance {
		sortAssignments(list)
	}

	r.mu.Lock()
	r.byPartition = byPartition
	r.byInstance = byInstance
	r.version++
	r.mu.Unlock()
}

// Version returns how many times Update has run.
func (r *AssignmentRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Partition returns the replicas of one partition in preference order.
// Returns nil if the partition is unknown.
func (r *AssignmentRegistry) Partition(resource, partition string) []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, ok := r.byPartition[resource][partition]
	if !ok {
		return nil
	}
	return append([]Assignment(nil), list...)
}

// Instance returns everything placed on instance, ordered by resource and
// partition.
//
// Example:
//
//	for _, a := range registry.Instance("localhost_12922") {
//	    log.Printf("%s %s", a.Partition, a.State)
//	}
func (r *AssignmentRegistry) Instance(instance string) []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Assignment(nil), r.byInstance[instance]...)
}

// Counts returns instance → number of replicas placed on it.
func (r *AssignmentRegistry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byInstance))
	for instance, list := range r.byInstance {
		out[instance] = len(list)
	}
	return out
}

// All returns every assignment ordered by resource, partition and rank.
func (r *AssignmentRegistry) All() []Assignment {
	r.mu.RLock()
	var out []Assignment
	for _, parts := range r.byPartition {
		for _, list := range parts {
			out = append(out, list...)
		}
	}
	r.mu.RUnlock()
	sortAssignments(out)
	return out
}

func sortAssignments(list []Assignment) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		return a.Rank < b.Rank
	})
}
