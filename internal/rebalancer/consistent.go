package rebalancer

import (
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

// ConsistentStrategy is the name of the hash-ring strategy.
const ConsistentStrategy = "consistent"

type member string

func (m member) String() string { return string(m) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Consistent places each partition on the nodes closest to it on a
// bounded-load consistent hash ring. It ignores previous placement: the ring
// alone limits movement when membership changes, at the cost of a less even
// spread than Balanced.
type Consistent struct {
	cfg consistent.Config
}

// NewConsistent returns the hash-ring strategy.
func NewConsistent() *Consistent {
	return &Consistent{cfg: consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}}
}

// Name implements Strategy.
func (*Consistent) Name() string { return ConsistentStrategy }

// Assign implements Strategy.
func (c *Consistent) Assign(in Input) map[string][]string {
	lists := make(map[string][]string, len(in.Partitions))
	if in.Replicas <= 0 || len(in.LiveNodes) == 0 {
		for _, p := range in.Partitions {
			lists[p] = []string{}
		}
		return lists
	}

	members := make([]consistent.Member, 0, len(in.LiveNodes))
	for _, n := range in.LiveNodes {
		members = append(members, member(n))
	}
	ring := consistent.New(members, c.cfg)

	for _, p := range in.Partitions {
		closest, err := ring.GetClosestN([]byte(p), in.Replicas)
		if err != nil {
			// Only returned when asking for more members than exist, which
			// Replicas <= len(LiveNodes) rules out.
			lists[p] = []string{}
			continue
		}
		list := make([]string, 0, len(closest))
		for _, m := range closest {
			list = append(list, m.String())
		}
		lists[p] = list
	}
	return lists
}
