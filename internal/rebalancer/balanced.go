package rebalancer

import (
	"sort"
)

// BalancedStrategy is the name of the default strategy.
const BalancedStrategy = "balanced"

// Balanced spreads replicas as evenly as possible while keeping as many
// existing placements as it can.
//
// Every node gets a replica cap of floor(total/n) or that plus one; the
// extra slots go to the nodes already holding the most replicas so that a
// balanced layout stays put. Placement then runs in three steps:
//
//  1. Fill: partitions short of replicas take the live node with the fewest
//     replicas that is under its cap, ties broken by lexical node name.
//     Caps are then handed out again, counting what fill placed.
//  2. Move: while a node is over its cap and another is under, one replica
//     moves from the over node to the under node in a partition the under
//     node does not already serve. Replicas placed by fill move first; a
//     kept replica only moves off a node that was over its cap before fill.
//     Adding a node therefore moves exactly the replicas the new node ends
//     up with, and removing one moves only the replicas it held.
//  3. Top state: the first position of each list is balanced across nodes,
//     keeping the previous holder where the balance allows it.
type Balanced struct{}

// NewBalanced returns the default strategy.
func NewBalanced() *Balanced { return &Balanced{} }

// Name implements Strategy.
func (*Balanced) Name() string { return BalancedStrategy }

// Assign implements Strategy.
func (*Balanced) Assign(in Input) map[string][]string {
	lists := make(map[string][]string, len(in.Partitions))
	if in.Replicas <= 0 || len(in.LiveNodes) == 0 {
		for _, p := range in.Partitions {
			lists[p] = []string{}
		}
		return lists
	}

	counts := make(map[string]int, len(in.LiveNodes))
	for _, n := range in.LiveNodes {
		counts[n] = 0
	}
	for _, p := range in.Partitions {
		prev := in.Previous[p]
		if len(prev) > in.Replicas {
			prev = prev[:in.Replicas]
		}
		list := append([]string(nil), prev...)
		for _, n := range list {
			counts[n]++
		}
		lists[p] = list
	}

	kept := make(map[string]int, len(counts))
	for n, c := range counts {
		kept[n] = c
	}
	total := len(in.Partitions) * in.Replicas

	placed := fill(in, lists, counts, replicaCaps(in.LiveNodes, kept, total))
	caps := replicaCaps(in.LiveNodes, kept, total, counts)
	move(in, lists, counts, caps, kept, placed)
	balanceTop(in, lists)
	return lists
}

// replicaCaps hands out floor/ceil caps, giving the ceil slots to the nodes
// with the most replicas. Further count maps break ties in order, then the
// node name.
func replicaCaps(nodes []string, counts map[string]int, total int, then ...map[string]int) map[string]int {
	order := append([]string(nil), nodes...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		for _, c := range append([]map[string]int{counts}, then...) {
			if c[a] != c[b] {
				return c[a] > c[b]
			}
		}
		return a < b
	})
	base, extra := total/len(nodes), total%len(nodes)
	caps := make(map[string]int, len(nodes))
	for i, n := range order {
		caps[n] = base
		if i < extra {
			caps[n]++
		}
	}
	return caps
}

// placement records which nodes fill added to each partition in this pass.
type placement map[string]map[string]bool

func (pl placement) has(p, n string) bool { return pl[p][n] }

func (pl placement) shift(p, from, to string) {
	delete(pl[p], from)
	pl[p][to] = true
}

func fill(in Input, lists map[string][]string, counts, caps map[string]int) placement {
	placed := placement{}
	for _, p := range in.Partitions {
		for len(lists[p]) < in.Replicas {
			n := pickLeastLoaded(in.LiveNodes, lists[p], counts, caps, true)
			if n == "" {
				// Everyone outside this partition is at cap; overflow now and
				// let move() even it out.
				n = pickLeastLoaded(in.LiveNodes, lists[p], counts, caps, false)
			}
			lists[p] = append(lists[p], n)
			counts[n]++
			if placed[p] == nil {
				placed[p] = map[string]bool{}
			}
			placed[p][n] = true
		}
	}
	return placed
}

func pickLeastLoaded(nodes, exclude []string, counts, caps map[string]int, underCap bool) string {
	best := ""
	for _, n := range nodes {
		if contains(exclude, n) {
			continue
		}
		if underCap && counts[n] >= caps[n] {
			continue
		}
		if best == "" || counts[n] < counts[best] {
			best = n
		}
	}
	return best
}

func move(in Input, lists map[string][]string, counts, caps, kept map[string]int, placed placement) {
	for {
		var under, over []string
		for _, n := range in.LiveNodes {
			switch {
			case counts[n] < caps[n]:
				under = append(under, n)
			case counts[n] > caps[n]:
				over = append(over, n)
			}
		}
		if len(under) == 0 || len(over) == 0 {
			return
		}
		sort.SliceStable(under, func(i, j int) bool { return counts[under[i]] < counts[under[j]] })
		sort.SliceStable(over, func(i, j int) bool {
			return counts[over[i]]-caps[over[i]] > counts[over[j]]-caps[over[j]]
		})

		moved := false
		for _, u := range under {
			for _, o := range over {
				p, idx, ok := findDonor(in.Partitions, lists, o, u, placed.has)
				if !ok && kept[o] > caps[o] {
					p, idx, ok = findDonor(in.Partitions, lists, o, u, nil)
				}
				if ok {
					if placed.has(p, o) {
						placed.shift(p, o, u)
					}
					lists[p][idx] = u
					counts[o]--
					counts[u]++
					moved = true
					break
				}
			}
			if moved {
				break
			}
		}
		if !moved {
			return
		}
	}
}

// findDonor looks for a partition where from serves and to does not,
// preferring one where from does not hold the top position. Partitions are
// scanned from the last to the first. A non-nil only restricts the search
// to partitions where only(p, from) holds.
func findDonor(partitions []string, lists map[string][]string, from, to string, only func(p, n string) bool) (string, int, bool) {
	topFallback, topIdx := "", -1
	for i := len(partitions) - 1; i >= 0; i-- {
		p := partitions[i]
		list := lists[p]
		if contains(list, to) {
			continue
		}
		idx := indexOf(list, from)
		if idx < 0 || (only != nil && !only(p, from)) {
			continue
		}
		if idx > 0 {
			return p, idx, true
		}
		if topIdx < 0 {
			topFallback, topIdx = p, idx
		}
	}
	if topIdx >= 0 {
		return topFallback, topIdx, true
	}
	return "", -1, false
}

// balanceTop evens out how many partitions each node leads by swapping the
// first position with another member of the same list.
func balanceTop(in Input, lists map[string][]string) {
	tops := make(map[string]int, len(in.LiveNodes))
	for _, n := range in.LiveNodes {
		tops[n] = 0
	}
	led := 0
	for _, p := range in.Partitions {
		if len(lists[p]) > 0 {
			tops[lists[p][0]]++
			led++
		}
	}
	if led == 0 {
		return
	}
	caps := replicaCaps(in.LiveNodes, tops, led)

	for {
		swapped := false
		for _, p := range in.Partitions {
			list := lists[p]
			if len(list) < 2 || tops[list[0]] <= caps[list[0]] {
				continue
			}
			best := -1
			for i := 1; i < len(list); i++ {
				if tops[list[i]] >= caps[list[i]] {
					continue
				}
				if best < 0 || tops[list[i]] < tops[list[best]] ||
					(tops[list[i]] == tops[list[best]] && list[i] < list[best]) {
					best = i
				}
			}
			if best < 0 {
				continue
			}
			tops[list[0]]--
			tops[list[best]]++
			list[0], list[best] = list[best], list[0]
			swapped = true
		}
		if !swapped {
			return
		}
	}
}

func contains(list []string, n string) bool {
	return indexOf(list, n) >= 0
}

func indexOf(list []string, n string) int {
	for i, v := range list {
		if v == n {
			return i
		}
	}
	return -1
}
