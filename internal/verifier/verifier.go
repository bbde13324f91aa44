package verifier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/rebalancer"
)

// Defaults used by the scenarios and by convergectl verify.
const (
	DefaultMaxAttempts = 60
	DefaultInterval    = 500 * time.Millisecond
)

// VerifyByPolling evaluates predicate up to maxAttempts times, interval
// apart, and reports whether it ever held. It gives up early when ctx ends.
func VerifyByPolling(ctx context.Context, predicate func() bool, maxAttempts int, interval time.Duration) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if predicate() {
			return true
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// BestPossibleVerifier compares, for every resource of a cluster, the
// best-possible state recomputed from the live instances against the
// external view the controller published.
type BestPossibleVerifier struct {
	client     metastore.Client
	cluster    string
	rebalancer *rebalancer.Rebalancer
	resources  []string
	logger     zerolog.Logger
}

// NewBestPossibleVerifier creates a verifier for clusterName. strategy must
// match the controller's default strategy. When resources is empty every
// resource is checked.
func NewBestPossibleVerifier(client metastore.Client, clusterName, strategy string, resources []string, logger zerolog.Logger) *BestPossibleVerifier {
	return &BestPossibleVerifier{
		client:     client,
		cluster:    clusterName,
		rebalancer: rebalancer.New(strategy),
		resources:  resources,
		logger:     logger.With().Str("layer", "verifier").Str("cluster", clusterName).Logger(),
	}
}

// Verify reports whether the cluster has converged.
func (v *BestPossibleVerifier) Verify() bool {
	diffs, err := v.Diff()
	if err != nil {
		v.logger.Debug().Err(err).Msg("verify")
		return false
	}
	if len(diffs) > 0 {
		v.logger.Debug().Strs("diffs", diffs).Msg("not converged")
		return false
	}
	return true
}

// Diff lists every difference between best-possible state and external
// view, one line per replica. An empty result means converged.
func (v *BestPossibleVerifier) Diff() ([]string, error) {
	snap, err := cache.Load(v.client, v.cluster)
	if err != nil {
		return nil, err
	}
	resources := v.resources
	if len(resources) == 0 {
		resources = snap.SortedResources()
	}
	var diffs []string
	for _, name := range resources {
		best, err := v.rebalancer.ComputeIdealState(snap, name)
		if err != nil {
			return nil, err
		}
		var view map[string]map[string]string
		if ev := snap.ExternalViews[name]; ev != nil {
			view = ev.Partitions
		}
		initial := ""
		if m := snap.StateModels[best.StateModel]; m != nil {
			initial = m.InitialState
		}
		diffs = append(diffs, compare(name, best.Assignments, view, initial)...)
	}
	return diffs, nil
}

// compare ignores replicas in the model's initial state on either side: an
// instance holding nothing and one holding an OFFLINE replica are equivalent.
func compare(resource string, want, got map[string]map[string]string, initial string) []string {
	var out []string
	partitions := map[string]bool{}
	for p := range want {
		partitions[p] = true
	}
	for p := range got {
		partitions[p] = true
	}
	for p := range partitions {
		instances := map[string]bool{}
		for i := range want[p] {
			instances[i] = true
		}
		for i := range got[p] {
			instances[i] = true
		}
		for i := range instances {
			w, g := want[p][i], got[p][i]
			if w == initial {
				w = ""
			}
			if g == initial {
				g = ""
			}
			if w != g {
				out = append(out, fmt.Sprintf("%s/%s@%s: want %q, have %q", resource, p, i, w, g))
			}
		}
	}
	sort.Strings(out)
	return out
}

// ListenerCounter reports how many watches are armed on a path.
type ListenerCounter interface {
	NumberOfListeners(path string) int
}

// ListenersOnMessages returns instance -> number of watches on its message
// queue.
func ListenersOnMessages(lc ListenerCounter, clusterName string, instances ...string) map[string]int {
	out := make(map[string]int, len(instances))
	for _, inst := range instances {
		out[inst] = lc.NumberOfListeners(cluster.MessagesPath(clusterName, inst))
	}
	return out
}

// ListenersEqual returns a predicate that holds when every instance's
// message queue has exactly want watches.
func ListenersEqual(lc ListenerCounter, clusterName string, want int, instances ...string) func() bool {
	return func() bool {
		for _, n := range ListenersOnMessages(lc, clusterName, instances...) {
			if n != want {
				return false
			}
		}
		return true
	}
}
