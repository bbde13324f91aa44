package coordinator

import (
	"context"

	"github.com/dreamware/converge/internal/election"
	"github.com/dreamware/converge/internal/metastore"
)

// Standalone leads one cluster directly, without a grand cluster. It still
// takes the cluster's leader record through the election path, so a second
// standalone controller started by mistake waits instead of competing.
type Standalone struct {
	client     metastore.Client
	opts       Options
	lifecycle  *Lifecycle
	controller *ClusterController
	candidate  *election.Candidate
}

// NewStandalone creates a standalone controller for opts.Cluster.
func NewStandalone(client metastore.Client, opts Options) *Standalone {
	opts = opts.withDefaults()
	return &Standalone{
		client:     client,
		opts:       opts,
		lifecycle:  NewLifecycle(opts.Cluster, opts.Logger, opts.Metrics),
		controller: NewClusterController(client, opts),
		candidate:  election.NewCandidate(election.NewStorePrimitive(client, opts.Cluster, opts.Name), opts.Name, opts.Logger),
	}
}

// Lifecycle returns the controller's lifecycle.
func (s *Standalone) Lifecycle() *Lifecycle { return s.lifecycle }

// Controller returns the cluster controller.
func (s *Standalone) Controller() *ClusterController { return s.controller }

// Run leads the cluster until ctx ends or the store session is lost.
func (s *Standalone) Run(ctx context.Context) error {
	err := s.candidate.Run(ctx, func(lctx context.Context) {
		if err := s.lifecycle.Transition(StandaloneLeader); err != nil {
			s.opts.Logger.Error().Err(err).Msg("enter leadership")
			return
		}
		_ = s.controller.Run(lctx)
	}, func() {
		_ = s.lifecycle.Transition(Disconnected)
	})
	_ = s.lifecycle.Transition(Disconnected)
	return err
}
