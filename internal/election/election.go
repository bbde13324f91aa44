package election

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrTicketLost is returned when a candidate's ticket disappears while it is
// still campaigning, which happens when its session ends.
var ErrTicketLost = errors.New("election: ticket lost")

// Primitive is the coordination primitive an election runs on. The store
// implementation uses ephemeral-sequential nodes; tests use an in-memory
// fake.
type Primitive interface {
	// Enter registers a new ticket for this candidate.
	Enter(ctx context.Context) (ticket string, err error)
	// Status reports whether ticket is the lowest one. When it is not,
	// predecessor is the ticket immediately ahead of it.
	Status(ticket string) (leader bool, predecessor string, err error)
	// WatchGone calls fn once when ticket no longer exists, immediately if
	// it is already gone.
	WatchGone(ticket string, fn func()) (cancel func(), err error)
	// Claim publishes the leader record for ticket.
	Claim(ticket string) error
	// Leave withdraws ticket and any leader record it published.
	Leave(ticket string) error
	// Done is closed when the primitive can no longer guarantee exclusivity,
	// e.g. because the underlying session ended.
	Done() <-chan struct{}
}

// Candidate campaigns for leadership with try-become-leader-on-predecessor-
// death semantics: it takes a ticket, and while it is not first it watches
// only the ticket directly ahead of it.
type Candidate struct {
	prim       Primitive
	name       string
	logger     zerolog.Logger
	claimRetry time.Duration

	leader atomic.Bool
}

// NewCandidate creates a candidate named name on prim.
func NewCandidate(prim Primitive, name string, logger zerolog.Logger) *Candidate {
	return &Candidate{
		prim:       prim,
		name:       name,
		logger:     logger.With().Str("layer", "election").Str("candidate", name).Logger(),
		claimRetry: 50 * time.Millisecond,
	}
}

// IsLeader reports whether the candidate currently holds leadership.
func (c *Candidate) IsLeader() bool { return c.leader.Load() }

// Run campaigns until ctx ends or the primitive is lost. onElected runs once
// leadership is won, with a context cancelled when leadership ends;
// onRevoked runs after that context is cancelled. Run returns nil when ctx
// ends and ErrTicketLost or the primitive's error otherwise.
func (c *Candidate) Run(ctx context.Context, onElected func(ctx context.Context), onRevoked func()) error {
	ticket, err := c.prim.Enter(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("ticket", ticket).Msg("entered election")
	defer func() {
		if err := c.prim.Leave(ticket); err != nil {
			c.logger.Debug().Err(err).Msg("leave election")
		}
	}()

	for {
		leader, predecessor, err := c.prim.Status(ticket)
		if err != nil {
			return err
		}
		if leader {
			return c.lead(ctx, ticket, onElected, onRevoked)
		}

		gone := make(chan struct{})
		cancel, err := c.prim.WatchGone(predecessor, func() { close(gone) })
		if err != nil {
			return err
		}
		c.logger.Debug().Str("ticket", ticket).Str("predecessor", predecessor).Msg("waiting on predecessor")
		select {
		case <-ctx.Done():
			cancel()
			return nil
		case <-c.prim.Done():
			cancel()
			return ErrTicketLost
		case <-gone:
			cancel()
		}
	}
}

func (c *Candidate) lead(ctx context.Context, ticket string, onElected func(context.Context), onRevoked func()) error {
	for {
		err := c.prim.Claim(ticket)
		if err == nil {
			break
		}
		c.logger.Warn().Err(err).Msg("claim leadership failed, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-c.prim.Done():
			return ErrTicketLost
		case <-time.After(c.claimRetry):
		}
	}

	lost := make(chan struct{})
	cancelWatch, err := c.prim.WatchGone(ticket, func() { close(lost) })
	if err != nil {
		return err
	}
	defer cancelWatch()

	c.leader.Store(true)
	c.logger.Info().Str("ticket", ticket).Msg("elected leader")

	leaderCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		onElected(leaderCtx)
	}()

	var result error
	select {
	case <-ctx.Done():
	case <-c.prim.Done():
		result = ErrTicketLost
	case <-lost:
		result = ErrTicketLost
	}
	c.leader.Store(false)
	cancel()
	<-done
	if onRevoked != nil {
		onRevoked()
	}
	c.logger.Info().Str("ticket", ticket).Msg("leadership ended")
	return result
}
