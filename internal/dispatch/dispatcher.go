package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/metrics"
	"github.com/dreamware/converge/internal/retry"
)

// Dispatcher writes state transition messages into node message queues.
type Dispatcher struct {
	cluster  string
	client   metastore.Client
	registry *Registry
	policy   retry.Policy
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher that subscribes through registry before
// every write.
func NewDispatcher(clusterName string, client metastore.Client, registry *Registry, policy retry.Policy, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cluster:  clusterName,
		client:   client,
		registry: registry,
		policy:   policy,
		logger:   logger.With().Str("layer", "dispatch").Str("cluster", clusterName).Logger(),
		metrics:  m,
	}
}

// Dispatch writes msg to its target's message queue. The controller-side
// subscription on that queue is established first; if it cannot be, nothing
// is written and the error is returned. Writing a message that already
// exists is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *cluster.Message) error {
	if err := d.registry.Ensure(ctx, MessagesKey(d.cluster, msg.Target)); err != nil {
		return err
	}

	data, err := cluster.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	msgPath := cluster.MessagePath(d.cluster, msg.Target, msg.ID)

	err = retry.Do(ctx, d.policy, func() error {
		_, err := d.client.Create(msgPath, data, metastore.Persistent)
		switch {
		case err == nil, errors.Is(err, metastore.ErrNodeExists):
			return nil
		case errors.Is(err, metastore.ErrNoParent):
			if perr := metastore.EnsurePath(d.client, cluster.MessagesPath(d.cluster, msg.Target)); perr != nil {
				return perr
			}
			return err
		case errors.Is(err, metastore.ErrSessionExpired):
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		d.metrics.StoreRetry("dispatch")
		d.logger.Warn().Err(err).Str("message", msg.ID).Int("attempt", attempt).Msg("message write failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", msg, err)
	}

	d.logger.Debug().
		Str("message", msg.ID).
		Str("instance", msg.Target).
		Str("partition", msg.Partition).
		Str("from", msg.FromState).
		Str("to", msg.ToState).
		Msg("dispatched")
	return nil
}

// DispatchAll sends msgs in order and returns how many were written. A
// failed message does not stop the rest; the first error is returned.
func (d *Dispatcher) DispatchAll(ctx context.Context, msgs []*cluster.Message) (int, error) {
	sent := 0
	var firstErr error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := d.Dispatch(ctx, msg); err != nil {
			d.logger.Warn().Err(err).Str("message", msg.ID).Msg("dispatch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	d.metrics.MessagesDispatched(d.cluster, sent)
	return sent, firstErr
}

// CleanupStale deletes messages that can no longer be delivered: those
// addressed to a session other than the target's live one, including
// targets that are no longer live. It returns how many were removed.
func (d *Dispatcher) CleanupStale(snap *cache.Snapshot) int {
	removed := 0
	for instance, msgs := range snap.Messages {
		live := snap.IsLive(instance)
		session := snap.SessionOf(instance)
		for _, m := range msgs {
			if live && m.TargetSessID == session {
				continue
			}
			err := d.client.Delete(cluster.MessagePath(d.cluster, instance, m.ID), metastore.AnyVersion)
			if err != nil && !errors.Is(err, metastore.ErrNoNode) {
				d.logger.Warn().Err(err).Str("message", m.ID).Msg("could not delete stale message")
				continue
			}
			removed++
			d.logger.Debug().Str("message", m.ID).Str("instance", instance).Msg("deleted stale message")
		}
	}
	return removed
}
