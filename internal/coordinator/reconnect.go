package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/election"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/retry"
)

// Supervise keeps run going across store session losses. Each round opens a
// fresh session with connect and hands it to run; when run ends because the
// session died, Supervise waits out the backoff and starts over. It returns
// when ctx ends or run fails for another reason.
func Supervise(ctx context.Context, connect func() (metastore.Client, error), run func(context.Context, metastore.Client) error, policy retry.Policy, logger zerolog.Logger) error {
	attempt := 0
	for {
		client, err := connect()
		if err == nil {
			attempt = 0
			err = run(ctx, client)
			_ = client.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, metastore.ErrSessionExpired) && !errors.Is(err, election.ErrTicketLost) {
			return err
		}
		attempt++
		wait := policy.Backoff(attempt + 1)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("store session lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
