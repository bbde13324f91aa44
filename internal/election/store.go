package election

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
)

const ticketPrefix = "candidate-"

// StorePrimitive runs an election on a cluster's CONTROLLER/ELECTION node
// and publishes the winner under CONTROLLER/LEADER. Exclusivity comes from
// the store: tickets are ephemeral-sequential, so the lowest ticket is
// unique and vanishes with its session.
type StorePrimitive struct {
	client     metastore.Client
	cluster    string
	controller string
}

var _ Primitive = (*StorePrimitive)(nil)

// NewStorePrimitive creates a primitive for controller campaigning on
// clusterName.
func NewStorePrimitive(client metastore.Client, clusterName, controller string) *StorePrimitive {
	return &StorePrimitive{client: client, cluster: clusterName, controller: controller}
}

// Enter implements Primitive.
func (p *StorePrimitive) Enter(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := cluster.ElectionPath(p.cluster)
	if err := metastore.EnsurePath(p.client, dir); err != nil {
		return "", fmt.Errorf("election dir: %w", err)
	}
	ticket, err := p.client.Create(path.Join(dir, ticketPrefix), []byte(p.controller), metastore.EphemeralSequential)
	if err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	return ticket, nil
}

// Status implements Primitive. Ticket names are zero-padded, so lexical
// order is creation order.
func (p *StorePrimitive) Status(ticket string) (bool, string, error) {
	dir := cluster.ElectionPath(p.cluster)
	children, err := p.client.Children(dir)
	if err != nil {
		return false, "", fmt.Errorf("list tickets: %w", err)
	}
	own := path.Base(ticket)
	for i, name := range children {
		if name != own {
			continue
		}
		if i == 0 {
			return true, "", nil
		}
		return false, path.Join(dir, children[i-1]), nil
	}
	return false, "", ErrTicketLost
}

// WatchGone implements Primitive.
func (p *StorePrimitive) WatchGone(ticket string, fn func()) (func(), error) {
	var once sync.Once
	fire := func() { once.Do(fn) }
	w, err := p.client.Watch(ticket, metastore.WatchData, func(ev metastore.Event) {
		if ev.Type == metastore.EventNodeDeleted {
			fire()
		}
	})
	if err != nil {
		return nil, err
	}
	exists, err := p.client.Exists(ticket)
	if err != nil {
		w.Cancel()
		return nil, err
	}
	if !exists {
		fire()
	}
	return w.Cancel, nil
}

// Claim implements Primitive. The leader record is ephemeral, so it
// disappears with the winner's session.
func (p *StorePrimitive) Claim(ticket string) error {
	rec := cluster.LeaderRecord{
		Controller: p.controller,
		SessionID:  strconv.FormatInt(p.client.SessionID(), 10),
		Since:      time.Now().UTC(),
	}
	data, err := cluster.Encode(rec)
	if err != nil {
		return err
	}
	leaderPath := cluster.LeaderPath(p.cluster)
	_, err = p.client.Create(leaderPath, data, metastore.Ephemeral)
	if errors.Is(err, metastore.ErrNodeExists) {
		_, stat, gerr := p.client.Get(leaderPath)
		if gerr == nil && stat.Owner == p.client.SessionID() {
			return nil
		}
		return fmt.Errorf("leader record held by another session: %w", err)
	}
	return err
}

// Leave implements Primitive.
func (p *StorePrimitive) Leave(ticket string) error {
	leaderPath := cluster.LeaderPath(p.cluster)
	if _, stat, err := p.client.Get(leaderPath); err == nil && stat.Owner == p.client.SessionID() {
		if err := p.client.Delete(leaderPath, metastore.AnyVersion); err != nil && !errors.Is(err, metastore.ErrNoNode) {
			return err
		}
	}
	if err := p.client.Delete(ticket, metastore.AnyVersion); err != nil && !errors.Is(err, metastore.ErrNoNode) {
		return err
	}
	return nil
}

// Done implements Primitive.
func (p *StorePrimitive) Done() <-chan struct{} { return p.client.Done() }

// CurrentLeader reads the leader record of clusterName.
func CurrentLeader(client metastore.Client, clusterName string) (*cluster.LeaderRecord, error) {
	data, _, err := client.Get(cluster.LeaderPath(clusterName))
	if err != nil {
		return nil, err
	}
	rec := &cluster.LeaderRecord{}
	if err := cluster.Decode(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
