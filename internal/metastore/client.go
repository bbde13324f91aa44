package metastore

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Errors returned by Client operations.
var (
	ErrNoNode          = errors.New("metastore: node does not exist")
	ErrNodeExists      = errors.New("metastore: node already exists")
	ErrNoParent        = errors.New("metastore: parent node does not exist")
	ErrNotEmpty        = errors.New("metastore: node has children")
	ErrBadVersion      = errors.New("metastore: version mismatch")
	ErrBadPath         = errors.New("metastore: invalid path")
	ErrSessionExpired  = errors.New("metastore: session expired")
	ErrEphemeralParent = errors.New("metastore: ephemeral nodes cannot have children")
)

// AnyVersion disables the optimistic version check on Set and Delete.
const AnyVersion int32 = -1

// CreateMode selects the lifetime of a created node.
type CreateMode int

const (
	// Persistent nodes live until deleted.
	Persistent CreateMode = iota
	// Ephemeral nodes are deleted when the creating session ends.
	Ephemeral
	// EphemeralSequential nodes are ephemeral and get a monotonically
	// increasing, zero-padded suffix unique under their parent.
	EphemeralSequential
)

// EventType tells a watcher what happened.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDataChanged
	EventNodeDeleted
	EventNodeChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to a watch callback.
type Event struct {
	Type EventType
	Path string
}

// WatchKind selects which changes a watch observes.
type WatchKind int

const (
	// WatchData fires on create, data change and delete of the path itself.
	WatchData WatchKind = iota
	// WatchChildren fires when children are added or removed, and on delete.
	WatchChildren
)

func (k WatchKind) String() string {
	if k == WatchChildren {
		return "children"
	}
	return "data"
}

// Stat is the metadata of a node.
type Stat struct {
	Version     int32
	Ephemeral   bool
	Owner       int64
	NumChildren int
	Created     time.Time
	Modified    time.Time
}

// Client is the metadata-store API consumed by controllers and nodes. Every
// client is one session: ephemeral nodes and watches belong to it and vanish
// when it ends.
type Client interface {
	// SessionID identifies the session; it never repeats within a server.
	SessionID() int64
	// Create makes a node and returns its actual path (which differs from the
	// requested one for sequential nodes).
	Create(p string, data []byte, mode CreateMode) (string, error)
	// Get returns a node's data and stat.
	Get(p string) ([]byte, Stat, error)
	// Set replaces a node's data if version matches (or is AnyVersion).
	Set(p string, data []byte, version int32) (Stat, error)
	// Delete removes a childless node if version matches.
	Delete(p string, version int32) error
	// Exists reports whether the node exists.
	Exists(p string) (bool, error)
	// Children returns the sorted child names of a node.
	Children(p string) ([]string, error)
	// Watch registers fn for changes on p. The watch stays armed after each
	// delivery until cancelled or the session ends. p need not exist.
	Watch(p string, kind WatchKind, fn func(Event)) (*Watch, error)
	// Done is closed when the session ends.
	Done() <-chan struct{}
	// Close ends the session.
	Close() error
}

func validatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	return nil
}

func parentOf(p string) string {
	return path.Dir(p)
}

// EnsurePath creates p and any missing parents as persistent nodes.
func EnsurePath(c Client, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		if _, err := c.Create(cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("ensure %s: %w", cur, err)
		}
	}
	return nil
}

// Upsert writes data to p, creating it as a persistent node if missing.
func Upsert(c Client, p string, data []byte) error {
	_, err := c.Set(p, data, AnyVersion)
	if errors.Is(err, ErrNoNode) {
		_, err = c.Create(p, data, Persistent)
		if errors.Is(err, ErrNodeExists) {
			_, err = c.Set(p, data, AnyVersion)
		}
	}
	return err
}

// DeleteRecursive deletes p and everything below it. Missing nodes are
// ignored.
func DeleteRecursive(c Client, p string) error {
	children, err := c.Children(p)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(c, path.Join(p, child)); err != nil {
			return err
		}
	}
	if err := c.Delete(p, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}
