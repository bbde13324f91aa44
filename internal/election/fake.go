package election

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process election ground shared by MemoryPrimitives. It
// follows the store semantics without a store, which keeps the candidacy
// logic testable on its own.
type Memory struct {
	mu      sync.Mutex
	seq     int
	tickets map[string]*MemoryPrimitive
	watches map[string][]func()
	leader  string
}

// NewMemory creates an empty election ground.
func NewMemory() *Memory {
	return &Memory{tickets: map[string]*MemoryPrimitive{}, watches: map[string][]func(){}}
}

// Leader returns the name of the candidate that last claimed leadership and
// still holds it.
func (m *Memory) Leader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// Join creates a primitive for one candidate.
func (m *Memory) Join(name string) *MemoryPrimitive {
	return &MemoryPrimitive{ground: m, name: name, done: make(chan struct{})}
}

func (m *Memory) remove(ticket string) {
	m.mu.Lock()
	owner, ok := m.tickets[ticket]
	delete(m.tickets, ticket)
	if ok && m.leader == owner.name {
		m.leader = ""
	}
	fns := m.watches[ticket]
	delete(m.watches, ticket)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// MemoryPrimitive is one candidate's handle on a Memory ground.
type MemoryPrimitive struct {
	ground *Memory
	name   string

	mu     sync.Mutex
	ticket string
	done   chan struct{}
	once   sync.Once
}

var _ Primitive = (*MemoryPrimitive)(nil)

// Enter implements Primitive.
func (p *MemoryPrimitive) Enter(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-p.done:
		return "", ErrTicketLost
	default:
	}
	m := p.ground
	m.mu.Lock()
	m.seq++
	ticket := fmt.Sprintf("%s%010d", ticketPrefix, m.seq)
	m.tickets[ticket] = p
	m.mu.Unlock()

	p.mu.Lock()
	p.ticket = ticket
	p.mu.Unlock()
	return ticket, nil
}

// Status implements Primitive.
func (p *MemoryPrimitive) Status(ticket string) (bool, string, error) {
	m := p.ground
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[ticket]; !ok {
		return false, "", ErrTicketLost
	}
	all := make([]string, 0, len(m.tickets))
	for t := range m.tickets {
		all = append(all, t)
	}
	sort.Strings(all)
	i := sort.SearchStrings(all, ticket)
	if i == 0 {
		return true, "", nil
	}
	return false, all[i-1], nil
}

// WatchGone implements Primitive.
func (p *MemoryPrimitive) WatchGone(ticket string, fn func()) (func(), error) {
	var once sync.Once
	fire := func() { once.Do(fn) }
	m := p.ground
	m.mu.Lock()
	if _, ok := m.tickets[ticket]; !ok {
		m.mu.Unlock()
		fire()
		return func() {}, nil
	}
	m.watches[ticket] = append(m.watches[ticket], fire)
	m.mu.Unlock()
	return func() {}, nil
}

// Claim implements Primitive.
func (p *MemoryPrimitive) Claim(ticket string) error {
	m := p.ground
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[ticket]; !ok {
		return ErrTicketLost
	}
	if m.leader != "" && m.leader != p.name {
		return fmt.Errorf("leader record held by %s", m.leader)
	}
	m.leader = p.name
	return nil
}

// Leave implements Primitive.
func (p *MemoryPrimitive) Leave(ticket string) error {
	p.ground.remove(ticket)
	return nil
}

// Done implements Primitive.
func (p *MemoryPrimitive) Done() <-chan struct{} { return p.done }

// Expire simulates the candidate's session ending: its ticket disappears and
// Done is closed.
func (p *MemoryPrimitive) Expire() {
	p.mu.Lock()
	ticket := p.ticket
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	if ticket != "" {
		p.ground.remove(ticket)
	}
}
