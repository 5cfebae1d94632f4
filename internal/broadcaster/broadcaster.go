// Package broadcaster fans stream events out to per-owner subscriber sets.
// Delivery is best effort: a subscriber that cannot accept a frame is dropped
// from the map. Durability lives in the task store, not here.
package broadcaster

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/loomhq/loom/internal/stream"
)

// Sender pushes one serialized frame toward a subscriber. Send must not
// block; it reports false when the frame cannot be accepted, after which the
// broadcaster removes the sender.
type Sender interface {
	Send(frame []byte) bool
	Close()
}

// Broadcaster maps owner ids (typically context ids) to live connections.
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.RWMutex
	owners map[string]map[string]Sender
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger,
		owners: map[string]map[string]Sender{},
	}
}

// Register inserts or replaces the sender for (ownerID, connectionID).
func (b *Broadcaster) Register(ownerID, connectionID string, sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.owners[ownerID]
	if !ok {
		conns = map[string]Sender{}
		b.owners[ownerID] = conns
	}
	if prev, ok := conns[connectionID]; ok && prev != sender {
		prev.Close()
	}
	conns[connectionID] = sender
}

// Unregister removes the connection; the owner key goes with its last
// connection.
func (b *Broadcaster) Unregister(ownerID, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.owners[ownerID]
	if !ok {
		return
	}
	if sender, ok := conns[connectionID]; ok {
		sender.Close()
		delete(conns, connectionID)
	}
	if len(conns) == 0 {
		delete(b.owners, ownerID)
	}
}

// Broadcast serializes the event once and attempts a non-blocking send to
// every connection of the owner. Failed senders are removed before
// returning. Returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(ownerID string, event stream.Event) int {
	frame, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("serialize stream event", "type", event.Type, "error", err)
		return 0
	}

	// Snapshot under the read lock; the send loop itself holds no lock so a
	// slow subscriber cannot stall registration.
	b.mu.RLock()
	conns := b.owners[ownerID]
	snapshot := make(map[string]Sender, len(conns))
	for id, sender := range conns {
		snapshot[id] = sender
	}
	b.mu.RUnlock()

	delivered := 0
	var failed []string
	for id, sender := range snapshot {
		if sender.Send(frame) {
			delivered++
		} else {
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			if conns, ok := b.owners[ownerID]; ok {
				if sender, ok := conns[id]; ok {
					sender.Close()
					delete(conns, id)
				}
				if len(conns) == 0 {
					delete(b.owners, ownerID)
				}
			}
		}
		b.mu.Unlock()
		b.logger.Warn("dropped slow subscribers", "owner", ownerID, "count", len(failed))
	}
	return delivered
}

// ConnectionCount reports live connections for one owner.
func (b *Broadcaster) ConnectionCount(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owners[ownerID])
}

// TotalConnections reports live connections across all owners.
func (b *Broadcaster) TotalConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, conns := range b.owners {
		total += len(conns)
	}
	return total
}

// ConnectedOwners lists owners holding at least one connection.
func (b *Broadcaster) ConnectedOwners() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.owners))
	for id := range b.owners {
		out = append(out, id)
	}
	return out
}

// Subscribe registers a buffered channel sender and returns a guard whose
// Close unregisters exactly once, panic or not.
func (b *Broadcaster) Subscribe(ownerID string) *Subscription {
	sender := NewChanSender(64)
	connectionID := ulid.Make().String()
	b.Register(ownerID, connectionID, sender)
	sub := &Subscription{
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		C:            sender.ch,
	}
	sub.closeFn = func() {
		b.Unregister(ownerID, connectionID)
	}
	return sub
}

// Subscription is a scoped guard over one registered connection.
type Subscription struct {
	OwnerID      string
	ConnectionID string
	C            <-chan []byte

	once    sync.Once
	closeFn func()
}

// Close unregisters the connection. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.once.Do(s.closeFn)
}

// ChanSender adapts a buffered channel into a Sender. Send fails instead of
// blocking when the buffer is full.
type ChanSender struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func NewChanSender(buffer int) *ChanSender {
	return &ChanSender{ch: make(chan []byte, buffer)}
}

func (c *ChanSender) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- frame:
		return true
	default:
		return false
	}
}

func (c *ChanSender) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}