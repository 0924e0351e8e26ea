package signal

import (
	"context"
	"sync"
	"time"
)

// MemoryMailbox is an in-process Mailbox. It backs tests and single-process
// setups where broadcaster and viewer share one binary.
type MemoryMailbox struct {
	mu     sync.RWMutex
	msgs   map[string]*Message
	feed   *Feed
	closed bool
}

// NewMemoryMailbox creates an empty in-memory mailbox
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		msgs: make(map[string]*Message),
		feed: NewFeed(),
	}
}

// Insert stores msg and pushes it to matching subscribers
func (m *MemoryMailbox) Insert(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.msgs[msg.ID] = msg.Clone()
	m.mu.Unlock()

	m.feed.Publish(msg)
	return nil
}

// Query returns unexpired records matching filter, oldest first
func (m *MemoryMailbox) Query(ctx context.Context, filter Filter) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrMailboxClosed
	}

	now := time.Now()
	var out []*Message
	for _, msg := range m.msgs {
		if msg.Expired(now) || !filter.Match(msg) {
			continue
		}
		out = append(out, msg.Clone())
	}
	SortMessages(out)
	return out, nil
}

// DeleteByDevice removes a device's records, optionally limited to one role
func (m *MemoryMailbox) DeleteByDevice(ctx context.Context, deviceID string, role Role) error {
	return m.deleteWhere(ctx, Filter{DeviceID: deviceID, SenderRole: role})
}

// DeleteBySession removes every record of a device's session
func (m *MemoryMailbox) DeleteBySession(ctx context.Context, deviceID, sessionID string) error {
	return m.deleteWhere(ctx, Filter{DeviceID: deviceID, SessionID: sessionID})
}

func (m *MemoryMailbox) deleteWhere(ctx context.Context, filter Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}
	for id, msg := range m.msgs {
		if filter.Match(msg) {
			delete(m.msgs, id)
		}
	}
	return nil
}

// Subscribe opens a push feed for records inserted after the call
func (m *MemoryMailbox) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.feed.Subscribe(filter)
}

// CollectExpired drops records whose TTL has passed and returns how many
func (m *MemoryMailbox) CollectExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, msg := range m.msgs {
		if msg.Expired(now) {
			delete(m.msgs, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired ones included
func (m *MemoryMailbox) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

// Close ends all subscriptions and rejects further operations
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feed.Close()
	return nil
}
