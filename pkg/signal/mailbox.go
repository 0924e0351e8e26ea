package signal

import (
	"context"
	"sort"
	"time"
)

// Mailbox is the persistent rendezvous store both peers write handshake
// records into. The push feed is best effort: subscribers may see a record
// twice or not at all, and must fall back to Query.
type Mailbox interface {
	Insert(ctx context.Context, msg *Message) error
	Query(ctx context.Context, filter Filter) ([]*Message, error)
	// DeleteByDevice removes records for a device; an empty role removes all roles
	DeleteByDevice(ctx context.Context, deviceID string, role Role) error
	// DeleteBySession removes one session's records within a device
	DeleteBySession(ctx context.Context, deviceID, sessionID string) error
	// Subscribe opens a push feed. ctx bounds the call, not the feed; the
	// feed lives until the Subscription is closed.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	Close() error
}

// Subscription delivers newly inserted records matching a filter
type Subscription interface {
	Messages() <-chan *Message
	Close() error
}

// Filter selects records. Zero-valued fields match everything.
type Filter struct {
	DeviceID   string
	SessionID  string
	Types      []MessageType
	SenderRole Role
}

// Match reports whether msg satisfies the filter
func (f Filter) Match(msg *Message) bool {
	if f.DeviceID != "" && msg.DeviceID != f.DeviceID {
		return false
	}
	if f.SessionID != "" && msg.SessionID != f.SessionID {
		return false
	}
	if f.SenderRole != "" && msg.SenderType != f.SenderRole {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if msg.Type == t {
			return true
		}
	}
	return false
}

// SortMessages orders records by creation time, then id
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// SubscriptionBuffer is the per-subscriber channel capacity used by the
// in-process feeds. A full buffer drops records.
const SubscriptionBuffer = 64

// DefaultTTL is the record lifetime used when none is configured
const DefaultTTL = 5 * time.Minute
