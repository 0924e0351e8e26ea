package signal

import "sync"

// Feed fans records out to in-process subscribers. Sends never block: a
// subscriber whose buffer is full misses the record.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*feedSubscription]struct{}
	closed bool
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSubscription]struct{})}
}

// Subscribe registers a subscriber for records matching filter
func (f *Feed) Subscribe(filter Filter) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrMailboxClosed
	}

	sub := &feedSubscription{
		feed:   f,
		filter: filter,
		ch:     make(chan *Message, SubscriptionBuffer),
	}
	f.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers msg to every matching subscriber. It returns the number
// of subscribers that received it.
func (f *Feed) Publish(msg *Message) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	delivered := 0
	for sub := range f.subs {
		if !sub.filter.Match(msg) {
			continue
		}
		select {
		case sub.ch <- msg.Clone():
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of live subscribers
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub.ch)
		delete(f.subs, sub)
	}
}

func (f *Feed) remove(sub *feedSubscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return false
	}
	delete(f.subs, sub)
	close(sub.ch)
	return true
}

type feedSubscription struct {
	feed   *Feed
	filter Filter
	ch     chan *Message
}

func (s *feedSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *feedSubscription) Close() error {
	s.feed.remove(s)
	return nil
}
