// Package redis is a signal.Mailbox on Redis. Records expire through native
// key TTLs and the push feed rides on Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"

	"github.com/tomaslejdung/peepcam/pkg/signal"
)

const DefaultPrefix = "peepcam"

// Options configures the connection. URL, when set, takes precedence over
// Addr, Password and DB.
type Options struct {
	URL      string
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel
	Prefix        string
	LoggerFactory logging.LoggerFactory
}

// Store implements signal.Mailbox on Redis
type Store struct {
	client *redis.Client
	prefix string
	log    logging.LeveledLogger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ signal.Mailbox = (*Store)(nil)

// Open connects and pings the server
func Open(ctx context.Context, opts Options) (*Store, error) {
	var ro *redis.Options
	if opts.URL != "" {
		var err error
		ro, err = redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
	} else {
		ro = &redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &Store{
		client: client,
		prefix: opts.Prefix,
		log:    opts.LoggerFactory.NewLogger("redis"),
		subs:   make(map[*subscription]struct{}),
	}
	s.log.Infof("Connected to %s", ro.Addr)
	return s, nil
}

func (s *Store) msgKey(id string) string          { return s.prefix + ":msg:" + id }
func (s *Store) deviceKey(id string) string       { return s.prefix + ":device:" + id }
func (s *Store) sessionKey(id string) string      { return s.prefix + ":session:" + id }
func (s *Store) feedChannel(device string) string { return s.prefix + ":feed:" + device }

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Insert stores msg with its TTL, indexes it and publishes it
func (s *Store) Insert(ctx context.Context, msg *signal.Message) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: encode: %w", err)
	}

	ttl := time.Until(msg.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.msgKey(msg.ID), data, ttl)
		// Index sets live as long as their newest member
		pipe.SAdd(ctx, s.deviceKey(msg.DeviceID), msg.ID)
		pipe.Expire(ctx, s.deviceKey(msg.DeviceID), ttl)
		pipe.SAdd(ctx, s.sessionKey(msg.SessionID), msg.ID)
		pipe.Expire(ctx, s.sessionKey(msg.SessionID), ttl)
		pipe.Publish(ctx, s.feedChannel(msg.DeviceID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: insert: %w", err)
	}
	return nil
}

// Query returns unexpired records matching filter, oldest first
func (s *Store) Query(ctx context.Context, filter signal.Filter) ([]*signal.Message, error) {
	if s.isClosed() {
		return nil, signal.ErrMailboxClosed
	}
	msgs, err := s.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	signal.SortMessages(msgs)
	return msgs, nil
}

// load reads every live record the filter can select through an index
func (s *Store) load(ctx context.Context, filter signal.Filter) ([]*signal.Message, error) {
	var (
		index string
		ids   []string
		err   error
	)
	switch {
	case filter.SessionID != "":
		index = s.sessionKey(filter.SessionID)
	case filter.DeviceID != "":
		index = s.deviceKey(filter.DeviceID)
	}

	if index != "" {
		ids, err = s.client.SMembers(ctx, index).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: query: %w", err)
		}
	} else {
		iter := s.client.Scan(ctx, 0, s.prefix+":msg:*", 100).Iterator()
		prefixLen := len(s.msgKey(""))
		for iter.Next(ctx) {
			ids = append(ids, iter.Val()[prefixLen:])
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redis: scan: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: query: %w", err)
	}

	now := time.Now()
	var (
		out   []*signal.Message
		stale []any
	)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var msg signal.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.log.Warnf("Skipping record %s: %v", ids[i], err)
			continue
		}
		if msg.Expired(now) || !filter.Match(&msg) {
			continue
		}
		out = append(out, &msg)
	}

	// Members whose record already expired
	if index != "" && len(stale) > 0 {
		if err := s.client.SRem(ctx, index, stale...).Err(); err != nil {
			s.log.Debugf("Pruning %s failed: %v", index, err)
		}
	}
	return out, nil
}

// DeleteByDevice removes a device's records, optionally limited to one role
func (s *Store) DeleteByDevice(ctx context.Context, deviceID string, role signal.Role) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	return s.delete(ctx, signal.Filter{DeviceID: deviceID, SenderRole: role})
}

func (s *Store) DeleteBySession(ctx context.Context, deviceID, sessionID string) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	return s.delete(ctx, signal.Filter{DeviceID: deviceID, SessionID: sessionID})
}

func (s *Store) delete(ctx context.Context, filter signal.Filter) error {
	msgs, err := s.load(ctx, filter)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			pipe.Del(ctx, s.msgKey(msg.ID))
			pipe.SRem(ctx, s.deviceKey(msg.DeviceID), msg.ID)
			pipe.SRem(ctx, s.sessionKey(msg.SessionID), msg.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

// Subscribe listens on the feed channel and filters client side. Records
// published while nobody listens are not replayed.
func (s *Store) Subscribe(ctx context.Context, filter signal.Filter) (signal.Subscription, error) {
	if s.isClosed() {
		return nil, signal.ErrMailboxClosed
	}

	var pubsub *redis.PubSub
	if filter.DeviceID != "" {
		pubsub = s.client.Subscribe(ctx, s.feedChannel(filter.DeviceID))
	} else {
		pubsub = s.client.PSubscribe(ctx, s.feedChannel("*"))
	}
	// Wait for the confirmation so nothing published after we return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	sub := &subscription{
		store:  s,
		pubsub: pubsub,
		filter: filter,
		ch:     make(chan *signal.Message, signal.SubscriptionBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pubsub.Close()
		return nil, signal.ErrMailboxClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close ends every subscription and the client
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

type subscription struct {
	store  *Store
	pubsub *redis.PubSub
	filter signal.Filter
	ch     chan *signal.Message

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (sub *subscription) Messages() <-chan *signal.Message {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
		close(sub.done)
		sub.pubsub.Close()
	})
	<-sub.exited
	return nil
}

func (sub *subscription) run() {
	defer close(sub.exited)
	defer close(sub.ch)

	in := sub.pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var msg signal.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				sub.store.log.Warnf("Dropping malformed feed record: %v", err)
				continue
			}
			if !sub.filter.Match(&msg) {
				continue
			}
			select {
			case sub.ch <- &msg:
			default:
			}
		}
	}
}
