// Package sqlite is a signal.Mailbox persisted in a SQLite file. Several
// processes may share one database; each sees the others' records through
// the tailing push feed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	_ "modernc.org/sqlite"

	"github.com/tomaslejdung/peepcam/pkg/signal"
)

const (
	DefaultCollectInterval = 30 * time.Second
	DefaultTailInterval    = 500 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS signaling_messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	device_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signaling_device_type ON signaling_messages(device_id, type);
CREATE INDEX IF NOT EXISTS idx_signaling_session ON signaling_messages(session_id);`

const columns = `seq, id, device_id, session_id, type, sender_type, data, created_at, expires_at`

// Option configures a Store
type Option func(*Store)

// WithCollectInterval sets how often expired records are deleted
func WithCollectInterval(d time.Duration) Option {
	return func(s *Store) { s.collectInterval = d }
}

// WithTailInterval sets how often subscriptions look for records written
// by other processes
func WithTailInterval(d time.Duration) Option {
	return func(s *Store) { s.tailInterval = d }
}

func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(s *Store) { s.loggerFactory = f }
}

// Store implements signal.Mailbox on SQLite
type Store struct {
	db              *sql.DB
	log             logging.LeveledLogger
	loggerFactory   logging.LoggerFactory
	collectInterval time.Duration
	tailInterval    time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ signal.Mailbox = (*Store)(nil)

// Open opens or creates the database at path and starts the TTL collector
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		collectInterval: DefaultCollectInterval,
		tailInterval:    DefaultTailInterval,
		subs:            make(map[*subscription]struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loggerFactory == nil {
		s.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	s.log = s.loggerFactory.NewLogger("sqlite")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Pragmas are per connection
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	s.db = db

	s.wg.Add(1)
	go s.collectLoop()

	s.log.Infof("Opened mailbox at %s", path)
	return s, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Insert validates and stores msg, then wakes local subscriptions
func (s *Store) Insert(ctx context.Context, msg *signal.Message) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO signaling_messages
		(id, device_id, session_id, type, sender_type, data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.DeviceID, msg.SessionID, string(msg.Type), string(msg.SenderType),
		string(data), msg.CreatedAt.UnixNano(), msg.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: insert: %w", err)
	}

	s.wake()
	return nil
}

func (s *Store) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// where renders filter as a SQL condition over unexpired rows
func where(filter signal.Filter, now time.Time) (string, []any) {
	conds := []string{"expires_at > ?"}
	args := []any{now.UnixNano()}
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.SenderRole != "" {
		conds = append(conds, "sender_type = ?")
		args = append(args, string(filter.SenderRole))
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(marks, ", ")+")")
	}
	return strings.Join(conds, " AND "), args
}

// Query returns unexpired records matching filter, oldest first
func (s *Store) Query(ctx context.Context, filter signal.Filter) ([]*signal.Message, error) {
	if s.isClosed() {
		return nil, signal.ErrMailboxClosed
	}
	cond, args := where(filter, time.Now())
	msgs, _, err := s.scan(ctx, `SELECT `+columns+` FROM signaling_messages WHERE `+cond+
		` ORDER BY created_at, id`, args...)
	return msgs, err
}

// scan runs a query over full rows and returns the records and the highest
// seq seen. Rows that no longer decode are skipped.
func (s *Store) scan(ctx context.Context, query string, args ...any) ([]*signal.Message, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var (
		out    []*signal.Message
		maxSeq int64
	)
	for rows.Next() {
		var (
			seq                  int64
			msg                  signal.Message
			typ, role, data      string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&seq, &msg.ID, &msg.DeviceID, &msg.SessionID, &typ, &role, &data, &createdAt, &expiresAt); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan: %w", err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		msg.Type = signal.MessageType(typ)
		msg.SenderType = signal.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		msg.ExpiresAt = time.Unix(0, expiresAt).UTC()

		payload, err := signal.DecodePayload(msg.Type, json.RawMessage(data))
		if err != nil {
			s.log.Warnf("Skipping record %s: %v", msg.ID, err)
			continue
		}
		msg.Payload = payload
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: query: %w", err)
	}
	return out, maxSeq, nil
}

// DeleteByDevice removes a device's records, optionally limited to one role
func (s *Store) DeleteByDevice(ctx context.Context, deviceID string, role signal.Role) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	var err error
	if role == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM signaling_messages WHERE device_id = ?`, deviceID)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM signaling_messages WHERE device_id = ? AND sender_type = ?`,
			deviceID, string(role))
	}
	if err != nil {
		return fmt.Errorf("sqlite: delete device %s: %w", deviceID, err)
	}
	return nil
}

func (s *Store) DeleteBySession(ctx context.Context, deviceID, sessionID string) error {
	if s.isClosed() {
		return signal.ErrMailboxClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signaling_messages WHERE device_id = ? AND session_id = ?`,
		deviceID, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session %s: %w", sessionID, err)
	}
	return nil
}

// CollectExpired deletes records whose TTL passed before now
func (s *Store) CollectExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signaling_messages WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: collect: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) collectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.collectInterval)
			n, err := s.CollectExpired(ctx, time.Now())
			cancel()
			if err != nil {
				s.log.Warnf("TTL collection failed: %v", err)
			} else if n > 0 {
				s.log.Debugf("Collected %d expired records", n)
			}
		}
	}
}

// Subscribe tails records inserted after the call
func (s *Store) Subscribe(ctx context.Context, filter signal.Filter) (signal.Subscription, error) {
	if s.isClosed() {
		return nil, signal.ErrMailboxClosed
	}
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM signaling_messages`).Scan(&last); err != nil {
		return nil, fmt.Errorf("sqlite: subscribe: %w", err)
	}

	sub := &subscription{
		store:  s,
		filter: filter,
		last:   last.Int64,
		ch:     make(chan *signal.Message, signal.SubscriptionBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, signal.ErrMailboxClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.tail()
	return sub, nil
}

// Close stops the collector, ends every subscription and closes the database
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

	close(s.done)
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	return s.db.Close()
}

type subscription struct {
	store  *Store
	filter signal.Filter
	last   int64
	ch     chan *signal.Message
	wake   chan struct{}

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
	})
	<-sub.exited
	return nil
}

func (sub *subscription) tail() {
	defer close(sub.exited)
	defer close(sub.ch)

	ticker := time.NewTicker(sub.store.tailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		case <-ticker.C:
		}
		sub.poll()
	}
}

func (sub *subscription) poll() {
	cond, args := where(sub.filter, time.Now())
	args = append(args, sub.last)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, maxSeq, err := sub.store.scan(ctx, `SELECT `+columns+` FROM signaling_messages WHERE `+cond+
		` AND seq > ? ORDER BY seq`, args...)
	if err != nil {
		select {
		case <-sub.done:
		default:
			sub.store.log.Warnf("Tail failed: %v", err)
		}
		return
	}
	if maxSeq > sub.last {
		sub.last = maxSeq
	}

	for _, msg := range msgs {
		select {
		case <-sub.done:
			return
		case sub.ch <- msg:
		default:
		}
	}
}
