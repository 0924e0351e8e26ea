package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// RemoteConfig configures a RemoteMailbox
type RemoteConfig struct {
	// BaseURL is the mailbox server root, e.g. https://signal.example.com
	BaseURL string
	// Token is sent as a bearer token when set
	Token         string
	HTTPClient    *http.Client
	LoggerFactory logging.LoggerFactory
}

// RemoteMailbox implements Mailbox against a mailbox Server
type RemoteMailbox struct {
	base   *url.URL
	token  string
	client *http.Client
	dialer *websocket.Dialer
	log    logging.LeveledLogger
}

// NewRemoteMailbox creates a client for the server at config.BaseURL
func NewRemoteMailbox(config RemoteConfig) (*RemoteMailbox, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse mailbox url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("mailbox url must be http or https, got %q", base.Scheme)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &RemoteMailbox{
		base:   base,
		token:  config.Token,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    loggerFactory.NewLogger("mailbox"),
	}, nil
}

func (r *RemoteMailbox) endpoint(path string, query url.Values) string {
	u := *r.base
	u.Path = r.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *RemoteMailbox) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnauthorized, method, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s returned %d: %s", method, req.URL.Path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func filterQuery(filter Filter) url.Values {
	q := url.Values{}
	if filter.SessionID != "" {
		q.Set("session_id", filter.SessionID)
	}
	for _, t := range filter.Types {
		q.Add("type", string(t))
	}
	if filter.SenderRole != "" {
		q.Set("sender_type", string(filter.SenderRole))
	}
	return q
}

func devicePath(deviceID string) string {
	return "/api/devices/" + url.PathEscape(deviceID) + "/messages"
}

// Insert posts msg to the server
func (r *RemoteMailbox) Insert(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return r.do(ctx, http.MethodPost, r.endpoint(devicePath(msg.DeviceID), nil), msg, nil)
}

// Query fetches matching records. The server scopes every query to a
// device, so filter.DeviceID is required.
func (r *RemoteMailbox) Query(ctx context.Context, filter Filter) ([]*Message, error) {
	if filter.DeviceID == "" {
		return nil, fmt.Errorf("%w: remote query requires a device id", ErrInvalidMessage)
	}

	var resp struct {
		Messages []*Message `json:"messages"`
	}
	if err := r.do(ctx, http.MethodGet, r.endpoint(devicePath(filter.DeviceID), filterQuery(filter)), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// DeleteByDevice removes a device's records, optionally for one role
func (r *RemoteMailbox) DeleteByDevice(ctx context.Context, deviceID string, role Role) error {
	q := url.Values{}
	if role != "" {
		q.Set("sender_type", string(role))
	}
	return r.do(ctx, http.MethodDelete, r.endpoint(devicePath(deviceID), q), nil, nil)
}

// DeleteBySession removes a session's records within deviceID
func (r *RemoteMailbox) DeleteBySession(ctx context.Context, deviceID, sessionID string) error {
	path := "/api/devices/" + url.PathEscape(deviceID) + "/sessions/" + url.PathEscape(sessionID) + "/messages"
	return r.do(ctx, http.MethodDelete, r.endpoint(path, nil), nil, nil)
}

// Subscribe dials the server's websocket feed for filter.DeviceID
func (r *RemoteMailbox) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if filter.DeviceID == "" {
		return nil, fmt.Errorf("%w: remote subscribe requires a device id", ErrInvalidMessage)
	}

	u := *r.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = r.base.Path + "/ws/devices/" + url.PathEscape(filter.DeviceID)
	u.RawQuery = filterQuery(filter).Encode()

	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: feed returned %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	sub := &remoteSubscription{
		conn: conn,
		ch:   make(chan *Message, SubscriptionBuffer),
		done: make(chan struct{}),
		log:  r.log,
	}
	go sub.readLoop()
	return sub, nil
}

// Close is a no-op; the HTTP client holds no per-mailbox resources
func (r *RemoteMailbox) Close() error {
	return nil
}

type remoteSubscription struct {
	conn *websocket.Conn
	ch   chan *Message
	done chan struct{}
	log  logging.LeveledLogger

	closeMu sync.Mutex
	closed  bool
}

func (s *remoteSubscription) readLoop() {
	defer close(s.ch)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if !closed {
				s.log.Warnf("Feed read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warnf("Dropping malformed feed record: %v", err)
			continue
		}
		select {
		case s.ch <- &msg:
		case <-s.done:
			return
		default:
			// subscriber is behind; the poll path will pick it up
		}
	}
}

func (s *remoteSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *remoteSubscription) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.conn.Close()
}
