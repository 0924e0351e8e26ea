package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/signal"
)

var errAbandoned = errors.New("peer: session abandoned")

// processedRecord remembers a handled record until it expires from the mailbox
type processedRecord struct {
	sessionID string
	expiresAt time.Time
}

// Broadcaster fans a local stream out to one peer connection per viewer
// session. Push and poll both feed HandleMessage, which is idempotent.
type Broadcaster struct {
	config    Config
	factory   ConnectionFactory
	log       logging.LeveledLogger
	keyframes *keyframeForcer

	mu           sync.Mutex
	broadcasting bool
	broadcastID  string
	startedAt    time.Time
	stream       *media.Stream
	sessions     map[string]*PeerSession
	processed    map[string]processedRecord
	ended        map[string]time.Time // torn-down session ids
	poller       *poller
	sub          signal.Subscription
	pushDone     chan struct{}
	cancel       context.CancelFunc
	err          error
	restartSent  bool

	onRestartNeeded      func(error)
	onViewerCountChange  func(int)
	onSessionStateChange func(string, SessionState)
}

// NewBroadcaster creates a broadcaster for config.DeviceID
func NewBroadcaster(config Config) (*Broadcaster, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	factory := config.Factory
	if factory == nil {
		var err error
		factory, err = NewAPIFactory(APIConfig{LoggerFactory: config.LoggerFactory})
		if err != nil {
			return nil, err
		}
	}

	return &Broadcaster{
		config:    config,
		factory:   factory,
		log:       config.LoggerFactory.NewLogger("broadcaster"),
		keyframes: newKeyframeForcer(config.KeyframeToggle),
		sessions:  make(map[string]*PeerSession),
		processed: make(map[string]processedRecord),
		ended:     make(map[string]time.Time),
	}, nil
}

// OnRestartNeeded sets the callback fired once per broadcast when the local
// stream can no longer serve viewers and should be reacquired
func (b *Broadcaster) OnRestartNeeded(f func(reason error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRestartNeeded = f
}

func (b *Broadcaster) OnViewerCountChange(f func(count int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onViewerCountChange = f
}

func (b *Broadcaster) OnSessionStateChange(f func(sessionID string, state SessionState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionStateChange = f
}

// IsBroadcasting reports whether Start has succeeded and Stop not yet run
func (b *Broadcaster) IsBroadcasting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasting
}

// ViewerCount returns the number of live viewer sessions
func (b *Broadcaster) ViewerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Err returns the most recent broadcast-level error classification
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Sessions returns a snapshot of all live sessions, oldest first
func (b *Broadcaster) Sessions() []SessionInfo {
	b.mu.Lock()
	sessions := make([]*PeerSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Start purges the device's old records, announces the broadcaster, opens
// the push feed and schedules polling
func (b *Broadcaster) Start(ctx context.Context, stream *media.Stream) error {
	if stream == nil {
		return fmt.Errorf("peer: nil stream")
	}

	b.mu.Lock()
	if b.broadcasting {
		b.mu.Unlock()
		return ErrAlreadyBroadcasting
	}
	life, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	b.broadcasting = true
	b.broadcastID = id
	b.startedAt = time.Now()
	b.stream = stream
	b.sessions = make(map[string]*PeerSession)
	b.processed = make(map[string]processedRecord)
	b.ended = make(map[string]time.Time)
	b.cancel = cancel
	b.err = nil
	b.restartSent = false
	b.mu.Unlock()

	mctx, mcancel := b.mailboxCtx(ctx)
	err := b.config.Mailbox.DeleteByDevice(mctx, b.config.DeviceID, "")
	mcancel()
	if err != nil {
		b.abortStart(id)
		return wrapMailbox("purge stale records", err)
	}

	ready := signal.NewMessage(b.config.DeviceID, id, signal.TypeBroadcasterReady, signal.RoleBroadcaster, nil, b.config.MessageTTL)
	if err := b.insert(ctx, ready); err != nil {
		b.log.Warnf("Failed to announce broadcaster: %v", err)
		b.setErr(err)
	}

	sub, err := b.config.Mailbox.Subscribe(ctx, signal.Filter{
		DeviceID:   b.config.DeviceID,
		SenderRole: signal.RoleViewer,
	})
	if err != nil {
		b.log.Warnf("Push feed unavailable, relying on polling: %v", err)
		sub = nil
	}

	b.mu.Lock()
	if !b.broadcasting || b.broadcastID != id {
		b.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return nil
	}
	b.sub = sub
	if sub != nil {
		b.pushDone = make(chan struct{})
		go b.pushLoop(life, sub, b.pushDone)
	}
	b.poller = startPoller(life, b.config.PollStartDelay, b.config.PollInterval, b.poll)
	b.mu.Unlock()

	b.log.Infof("Broadcasting %s (%d tracks, initiator %s)", b.config.DeviceID, len(stream.Tracks()), b.config.Initiator)
	return nil
}

func (b *Broadcaster) abortStart(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broadcastID != id {
		return
	}
	b.broadcasting = false
	b.stream = nil
	if b.cancel != nil {
		b.cancel()
	}
}

// Stop tears down every session, stops polling and push, and purges the
// device's records
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.broadcasting {
		b.mu.Unlock()
		return nil
	}
	b.broadcasting = false
	p, sub, cancel, pushDone := b.poller, b.sub, b.cancel, b.pushDone
	sessions := make([]*PeerSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*PeerSession)
	b.processed = make(map[string]processedRecord)
	b.ended = make(map[string]time.Time)
	b.poller, b.sub, b.cancel, b.pushDone = nil, nil, nil, nil
	b.stream = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Stop()
		p.Wait()
	}
	if sub != nil {
		sub.Close()
	}
	if pushDone != nil {
		<-pushDone
	}
	b.keyframes.cancel()

	for _, s := range sessions {
		if pc, ok := s.close(nil); ok {
			if pc != nil {
				pc.Close()
			}
			b.notifySessionState(s.id, StateClosed)
		}
	}
	b.notifyViewerCount()

	mctx, mcancel := b.mailboxCtx(ctx)
	defer mcancel()
	if err := b.config.Mailbox.DeleteByDevice(mctx, b.config.DeviceID, ""); err != nil {
		b.log.Warnf("Failed to purge records on stop: %v", err)
		return wrapMailbox("purge records", err)
	}
	b.log.Infof("Stopped broadcasting %s", b.config.DeviceID)
	return nil
}

func (b *Broadcaster) pushLoop(ctx context.Context, sub signal.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		b.HandleMessage(ctx, msg)
	}
}

// poll is the fallback delivery path and the health supervisor
func (b *Broadcaster) poll(ctx context.Context) {
	b.mu.Lock()
	if !b.broadcasting {
		b.mu.Unlock()
		return
	}
	stream := b.stream
	sessions := make([]*PeerSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	now := time.Now()
	cutoff := now.Add(-b.config.MessageTTL)
	for id, at := range b.ended {
		if at.Before(cutoff) {
			delete(b.ended, id)
		}
	}
	// Expired records can no longer be queried or replayed
	for id, rec := range b.processed {
		if !rec.expiresAt.IsZero() && !rec.expiresAt.After(now) {
			delete(b.processed, id)
		}
	}
	b.mu.Unlock()

	for _, s := range sessions {
		state, ok := s.connectionState()
		if ok && (state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed) {
			b.log.Infof("Removing viewer %s in state %s", s.id, state)
			b.cleanupSession(s, ErrICEFailed)
		}
	}

	if stream.AllEnded() {
		b.signalRestart(fmt.Errorf("%w: all local tracks ended", ErrStaleMedia))
		return
	}

	mctx, cancel := b.mailboxCtx(ctx)
	msgs, err := b.config.Mailbox.Query(mctx, signal.Filter{
		DeviceID:   b.config.DeviceID,
		SenderRole: signal.RoleViewer,
	})
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warnf("Poll failed: %v", err)
			b.setErr(wrapMailbox("poll", err))
		}
		return
	}
	b.clearMailboxErr()

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		b.HandleMessage(ctx, msg)
	}
}

// HandleMessage routes a viewer record to the matching handler. Records
// already handled, records for torn-down sessions and records for other
// devices are ignored.
func (b *Broadcaster) HandleMessage(ctx context.Context, msg *signal.Message) {
	if msg.DeviceID != b.config.DeviceID || msg.SenderType != signal.RoleViewer {
		return
	}
	if !b.markProcessed(msg) {
		return
	}

	var err error
	switch msg.Type {
	case signal.TypeViewerJoin:
		if b.config.Initiator == InitiatorBroadcaster {
			err = b.admitViewer(ctx, msg.SessionID)
		}
	case signal.TypeOffer:
		if b.config.Initiator == InitiatorViewer {
			desc, _ := msg.SDP()
			err = b.HandleOffer(ctx, msg.SessionID, desc)
		}
	case signal.TypeAnswer:
		desc, _ := msg.SDP()
		err = b.HandleAnswer(ctx, msg.SessionID, desc)
	case signal.TypeICECandidate:
		c, _ := msg.Candidate()
		err = b.HandleIceCandidate(ctx, msg.SessionID, c)
	}

	if err == nil {
		return
	}
	// Leave retryable records for the next poll
	if errors.Is(err, errNotReady) || errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrMailbox) || errors.Is(err, ErrStaleMedia) {
		b.unmarkProcessed(msg.ID)
		b.log.Debugf("Deferring %s for %s: %v", msg.Type, msg.SessionID, err)
		return
	}
	b.log.Warnf("Handling %s for %s failed: %v", msg.Type, msg.SessionID, err)
}

func (b *Broadcaster) markProcessed(msg *signal.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.broadcasting {
		return false
	}
	if _, gone := b.ended[msg.SessionID]; gone {
		return false
	}
	if _, seen := b.processed[msg.ID]; seen {
		return false
	}
	if msg.Expired(time.Now()) {
		return false
	}
	b.processed[msg.ID] = processedRecord{sessionID: msg.SessionID, expiresAt: msg.ExpiresAt}
	return true
}

func (b *Broadcaster) unmarkProcessed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.processed, id)
}

// admitViewer creates a peer for a new viewer-join unless the outbound
// video is frozen, in which case a restart is requested instead
func (b *Broadcaster) admitViewer(ctx context.Context, sessionID string) error {
	if b.session(sessionID) != nil {
		return nil
	}
	if b.videoStale() {
		b.signalRestart(fmt.Errorf("%w: video frozen with viewer %s waiting", ErrStaleMedia, sessionID))
		return ErrStaleMedia
	}
	return b.CreatePeerConnectionAndOffer(ctx, sessionID)
}

// videoStale reports whether every outbound video track is muted. The
// start-up window and a keyframe toggle in progress do not count.
func (b *Broadcaster) videoStale() bool {
	b.mu.Lock()
	stream, startedAt := b.stream, b.startedAt
	b.mu.Unlock()

	if stream == nil || time.Since(startedAt) < b.config.PollStartDelay || b.keyframes.active() {
		return false
	}
	videos := stream.VideoTracks()
	if len(videos) == 0 {
		return false
	}
	for _, v := range videos {
		if !v.Muted() {
			return false
		}
	}
	return true
}

func (b *Broadcaster) signalRestart(reason error) {
	b.mu.Lock()
	if b.restartSent || !b.broadcasting {
		b.mu.Unlock()
		return
	}
	b.restartSent = true
	b.err = reason
	cb := b.onRestartNeeded
	b.mu.Unlock()

	b.log.Warnf("Restart needed: %v", reason)
	if cb != nil {
		go cb(reason)
	}
}

func (b *Broadcaster) session(id string) *PeerSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

// newSession registers a placeholder for id. It returns nil without error
// when the session already exists or was torn down.
func (b *Broadcaster) newSession(id string, offerer bool) (*PeerSession, *media.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.broadcasting {
		return nil, nil, ErrNotBroadcasting
	}
	if _, gone := b.ended[id]; gone {
		return nil, nil, nil
	}
	if _, exists := b.sessions[id]; exists {
		return nil, nil, nil
	}
	s := newPeerSession(id, b.broadcastID, offerer, b.log)
	b.sessions[id] = s
	return s, b.stream, nil
}

func (b *Broadcaster) isLive(s *PeerSession) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasting && b.broadcastID == s.broadcast && b.sessions[s.id] == s
}

// buildConnection creates the peer connection for s, attaches every local
// track and wires the connection callbacks
func (b *Broadcaster) buildConnection(ctx context.Context, s *PeerSession, stream *media.Stream) (PeerConnection, error) {
	servers, err := b.config.ICE.ICEServers(ctx)
	if err != nil {
		b.log.Warnf("ICE servers unavailable, using host candidates only: %v", err)
	}
	if !b.isLive(s) {
		return nil, errAbandoned
	}

	pc, err := b.factory.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: b.config.ICETransportPolicy,
	})
	if err != nil {
		return nil, wrapNegotiation(err)
	}
	if !s.attach(pc) {
		pc.Close()
		return nil, errAbandoned
	}

	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track.Local())
		if err != nil {
			return nil, wrapNegotiation(err)
		}
		if sender != nil {
			go forwardKeyframeRequests(sender, track)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b.emitCandidate(s, c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected {
			b.forceKeyframe(s)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.handleConnectionState(s, state)
	})
	return pc, nil
}

// CreatePeerConnectionAndOffer builds a peer for sessionID and deposits its
// offer. At most one attempt proceeds per session.
func (b *Broadcaster) CreatePeerConnectionAndOffer(ctx context.Context, sessionID string) error {
	s, stream, err := b.newSession(sessionID, true)
	if err != nil || s == nil {
		return err
	}
	b.notifyViewerCount()
	b.notifySessionState(s.id, StateCreating)

	pc, err := b.buildConnection(ctx, s, stream)
	if err != nil {
		return b.abandon(s, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.mu.Unlock()
		return b.abandon(s, wrapNegotiation(err))
	}
	s.fsm.transition(StateOffered)
	s.mu.Unlock()
	b.notifySessionState(s.id, StateOffered)

	msg := signal.NewMessage(b.config.DeviceID, sessionID, signal.TypeOffer, signal.RoleBroadcaster,
		signal.NewSDPPayload(offer), b.config.MessageTTL)
	if err := b.insert(ctx, msg); err != nil {
		return b.abandon(s, err)
	}
	b.log.Infof("Sent offer to viewer %s", sessionID)
	return nil
}

// HandleOffer answers an offer from a viewer that initiated the session
func (b *Broadcaster) HandleOffer(ctx context.Context, sessionID string, offer webrtc.SessionDescription) error {
	if b.session(sessionID) == nil && b.videoStale() {
		b.signalRestart(fmt.Errorf("%w: video frozen with viewer %s waiting", ErrStaleMedia, sessionID))
		return ErrStaleMedia
	}

	s, stream, err := b.newSession(sessionID, false)
	if err != nil || s == nil {
		return err
	}
	b.notifyViewerCount()
	b.notifySessionState(s.id, StateCreating)

	pc, err := b.buildConnection(ctx, s, stream)
	if err != nil {
		return b.abandon(s, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.mu.Unlock()
		return b.abandon(s, wrapNegotiation(err))
	}
	s.remoteSet = true
	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		s.mu.Unlock()
		return b.abandon(s, wrapNegotiation(err))
	}
	s.hasAnswer = true
	s.fsm.transition(StateAnswered)
	s.flushLocked()
	s.mu.Unlock()
	b.notifySessionState(s.id, StateAnswered)

	msg := signal.NewMessage(b.config.DeviceID, sessionID, signal.TypeAnswer, signal.RoleBroadcaster,
		signal.NewSDPPayload(answer), b.config.MessageTTL)
	if err := b.insert(ctx, msg); err != nil {
		return b.abandon(s, err)
	}
	b.log.Infof("Sent answer to viewer %s", sessionID)
	return nil
}

// HandleAnswer applies a viewer's answer. Applying the same answer twice
// has no further effect.
func (b *Broadcaster) HandleAnswer(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error {
	s := b.session(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	if err := s.applyAnswer(answer); err != nil {
		if errors.Is(err, ErrNegotiation) {
			b.cleanupSession(s, err)
		}
		return err
	}
	b.notifySessionState(s.id, s.State())
	return nil
}

// HandleIceCandidate applies a viewer candidate, queuing it until the
// remote description is set
func (b *Broadcaster) HandleIceCandidate(ctx context.Context, sessionID string, c webrtc.ICECandidateInit) error {
	s := b.session(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	if err := s.addCandidate(c); err != nil {
		b.log.Warnf("Viewer %s: failed to add candidate: %v", sessionID, err)
	}
	return nil
}

// CleanupPeer closes and forgets sessionID and deletes its records
func (b *Broadcaster) CleanupPeer(sessionID string) {
	if s := b.session(sessionID); s != nil {
		b.cleanupSession(s, nil)
	}
}

// abandon drops a session whose setup failed. Mailbox failures leave no
// tombstone so the viewer-join can be retried on the next poll.
func (b *Broadcaster) abandon(s *PeerSession, err error) error {
	if errors.Is(err, errAbandoned) {
		b.removeSession(s, false, nil)
		return nil
	}
	if errors.Is(err, ErrMailbox) {
		b.removeSession(s, false, err)
		return err
	}
	b.cleanupSession(s, err)
	return err
}

func (b *Broadcaster) cleanupSession(s *PeerSession, reason error) bool {
	if !b.removeSession(s, true, reason) {
		return false
	}
	if reason != nil {
		b.log.Infof("Viewer %s removed: %v", s.id, reason)
	} else {
		b.log.Infof("Viewer %s removed", s.id)
	}

	id := s.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.MailboxTimeout)
		defer cancel()
		if err := b.config.Mailbox.DeleteBySession(ctx, b.config.DeviceID, id); err != nil {
			b.log.Warnf("Failed to delete records for %s: %v", id, err)
		}
	}()
	return true
}

// removeSession unregisters s, optionally leaving a tombstone, and closes
// its connection. Only the first call for a session returns true.
func (b *Broadcaster) removeSession(s *PeerSession, tombstone bool, reason error) bool {
	b.mu.Lock()
	if cur, ok := b.sessions[s.id]; ok && cur == s {
		delete(b.sessions, s.id)
		if tombstone {
			b.ended[s.id] = time.Now()
		}
		for msgID, rec := range b.processed {
			if rec.sessionID == s.id {
				delete(b.processed, msgID)
			}
		}
	}
	b.mu.Unlock()

	pc, first := s.close(reason)
	if !first {
		return false
	}
	if pc != nil {
		pc.Close()
	}
	b.notifyViewerCount()
	b.notifySessionState(s.id, s.State())
	return true
}

func (b *Broadcaster) handleConnectionState(s *PeerSession, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.markConnected() {
			b.log.Infof("Viewer %s connected", s.id)
			b.notifySessionState(s.id, StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected:
		if s.markDisconnected(b.config.DisconnectGrace, func() { b.graceExpired(s) }) {
			b.log.Infof("Viewer %s disconnected, waiting %s", s.id, b.config.DisconnectGrace)
			b.notifySessionState(s.id, StateDisconnected)
		}
	case webrtc.PeerConnectionStateFailed:
		go b.cleanupSession(s, ErrICEFailed)
	}
}

func (b *Broadcaster) graceExpired(s *PeerSession) {
	if !s.graceExpired() {
		return
	}
	b.cleanupSession(s, ErrTransientLoss)
}

// forceKeyframe runs the keyframe toggle for a viewer whose ICE link just
// came up
func (b *Broadcaster) forceKeyframe(s *PeerSession) {
	if !b.isLive(s) {
		return
	}
	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()
	if stream == nil {
		return
	}
	if b.keyframes.force(stream.VideoTracks()) {
		b.log.Debugf("Forcing keyframe for viewer %s", s.id)
	}
}

func (b *Broadcaster) emitCandidate(s *PeerSession, c webrtc.ICECandidateInit) {
	if !b.isLive(s) {
		return
	}
	msg := signal.NewMessage(b.config.DeviceID, s.id, signal.TypeICECandidate, signal.RoleBroadcaster,
		signal.NewCandidatePayload(c), b.config.MessageTTL)
	if err := b.insert(context.Background(), msg); err != nil {
		b.log.Warnf("Viewer %s: failed to send candidate: %v", s.id, err)
	}
}

func (b *Broadcaster) insert(ctx context.Context, msg *signal.Message) error {
	mctx, cancel := b.mailboxCtx(ctx)
	defer cancel()
	if err := b.config.Mailbox.Insert(mctx, msg); err != nil {
		return wrapMailbox("insert "+string(msg.Type), err)
	}
	return nil
}

func (b *Broadcaster) mailboxCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.MailboxTimeout)
}

func (b *Broadcaster) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *Broadcaster) clearMailboxErr() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errors.Is(b.err, ErrMailbox) {
		b.err = nil
	}
}

func (b *Broadcaster) notifyViewerCount() {
	b.mu.Lock()
	count := len(b.sessions)
	cb := b.onViewerCountChange
	b.mu.Unlock()
	if cb != nil {
		cb(count)
	}
}

func (b *Broadcaster) notifySessionState(id string, state SessionState) {
	b.mu.Lock()
	cb := b.onSessionStateChange
	b.mu.Unlock()
	if cb != nil {
		cb(id, state)
	}
}
