package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/peepcam/pkg/signal"
)

// Viewer receives one broadcaster's stream over a single session
type Viewer struct {
	config  Config
	factory ConnectionFactory
	log     logging.LeveledLogger

	mu            sync.Mutex
	session       *viewerSession
	connected     bool
	err           error
	onStream      func(*RemoteStream)
	onStateChange func(SessionState)
}

type viewerSession struct {
	id        string
	assembler *trackAssembler

	mu        sync.Mutex
	fsm       fsm
	pc        PeerConnection
	queue     *candidateQueue
	remoteSet bool
	processed map[string]struct{}
	sub       signal.Subscription
	poller    *poller
	timeout   *time.Timer
	cancel    context.CancelFunc
	closed    bool
}

// NewViewer creates a viewer for the broadcaster at config.DeviceID
func NewViewer(config Config) (*Viewer, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	factory := config.Factory
	if factory == nil {
		var err error
		factory, err = NewAPIFactory(APIConfig{
			PLIInterval:   3 * time.Second,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Viewer{
		config:  config,
		factory: factory,
		log:     config.LoggerFactory.NewLogger("viewer"),
	}, nil
}

// OnStream sets the callback that receives assembled remote media. It may
// fire more than once as tracks arrive.
func (v *Viewer) OnStream(f func(*RemoteStream)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onStream = f
}

func (v *Viewer) OnStateChange(f func(SessionState)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onStateChange = f
}

// IsConnecting reports whether a session exists that has not connected yet
func (v *Viewer) IsConnecting() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session != nil && !v.connected
}

func (v *Viewer) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Err returns why the last session ended, if it ended abnormally
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// SessionID returns the current session id, or "" when idle
func (v *Viewer) SessionID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil {
		return ""
	}
	return v.session.id
}

func (v *Viewer) current(s *viewerSession) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session == s
}

func (v *Viewer) currentSession() *viewerSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

// Connect starts a new session. It is a no-op while a session is already
// connecting or connected.
func (v *Viewer) Connect(ctx context.Context) error {
	v.mu.Lock()
	if v.session != nil {
		v.mu.Unlock()
		return nil
	}
	life, cancel := context.WithCancel(context.Background())
	s := &viewerSession{
		id:        uuid.New().String(),
		queue:     newCandidateQueue(),
		processed: make(map[string]struct{}),
		cancel:    cancel,
	}
	s.assembler = newTrackAssembler(v.config.TrackDebounce, func(rs *RemoteStream) { v.deliver(s, rs) })
	v.session = s
	v.connected = false
	v.err = nil
	v.mu.Unlock()

	v.log.Infof("Connecting to %s as session %s", v.config.DeviceID, s.id)
	v.notifyState(StateCreating)

	if err := v.setup(ctx, life, s); err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		v.log.Warnf("Connect failed: %v", err)
		if v.teardown(s, err) {
			v.purge(s.id)
		}
		return err
	}
	return nil
}

func (v *Viewer) setup(ctx, life context.Context, s *viewerSession) error {
	servers, err := v.config.ICE.ICEServers(ctx)
	if err != nil {
		v.log.Warnf("ICE servers unavailable, using host candidates only: %v", err)
	}
	if !v.current(s) {
		return errAbandoned
	}

	pc, err := v.factory.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: v.config.ICETransportPolicy,
	})
	if err != nil {
		return wrapNegotiation(err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return wrapNegotiation(err)
		}
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		v.log.Infof("Got %s track %s", track.Kind(), track.ID())
		s.assembler.add(track)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		v.emitCandidate(s, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.handleConnectionState(s, state)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		return errAbandoned
	}
	s.pc = pc
	s.mu.Unlock()

	// Subscribe before writing anything so the reply cannot slip past
	sub, err := v.config.Mailbox.Subscribe(ctx, signal.Filter{
		DeviceID:   v.config.DeviceID,
		SessionID:  s.id,
		SenderRole: signal.RoleBroadcaster,
	})
	if err != nil {
		v.log.Warnf("Push feed unavailable, relying on polling: %v", err)
		sub = nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return errAbandoned
	}
	s.sub = sub
	s.timeout = time.AfterFunc(v.config.ConnectTimeout, func() { v.connectTimedOut(s) })
	s.mu.Unlock()

	if sub != nil {
		go func() {
			for msg := range sub.Messages() {
				v.HandleMessage(life, msg)
			}
		}()
	}

	if v.config.Initiator == InitiatorViewer {
		if err := v.sendOffer(ctx, s); err != nil {
			return err
		}
	} else {
		join := signal.NewMessage(v.config.DeviceID, s.id, signal.TypeViewerJoin, signal.RoleViewer, nil, v.config.MessageTTL)
		if err := v.insert(ctx, join); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Disconnect's delete may have run before our record landed
		v.purge(s.id)
		return errAbandoned
	}
	s.poller = startPoller(life, v.config.PollInterval, v.config.PollInterval, func(ctx context.Context) {
		v.poll(ctx, s)
	})
	s.mu.Unlock()
	return nil
}

func (v *Viewer) sendOffer(ctx context.Context, s *viewerSession) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errAbandoned
	}
	offer, err := s.pc.CreateOffer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.mu.Unlock()
		return wrapNegotiation(err)
	}
	s.fsm.transition(StateOffered)
	s.mu.Unlock()
	v.notifyState(StateOffered)

	msg := signal.NewMessage(v.config.DeviceID, s.id, signal.TypeOffer, signal.RoleViewer,
		signal.NewSDPPayload(offer), v.config.MessageTTL)
	return v.insert(ctx, msg)
}

// Disconnect ends the current session and deletes its records
func (v *Viewer) Disconnect(ctx context.Context) error {
	s := v.currentSession()
	if s == nil {
		return nil
	}
	v.teardown(s, nil)

	mctx, cancel := context.WithTimeout(ctx, v.config.MailboxTimeout)
	defer cancel()
	if err := v.config.Mailbox.DeleteBySession(mctx, v.config.DeviceID, s.id); err != nil {
		return wrapMailbox("delete session records", err)
	}
	v.log.Infof("Disconnected session %s", s.id)
	return nil
}

// teardown releases everything s holds. Only the first call for a session
// returns true.
func (v *Viewer) teardown(s *viewerSession, reason error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if reason != nil {
		s.fsm.transition(StateFailed)
	} else {
		s.fsm.transition(StateClosed)
	}
	pc, sub, p := s.pc, s.sub, s.poller
	s.pc, s.sub, s.poller = nil, nil, nil
	s.queue.reset()
	s.remoteSet = false
	s.mu.Unlock()

	s.cancel()
	if p != nil {
		p.Stop()
	}
	if sub != nil {
		sub.Close()
	}
	if pc != nil {
		pc.Close()
	}
	s.assembler.close()

	v.mu.Lock()
	if v.session == s {
		v.session = nil
		v.connected = false
		v.err = reason
	}
	v.mu.Unlock()

	if reason != nil {
		v.log.Warnf("Session %s ended: %v", s.id, reason)
		v.notifyState(StateFailed)
	} else {
		v.notifyState(StateClosed)
	}
	return true
}

// purge deletes a finished session's records in the background
func (v *Viewer) purge(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.config.MailboxTimeout)
		defer cancel()
		if err := v.config.Mailbox.DeleteBySession(ctx, v.config.DeviceID, sessionID); err != nil {
			v.log.Warnf("Failed to delete records for %s: %v", sessionID, err)
		}
	}()
}

func (v *Viewer) connectTimedOut(s *viewerSession) {
	s.mu.Lock()
	connected := s.fsm.state == StateConnected
	s.mu.Unlock()
	if connected {
		return
	}
	if v.teardown(s, ErrBroadcasterNotActive) {
		v.purge(s.id)
	}
}

func (v *Viewer) handleConnectionState(s *viewerSession, state webrtc.PeerConnectionState) {
	if !v.current(s) {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.timeout != nil {
			s.timeout.Stop()
			s.timeout = nil
		}
		changed := s.fsm.transition(StateConnected)
		s.mu.Unlock()
		v.setConnected(s, true)
		if changed {
			v.log.Infof("Connected to %s", v.config.DeviceID)
			v.notifyState(StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		changed := s.fsm.transition(StateDisconnected)
		s.mu.Unlock()
		v.setConnected(s, false)
		if changed {
			v.notifyState(StateDisconnected)
		}
	case webrtc.PeerConnectionStateFailed:
		go func() {
			if v.teardown(s, ErrICEFailed) {
				v.purge(s.id)
			}
		}()
	}
}

func (v *Viewer) setConnected(s *viewerSession, connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == s {
		v.connected = connected
	}
}

// poll is the fallback to push for the current session
func (v *Viewer) poll(ctx context.Context, s *viewerSession) {
	mctx, cancel := context.WithTimeout(ctx, v.config.MailboxTimeout)
	msgs, err := v.config.Mailbox.Query(mctx, signal.Filter{
		DeviceID:   v.config.DeviceID,
		SessionID:  s.id,
		SenderRole: signal.RoleBroadcaster,
	})
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			v.log.Warnf("Poll failed: %v", err)
		}
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		v.HandleMessage(ctx, msg)
	}
}

// HandleMessage routes a broadcaster record for the current session.
// Duplicates and records for other sessions are ignored.
func (v *Viewer) HandleMessage(ctx context.Context, msg *signal.Message) {
	s := v.currentSession()
	if s == nil || msg.SessionID != s.id || msg.DeviceID != v.config.DeviceID || msg.SenderType != signal.RoleBroadcaster {
		return
	}
	if !s.markProcessed(msg.ID) {
		return
	}

	var err error
	switch msg.Type {
	case signal.TypeOffer:
		desc, _ := msg.SDP()
		err = v.HandleOffer(ctx, desc)
	case signal.TypeAnswer:
		desc, _ := msg.SDP()
		err = v.HandleAnswer(ctx, desc)
	case signal.TypeICECandidate:
		c, _ := msg.Candidate()
		err = v.HandleIceCandidate(ctx, c)
	}

	if err == nil {
		return
	}
	if errors.Is(err, errNotReady) || errors.Is(err, ErrMailbox) {
		s.unmarkProcessed(msg.ID)
		return
	}
	v.log.Warnf("Handling %s failed: %v", msg.Type, err)
}

// HandleOffer answers a broadcaster offer once
func (v *Viewer) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	s := v.currentSession()
	if s == nil {
		return nil
	}
	if v.config.Initiator == InitiatorViewer {
		v.log.Debugf("Ignoring offer, this side initiates")
		return nil
	}

	s.mu.Lock()
	if s.closed || s.remoteSet {
		s.mu.Unlock()
		return nil
	}
	if s.pc == nil {
		s.mu.Unlock()
		return errNotReady
	}
	pc := s.pc
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.mu.Unlock()
		return v.fail(s, wrapNegotiation(err))
	}
	s.remoteSet = true
	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		s.mu.Unlock()
		return v.fail(s, wrapNegotiation(err))
	}
	s.fsm.transition(StateAnswered)
	s.flushLocked(v.log)
	s.mu.Unlock()
	v.notifyState(StateAnswered)

	msg := signal.NewMessage(v.config.DeviceID, s.id, signal.TypeAnswer, signal.RoleViewer,
		signal.NewSDPPayload(answer), v.config.MessageTTL)
	if err := v.insert(ctx, msg); err != nil {
		// The answer is already applied locally; the broadcaster will not
		// hear it, so let the connect timeout decide.
		v.log.Warnf("Failed to send answer: %v", err)
	}
	return nil
}

// HandleAnswer applies the broadcaster's answer to a viewer-initiated
// session. Applying the same answer twice has no further effect.
func (v *Viewer) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	s := v.currentSession()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed || s.remoteSet {
		s.mu.Unlock()
		return nil
	}
	if s.pc == nil || s.fsm.state != StateOffered {
		s.mu.Unlock()
		return errNotReady
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.mu.Unlock()
		return v.fail(s, wrapNegotiation(err))
	}
	s.remoteSet = true
	s.fsm.transition(StateAnswered)
	s.flushLocked(v.log)
	s.mu.Unlock()
	v.notifyState(StateAnswered)
	return nil
}

// HandleIceCandidate applies a broadcaster candidate, queuing it until the
// remote description is set
func (v *Viewer) HandleIceCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	s := v.currentSession()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.queue.add(c) {
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		v.log.Warnf("Failed to add candidate: %v", err)
	}
	return nil
}

func (v *Viewer) fail(s *viewerSession, err error) error {
	if v.teardown(s, err) {
		v.purge(s.id)
	}
	return err
}

func (v *Viewer) emitCandidate(s *viewerSession, c webrtc.ICECandidateInit) {
	if !v.current(s) {
		return
	}
	msg := signal.NewMessage(v.config.DeviceID, s.id, signal.TypeICECandidate, signal.RoleViewer,
		signal.NewCandidatePayload(c), v.config.MessageTTL)
	if err := v.insert(context.Background(), msg); err != nil {
		v.log.Warnf("Failed to send candidate: %v", err)
	}
}

func (v *Viewer) deliver(s *viewerSession, rs *RemoteStream) {
	v.mu.Lock()
	cb := v.onStream
	live := v.session == s
	v.mu.Unlock()
	if live && cb != nil {
		cb(rs)
	}
}

func (v *Viewer) insert(ctx context.Context, msg *signal.Message) error {
	mctx, cancel := context.WithTimeout(ctx, v.config.MailboxTimeout)
	defer cancel()
	if err := v.config.Mailbox.Insert(mctx, msg); err != nil {
		return wrapMailbox("insert "+string(msg.Type), err)
	}
	return nil
}

func (v *Viewer) notifyState(state SessionState) {
	v.mu.Lock()
	cb := v.onStateChange
	v.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (s *viewerSession) markProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, seen := s.processed[id]; seen {
		return false
	}
	s.processed[id] = struct{}{}
	return true
}

func (s *viewerSession) unmarkProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, id)
}

func (s *viewerSession) flushLocked(log logging.LeveledLogger) {
	for _, c := range s.queue.flush() {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("Failed to add queued candidate: %v", err)
		}
	}
}
