package peer

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// PeerSession is the broadcaster's connection to one viewer session
type PeerSession struct {
	id        string
	broadcast string
	offerer   bool
	log       logging.LeveledLogger

	mu          sync.Mutex
	fsm         fsm
	pc          PeerConnection
	queue       *candidateQueue
	hasAnswer   bool
	remoteSet   bool
	grace       *time.Timer
	closed      bool
	err         error
	createdAt   time.Time
	connectedAt time.Time
}

// SessionInfo is a point-in-time view of a PeerSession
type SessionInfo struct {
	ID          string
	State       SessionState
	CreatedAt   time.Time
	ConnectedAt time.Time
	Err         error
}

func newPeerSession(id, broadcast string, offerer bool, log logging.LeveledLogger) *PeerSession {
	return &PeerSession{
		id:        id,
		broadcast: broadcast,
		offerer:   offerer,
		log:       log,
		queue:     newCandidateQueue(),
		createdAt: time.Now(),
	}
}

func (s *PeerSession) ID() string {
	return s.id
}

// Info returns a snapshot of the session
func (s *PeerSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		State:       s.fsm.state,
		CreatedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
		Err:         s.err,
	}
}

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.state
}

// attach stores pc unless the session was closed while it was being built
func (s *PeerSession) attach(pc PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pc = pc
	return true
}

// connectionState reports the attached connection's state. ok is false
// before a connection is attached and after close.
func (s *PeerSession) connectionState() (state webrtc.PeerConnectionState, ok bool) {
	s.mu.Lock()
	pc := s.pc
	closed := s.closed
	s.mu.Unlock()
	if pc == nil || closed {
		return 0, false
	}
	return pc.ConnectionState(), true
}

// applyAnswer sets the remote answer once and flushes queued candidates.
// Repeated or late answers are ignored.
func (s *PeerSession) applyAnswer(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.offerer || s.hasAnswer || s.remoteSet {
		return nil
	}
	if s.pc == nil || s.fsm.state != StateOffered {
		return errNotReady
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return wrapNegotiation(err)
	}
	s.hasAnswer = true
	s.remoteSet = true
	s.fsm.transition(StateAnswered)
	s.flushLocked()
	return nil
}

// flushLocked applies queued candidates. Callers hold s.mu and have just
// set the remote description.
func (s *PeerSession) flushLocked() {
	for _, c := range s.queue.flush() {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warnf("Viewer %s: failed to add queued candidate: %v", s.id, err)
		}
	}
}

// addCandidate applies c now if the remote description is set, otherwise
// queues it
func (s *PeerSession) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.queue.add(c) {
		return nil
	}
	return s.pc.AddICECandidate(c)
}

func (s *PeerSession) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if !s.fsm.transition(StateConnected) {
		return false
	}
	s.connectedAt = time.Now()
	return true
}

// markDisconnected starts the grace timer the first time the session drops
func (s *PeerSession) markDisconnected(grace time.Duration, expire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.fsm.transition(StateDisconnected) {
		return false
	}
	if s.grace == nil {
		s.grace = time.AfterFunc(grace, expire)
	}
	return true
}

// graceExpired reports whether the session is still disconnected once its
// grace timer fires
func (s *PeerSession) graceExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = nil
	return !s.closed && s.fsm.state == StateDisconnected
}

// close marks the session closed and returns its connection for the caller
// to close outside any lock. Only the first call returns true.
func (s *PeerSession) close(reason error) (PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if reason != nil {
		s.err = reason
		s.fsm.transition(StateFailed)
	} else {
		s.fsm.transition(StateClosed)
	}
	s.queue.reset()
	pc := s.pc
	s.pc = nil
	return pc, true
}
