package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/signal"
)

const fakeSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

const testDevice = "BRAVE-OTTER-42"

// fakePC records what the managers do to a connection. AddICECandidate
// fails until a remote description is set, like a real connection.
type fakePC struct {
	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	candidates []webrtc.ICECandidateInit
	tracks     int
	kinds      []webrtc.RTPCodecType
	state      webrtc.PeerConnectionState
	closes     int
	failRemote error

	onCandidate func(*webrtc.ICECandidate)
	onICEState  func(webrtc.ICEConnectionState)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remoteSets++
	p.remote = &desc
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil, nil
}

func (p *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	return nil, nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICEState = f
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// fire moves the connection to state and runs the registered handler
func (p *fakePC) fire(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = state
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePC) fireICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICEState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePC) hasRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePC) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{state: webrtc.PeerConnectionStateNew}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// countingMailbox tracks open subscriptions
type countingMailbox struct {
	signal.Mailbox
	open atomic.Int32
}

type countingSubscription struct {
	signal.Subscription
	once sync.Once
	mb   *countingMailbox
}

func (m *countingMailbox) Subscribe(ctx context.Context, filter signal.Filter) (signal.Subscription, error) {
	sub, err := m.Mailbox.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	m.open.Add(1)
	return &countingSubscription{Subscription: sub, mb: m}, nil
}

func (s *countingSubscription) Close() error {
	s.once.Do(func() { s.mb.open.Add(-1) })
	return s.Subscription.Close()
}

func testConfig(mb signal.Mailbox, factory ConnectionFactory) Config {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelDisabled
	return Config{
		DeviceID:        testDevice,
		Mailbox:         mb,
		Factory:         factory,
		ConnectTimeout:  2 * time.Second,
		DisconnectGrace: 100 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		PollStartDelay:  10 * time.Millisecond,
		KeyframeToggle:  20 * time.Millisecond,
		TrackDebounce:   20 * time.Millisecond,
		MessageTTL:      time.Minute,
		MailboxTimeout:  time.Second,
		LoggerFactory:   lf,
	}
}

// liveStream returns a stream whose video track has a recent sample
func liveStream(t *testing.T) *media.Stream {
	t.Helper()
	video, err := media.NewTrack(media.CodecVP8, "video", "cam", media.WithStaleAfter(time.Hour))
	require.NoError(t, err)
	audio, err := media.NewTrack(media.CodecOpus, "audio", "cam")
	require.NoError(t, err)
	require.NoError(t, video.WriteSample(pionmedia.Sample{Data: []byte{0x00}, Duration: time.Millisecond}))
	return media.NewStream("cam", video, audio)
}

func viewerRecord(session string, typ signal.MessageType, payload signal.Payload) *signal.Message {
	return signal.NewMessage(testDevice, session, typ, signal.RoleViewer, payload, time.Minute)
}

func answerPayload() signal.Payload {
	return signal.NewSDPPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP})
}

func offerPayload() signal.Payload {
	return signal.NewSDPPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP})
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func recordsOf(t *testing.T, mb signal.Mailbox, filter signal.Filter) []*signal.Message {
	t.Helper()
	msgs, err := mb.Query(context.Background(), filter)
	require.NoError(t, err)
	return msgs
}
