package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcam/pkg/signal"
)

func newTestViewer(t *testing.T, config Config) *Viewer {
	t.Helper()
	v, err := NewViewer(config)
	require.NoError(t, err)
	t.Cleanup(func() { v.Disconnect(context.Background()) })
	return v
}

func broadcasterRecord(session string, typ signal.MessageType, payload signal.Payload) *signal.Message {
	return signal.NewMessage(testDevice, session, typ, signal.RoleBroadcaster, payload, time.Minute)
}

func TestViewerConnectPostsJoin(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	v := newTestViewer(t, testConfig(mb, factory))

	require.NoError(t, v.Connect(context.Background()))
	id := v.SessionID()
	require.NotEmpty(t, id)
	assert.True(t, v.IsConnecting())
	assert.False(t, v.IsConnected())

	msgs := recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id})
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeViewerJoin, msgs[0].Type)
	assert.Equal(t, signal.RoleViewer, msgs[0].SenderType)

	pc := factory.last()
	pc.mu.Lock()
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}, pc.kinds)
	pc.mu.Unlock()

	// Single flight
	require.NoError(t, v.Connect(context.Background()))
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, id, v.SessionID())
}

func TestViewerConnectTimeout(t *testing.T) {
	mb := &countingMailbox{Mailbox: signal.NewMemoryMailbox()}
	factory := &fakeFactory{}
	config := testConfig(mb, factory)
	config.ConnectTimeout = 100 * time.Millisecond
	v := newTestViewer(t, config)

	require.NoError(t, v.Connect(context.Background()))
	id := v.SessionID()
	assert.Equal(t, int32(1), mb.open.Load())

	require.Eventually(t, func() bool {
		return v.Err() != nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, v.Err(), ErrBroadcasterNotActive)
	assert.False(t, v.IsConnecting())
	assert.False(t, v.IsConnected())
	assert.Empty(t, v.SessionID())
	assert.Equal(t, 1, factory.last().closeCount())
	assert.Equal(t, int32(0), mb.open.Load())
	require.Eventually(t, func() bool {
		return len(recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id})) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestViewerConnectedCancelsTimeout(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	config := testConfig(mb, factory)
	config.ConnectTimeout = 100 * time.Millisecond
	v := newTestViewer(t, config)
	ctx := context.Background()

	require.NoError(t, v.Connect(ctx))
	id := v.SessionID()
	require.NoError(t, mb.Insert(ctx, broadcasterRecord(id, signal.TypeOffer, offerPayload())))

	pc := factory.last()
	require.Eventually(t, pc.hasRemote, time.Second, 5*time.Millisecond)
	pc.fire(webrtc.PeerConnectionStateConnected)
	assert.True(t, v.IsConnected())
	assert.False(t, v.IsConnecting())

	time.Sleep(3 * config.ConnectTimeout)
	assert.NoError(t, v.Err())
	assert.True(t, v.IsConnected())
	assert.Equal(t, 0, pc.closeCount())

	pc.fire(webrtc.PeerConnectionStateDisconnected)
	assert.False(t, v.IsConnected())
	assert.True(t, v.IsConnecting())
}

func TestViewerAnswersOffer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	v := newTestViewer(t, testConfig(mb, factory))
	ctx := context.Background()

	var states []SessionState
	stateCh := make(chan SessionState, 16)
	v.OnStateChange(func(s SessionState) { stateCh <- s })

	require.NoError(t, v.Connect(ctx))
	id := v.SessionID()
	pc := factory.last()

	c1 := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	c2 := candidate("candidate:2 1 udp 1 10.0.0.2 5000 typ host")

	// Candidate first, offer second
	require.NoError(t, mb.Insert(ctx, broadcasterRecord(id, signal.TypeICECandidate, signal.NewCandidatePayload(c1))))
	require.NoError(t, mb.Insert(ctx, broadcasterRecord(id, signal.TypeOffer, offerPayload())))
	require.NoError(t, mb.Insert(ctx, broadcasterRecord(id, signal.TypeICECandidate, signal.NewCandidatePayload(c2))))

	require.Eventually(t, func() bool {
		return len(pc.appliedCandidates()) == 2
	}, time.Second, 5*time.Millisecond)

	answers := recordsOf(t, mb, signal.Filter{
		DeviceID:   testDevice,
		SessionID:  id,
		Types:      []signal.MessageType{signal.TypeAnswer},
		SenderRole: signal.RoleViewer,
	})
	require.Len(t, answers, 1)

	// Poll redelivers everything; nothing is applied twice
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, pc.remoteCount())
	assert.Len(t, pc.appliedCandidates(), 2)

	// Records for another session are ignored
	v.HandleMessage(ctx, broadcasterRecord("someone-else", signal.TypeOffer, offerPayload()))
	assert.Equal(t, 1, pc.remoteCount())

	v.OnStateChange(nil)
	for len(stateCh) > 0 {
		states = append(states, <-stateCh)
	}
	assert.Equal(t, []SessionState{StateCreating, StateAnswered}, states)
}

func TestViewerInitiatesOffer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	config := testConfig(mb, factory)
	config.Initiator = InitiatorViewer
	v := newTestViewer(t, config)
	ctx := context.Background()

	require.NoError(t, v.Connect(ctx))
	id := v.SessionID()

	msgs := recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id})
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeOffer, msgs[0].Type)
	desc, ok := msgs[0].SDP()
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)

	pc := factory.last()
	c := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	require.NoError(t, v.HandleIceCandidate(ctx, c))
	assert.Empty(t, pc.appliedCandidates())

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}
	require.NoError(t, v.HandleAnswer(ctx, answer))
	require.NoError(t, v.HandleAnswer(ctx, answer))
	assert.Equal(t, 1, pc.remoteCount())
	assert.Equal(t, []webrtc.ICECandidateInit{c}, pc.appliedCandidates())

	// Offers are ignored by the initiating side
	require.NoError(t, v.HandleOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP}))
	assert.Equal(t, 1, pc.remoteCount())
}

func TestViewerDisconnect(t *testing.T) {
	mb := &countingMailbox{Mailbox: signal.NewMemoryMailbox()}
	factory := &fakeFactory{}
	v := newTestViewer(t, testConfig(mb, factory))
	ctx := context.Background()

	require.NoError(t, v.Connect(ctx))
	id := v.SessionID()
	v.emitCandidate(v.currentSession(), candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
	assert.Len(t, recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id}), 2)

	require.NoError(t, v.Disconnect(ctx))
	assert.Empty(t, v.SessionID())
	assert.False(t, v.IsConnecting())
	assert.NoError(t, v.Err())
	assert.Equal(t, 1, factory.last().closeCount())
	assert.Equal(t, int32(0), mb.open.Load())
	assert.Empty(t, recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id}))

	require.NoError(t, v.Disconnect(ctx))

	// A fresh session afterwards
	require.NoError(t, v.Connect(ctx))
	assert.NotEqual(t, id, v.SessionID())
	assert.Equal(t, 2, factory.count())
}

func TestViewerFailedTearsDown(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	v := newTestViewer(t, testConfig(mb, factory))

	require.NoError(t, v.Connect(context.Background()))
	factory.last().fire(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return v.Err() != nil
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, v.Err(), ErrICEFailed)
	assert.Empty(t, v.SessionID())
}

func TestBroadcasterViewerHandshake(t *testing.T) {
	for _, initiator := range []Initiator{InitiatorBroadcaster, InitiatorViewer} {
		t.Run(string(initiator), func(t *testing.T) {
			mb := signal.NewMemoryMailbox()
			bf, vf := &fakeFactory{}, &fakeFactory{}

			bc := testConfig(mb, bf)
			bc.Initiator = initiator
			b := startBroadcaster(t, bc, liveStream(t))

			vc := testConfig(mb, vf)
			vc.Initiator = initiator
			v := newTestViewer(t, vc)
			require.NoError(t, v.Connect(context.Background()))
			id := v.SessionID()

			require.Eventually(t, func() bool {
				s := b.session(id)
				return s != nil && s.State() == StateAnswered && vf.last().hasRemote()
			}, 2*time.Second, 5*time.Millisecond)

			bpc, vpc := sessionPC(t, b, id), vf.last()
			b.emitCandidate(b.session(id), candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
			v.emitCandidate(v.currentSession(), candidate("candidate:2 1 udp 1 10.0.0.2 5000 typ host"))

			require.Eventually(t, func() bool {
				return len(bpc.appliedCandidates()) == 1 && len(vpc.appliedCandidates()) == 1
			}, 2*time.Second, 5*time.Millisecond)

			bpc.fire(webrtc.PeerConnectionStateConnected)
			vpc.fire(webrtc.PeerConnectionStateConnected)
			assert.True(t, v.IsConnected())
			assert.Equal(t, StateConnected, b.session(id).State())
			assert.Equal(t, 1, b.ViewerCount())

			require.NoError(t, v.Disconnect(context.Background()))
			assert.Empty(t, recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id}))
		})
	}
}

// gatedMailbox holds viewer-join inserts until released
type gatedMailbox struct {
	signal.Mailbox
	entered chan struct{}
	release chan struct{}
}

func (m *gatedMailbox) Insert(ctx context.Context, msg *signal.Message) error {
	if msg.Type == signal.TypeViewerJoin {
		m.entered <- struct{}{}
		<-m.release
	}
	return m.Mailbox.Insert(ctx, msg)
}

func TestViewerDisconnectDuringJoin(t *testing.T) {
	mb := &gatedMailbox{
		Mailbox: signal.NewMemoryMailbox(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	v := newTestViewer(t, testConfig(mb, &fakeFactory{}))

	done := make(chan error, 1)
	go func() { done <- v.Connect(context.Background()) }()

	<-mb.entered
	id := v.SessionID()
	require.NotEmpty(t, id)
	require.NoError(t, v.Disconnect(context.Background()))
	close(mb.release)
	require.NoError(t, <-done)

	// The join written after Disconnect's delete is purged too
	require.Eventually(t, func() bool {
		return len(recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: id})) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, v.SessionID())
	assert.False(t, v.IsConnecting())
}
