package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/signal"
)

func startBroadcaster(t *testing.T, config Config, stream *media.Stream) *Broadcaster {
	t.Helper()
	b, err := NewBroadcaster(config)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), stream))
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func offersFor(t *testing.T, mb signal.Mailbox, session string) []*signal.Message {
	return recordsOf(t, mb, signal.Filter{
		DeviceID:   testDevice,
		SessionID:  session,
		Types:      []signal.MessageType{signal.TypeOffer},
		SenderRole: signal.RoleBroadcaster,
	})
}

func sessionPC(t *testing.T, b *Broadcaster, id string) *fakePC {
	t.Helper()
	s := b.session(id)
	require.NotNil(t, s, "session %s", id)
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pc.(*fakePC)
	require.True(t, ok)
	return pc
}

func TestNewBroadcasterValidates(t *testing.T) {
	_, err := NewBroadcaster(Config{Mailbox: signal.NewMemoryMailbox()})
	assert.Error(t, err)

	_, err = NewBroadcaster(Config{DeviceID: testDevice})
	assert.Error(t, err)

	_, err = NewBroadcaster(Config{DeviceID: testDevice, Mailbox: signal.NewMemoryMailbox(), Initiator: "both"})
	assert.Error(t, err)
}

func TestBroadcasterStartPurgesDevice(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	ctx := context.Background()

	require.NoError(t, mb.Insert(ctx, viewerRecord("old", signal.TypeViewerJoin, nil)))
	require.NoError(t, mb.Insert(ctx, signal.NewMessage(testDevice, "old", signal.TypeOffer, signal.RoleBroadcaster, offerPayload(), time.Minute)))
	require.NoError(t, mb.Insert(ctx, signal.NewMessage("OTHER-DEVICE-1", "x", signal.TypeViewerJoin, signal.RoleViewer, nil, time.Minute)))

	factory := &fakeFactory{}
	b := startBroadcaster(t, testConfig(mb, factory), liveStream(t))
	assert.True(t, b.IsBroadcasting())

	msgs := recordsOf(t, mb, signal.Filter{DeviceID: testDevice})
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeBroadcasterReady, msgs[0].Type)
	assert.Equal(t, signal.RoleBroadcaster, msgs[0].SenderType)

	// Other devices are untouched
	assert.Len(t, recordsOf(t, mb, signal.Filter{DeviceID: "OTHER-DEVICE-1"}), 1)

	// The stale join is gone, so no peer is ever created for it
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, factory.count())
	assert.Equal(t, 0, b.ViewerCount())
}

func TestBroadcasterStartTwice(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	assert.ErrorIs(t, b.Start(context.Background(), liveStream(t)), ErrAlreadyBroadcasting)
}

func TestBroadcasterViewerJoinCreatesOnePeer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	b := startBroadcaster(t, testConfig(mb, factory), liveStream(t))
	ctx := context.Background()

	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeViewerJoin, nil)))
	require.Eventually(t, func() bool {
		return len(offersFor(t, mb, "v1")) == 1
	}, time.Second, 5*time.Millisecond)

	// A second join for the same session, delivered by push, poll and directly
	dup := viewerRecord("v1", signal.TypeViewerJoin, nil)
	require.NoError(t, mb.Insert(ctx, dup))
	b.HandleMessage(ctx, dup)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, b.ViewerCount())
	assert.Len(t, offersFor(t, mb, "v1"), 1)

	pc := sessionPC(t, b, "v1")
	pc.mu.Lock()
	assert.Equal(t, 2, pc.tracks)
	pc.mu.Unlock()

	infos := b.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "v1", infos[0].ID)
	assert.Equal(t, StateOffered, infos[0].State)
}

func TestBroadcasterConcurrentViewers(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	b := startBroadcaster(t, testConfig(mb, factory), liveStream(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"v1", "v2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, mb.Insert(ctx, viewerRecord(id, signal.TypeViewerJoin, nil)))
		}(id)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(offersFor(t, mb, "v1")) == 1 && len(offersFor(t, mb, "v2")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, 2, b.ViewerCount())

	pc1, pc2 := sessionPC(t, b, "v1"), sessionPC(t, b, "v2")
	require.NotSame(t, pc1, pc2)

	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeAnswer, answerPayload())))
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeICECandidate, signal.NewCandidatePayload(candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")))))

	require.Eventually(t, func() bool {
		return len(pc1.appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, pc1.hasRemote())
	assert.False(t, pc2.hasRemote())
	assert.Empty(t, pc2.appliedCandidates())
	assert.Equal(t, StateAnswered, b.session("v1").State())
	assert.Equal(t, StateOffered, b.session("v2").State())
}

func TestBroadcasterAnswerIdempotent(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	pc := sessionPC(t, b, "v1")

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}
	require.NoError(t, b.HandleAnswer(ctx, "v1", answer))
	require.NoError(t, b.HandleAnswer(ctx, "v1", answer))

	assert.Equal(t, 1, pc.remoteCount())
	assert.Equal(t, StateAnswered, b.session("v1").State())

	assert.ErrorIs(t, b.HandleAnswer(ctx, "nobody", answer), ErrSessionNotFound)
}

func TestBroadcasterRejectedAnswerTearsDownSession(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	pc := sessionPC(t, b, "v1")
	pc.mu.Lock()
	pc.failRemote = assert.AnError
	pc.mu.Unlock()

	err := b.HandleAnswer(ctx, "v1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP})
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, 0, b.ViewerCount())
	assert.Equal(t, 1, pc.closeCount())
}

func TestBroadcasterCandidatesBeforeAnswer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	pc := sessionPC(t, b, "v1")

	c1 := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	c2 := candidate("candidate:2 1 udp 1 10.0.0.2 5000 typ host")
	c3 := candidate("candidate:3 1 udp 1 10.0.0.3 5000 typ host")

	require.NoError(t, b.HandleIceCandidate(ctx, "v1", c1))
	require.NoError(t, b.HandleIceCandidate(ctx, "v1", c2))
	require.NoError(t, b.HandleIceCandidate(ctx, "v1", c1))
	assert.Empty(t, pc.appliedCandidates())

	require.NoError(t, b.HandleAnswer(ctx, "v1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}))
	assert.Equal(t, []webrtc.ICECandidateInit{c1, c2}, pc.appliedCandidates())

	require.NoError(t, b.HandleIceCandidate(ctx, "v1", c2))
	require.NoError(t, b.HandleIceCandidate(ctx, "v1", c3))
	assert.Equal(t, []webrtc.ICECandidateInit{c1, c2, c3}, pc.appliedCandidates())
}

func TestBroadcasterCandidateBeforeJoin(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	c := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeICECandidate, signal.NewCandidatePayload(c))))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeViewerJoin, nil)))

	require.Eventually(t, func() bool {
		return b.session("v1") != nil && len(offersFor(t, mb, "v1")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeAnswer, answerPayload())))

	pc := sessionPC(t, b, "v1")
	require.Eventually(t, func() bool {
		return pc.hasRemote() && len(pc.appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)

	// Further polls never apply it twice
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, pc.appliedCandidates(), 1)
	assert.Equal(t, 1, pc.remoteCount())
}

func TestBroadcasterEmitsCandidates(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	c := candidate("candidate:9 1 udp 1 192.168.1.9 6000 typ host")
	b.emitCandidate(b.session("v1"), c)

	msgs := recordsOf(t, mb, signal.Filter{
		DeviceID:   testDevice,
		SessionID:  "v1",
		Types:      []signal.MessageType{signal.TypeICECandidate},
		SenderRole: signal.RoleBroadcaster,
	})
	require.Len(t, msgs, 1)
	got, ok := msgs[0].Candidate()
	require.True(t, ok)
	assert.Equal(t, c.Candidate, got.Candidate)
}

func TestBroadcasterGraceRecovery(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	config := testConfig(mb, &fakeFactory{})
	b := startBroadcaster(t, config, liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	require.NoError(t, b.HandleAnswer(ctx, "v1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}))
	pc := sessionPC(t, b, "v1")

	pc.fire(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, b.session("v1").State())

	pc.fire(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, StateDisconnected, b.session("v1").State())
	time.Sleep(config.DisconnectGrace / 2)
	pc.fire(webrtc.PeerConnectionStateConnected)

	time.Sleep(2 * config.DisconnectGrace)
	require.NotNil(t, b.session("v1"))
	assert.Equal(t, StateConnected, b.session("v1").State())
	assert.Equal(t, 0, pc.closeCount())
}

func TestBroadcasterGraceExpiry(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	config := testConfig(mb, &fakeFactory{})
	b := startBroadcaster(t, config, liveStream(t))
	ctx := context.Background()

	var removals atomic.Int32
	b.OnSessionStateChange(func(id string, state SessionState) {
		if id == "v1" && state.Terminal() {
			removals.Add(1)
		}
	})

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	require.NoError(t, b.HandleAnswer(ctx, "v1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}))
	pc := sessionPC(t, b, "v1")

	pc.fire(webrtc.PeerConnectionStateConnected)
	pc.fire(webrtc.PeerConnectionStateDisconnected)
	pc.fire(webrtc.PeerConnectionStateDisconnected)

	require.Eventually(t, func() bool {
		return b.ViewerCount() == 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(2 * config.DisconnectGrace)

	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, int32(1), removals.Load())
	require.Eventually(t, func() bool {
		return len(recordsOf(t, mb, signal.Filter{DeviceID: testDevice, SessionID: "v1"})) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcasterFailedIsolated(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v2"))
	pc1, pc2 := sessionPC(t, b, "v1"), sessionPC(t, b, "v2")

	pc1.fire(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return b.session("v1") == nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, pc1.closeCount())
	assert.Equal(t, 0, pc2.closeCount())
	assert.Equal(t, 1, b.ViewerCount())

	// Late records for the torn-down session do not resurrect it
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeViewerJoin, nil)))
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, b.session("v1"))
}

func TestBroadcasterPollRemovesTerminalSessions(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))

	require.NoError(t, b.CreatePeerConnectionAndOffer(context.Background(), "v1"))
	pc := sessionPC(t, b, "v1")

	// State changes without a callback, so only the poll tick can notice
	pc.mu.Lock()
	pc.state = webrtc.PeerConnectionStateClosed
	pc.mu.Unlock()

	require.Eventually(t, func() bool {
		return b.ViewerCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcasterRestartWhenTracksEnd(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b, err := NewBroadcaster(testConfig(mb, &fakeFactory{}))
	require.NoError(t, err)

	restarts := make(chan error, 4)
	b.OnRestartNeeded(func(reason error) { restarts <- reason })

	stream := liveStream(t)
	require.NoError(t, b.Start(context.Background(), stream))
	defer b.Stop(context.Background())

	stream.Stop()

	select {
	case reason := <-restarts:
		assert.ErrorIs(t, reason, ErrStaleMedia)
	case <-time.After(time.Second):
		t.Fatal("no restart signal")
	}
	assert.ErrorIs(t, b.Err(), ErrStaleMedia)

	// Signaled once per broadcast
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, restarts)
}

func TestBroadcasterStaleVideoPrefersRestart(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	factory := &fakeFactory{}
	b, err := NewBroadcaster(testConfig(mb, factory))
	require.NoError(t, err)

	restarts := make(chan error, 1)
	b.OnRestartNeeded(func(reason error) { restarts <- reason })

	// No sample is ever written, so the video reads as muted
	video, err := media.NewTrack(media.CodecVP8, "video", "cam")
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), media.NewStream("cam", video)))
	defer b.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mb.Insert(context.Background(), viewerRecord("v1", signal.TypeViewerJoin, nil)))

	select {
	case reason := <-restarts:
		assert.ErrorIs(t, reason, ErrStaleMedia)
	case <-time.After(time.Second):
		t.Fatal("no restart signal")
	}
	assert.Equal(t, 0, factory.count())
}

func TestBroadcasterKeyframeOnICEConnected(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	stream := liveStream(t)
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), stream)

	require.NoError(t, b.CreatePeerConnectionAndOffer(context.Background(), "v1"))
	pc := sessionPC(t, b, "v1")
	video := stream.VideoTracks()[0]

	// Drain any pending request
	select {
	case <-video.KeyframeRequests():
	default:
	}

	pc.fireICE(webrtc.ICEConnectionStateConnected)
	assert.False(t, video.Enabled())
	assert.True(t, stream.AudioTracks()[0].Enabled())

	require.Eventually(t, video.Enabled, time.Second, 5*time.Millisecond)
	select {
	case <-video.KeyframeRequests():
	case <-time.After(time.Second):
		t.Fatal("no keyframe requested")
	}
}

func TestBroadcasterAnswersViewerOffer(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	config := testConfig(mb, &fakeFactory{})
	config.Initiator = InitiatorViewer
	b := startBroadcaster(t, config, liveStream(t))
	ctx := context.Background()

	c := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeOffer, offerPayload())))
	require.NoError(t, mb.Insert(ctx, viewerRecord("v1", signal.TypeICECandidate, signal.NewCandidatePayload(c))))

	require.Eventually(t, func() bool {
		return len(recordsOf(t, mb, signal.Filter{
			DeviceID:   testDevice,
			SessionID:  "v1",
			Types:      []signal.MessageType{signal.TypeAnswer},
			SenderRole: signal.RoleBroadcaster,
		})) == 1
	}, time.Second, 5*time.Millisecond)

	pc := sessionPC(t, b, "v1")
	require.Eventually(t, func() bool {
		return len(pc.appliedCandidates()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, pc.remoteCount())
	assert.Equal(t, StateAnswered, b.session("v1").State())

	// Joins are ignored when viewers initiate
	require.NoError(t, mb.Insert(ctx, viewerRecord("v2", signal.TypeViewerJoin, nil)))
	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, b.session("v2"))
}

func TestBroadcasterStop(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b, err := NewBroadcaster(testConfig(mb, &fakeFactory{}))
	require.NoError(t, err)
	ctx := context.Background()

	var counts []int
	var mu sync.Mutex
	b.OnViewerCountChange(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	stream := liveStream(t)
	require.NoError(t, b.Start(ctx, stream))
	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v1"))
	require.NoError(t, b.CreatePeerConnectionAndOffer(ctx, "v2"))
	pc1, pc2 := sessionPC(t, b, "v1"), sessionPC(t, b, "v2")

	require.NoError(t, b.Stop(ctx))
	assert.False(t, b.IsBroadcasting())
	assert.Equal(t, 0, b.ViewerCount())
	assert.Equal(t, 1, pc1.closeCount())
	assert.Equal(t, 1, pc2.closeCount())
	assert.Empty(t, recordsOf(t, mb, signal.Filter{DeviceID: testDevice}))

	// The stream belongs to the caller
	assert.False(t, stream.AllEnded())

	mu.Lock()
	assert.Equal(t, 0, counts[len(counts)-1])
	mu.Unlock()

	require.NoError(t, b.Stop(ctx))
	assert.ErrorIs(t, b.CreatePeerConnectionAndOffer(ctx, "v3"), ErrNotBroadcasting)

	// Restartable
	require.NoError(t, b.Start(ctx, stream))
	require.NoError(t, b.Stop(ctx))
}

func TestBroadcasterForgetsExpiredRecords(t *testing.T) {
	mb := signal.NewMemoryMailbox()
	b := startBroadcaster(t, testConfig(mb, &fakeFactory{}), liveStream(t))
	ctx := context.Background()

	processed := func() int {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.processed)
	}

	// Offers are ignored while the broadcaster initiates, so no session
	// ever claims this record
	offer := signal.NewMessage(testDevice, "v1", signal.TypeOffer, signal.RoleViewer, offerPayload(), 100*time.Millisecond)
	b.HandleMessage(ctx, offer)
	assert.Equal(t, 1, processed())
	assert.Equal(t, 0, b.ViewerCount())

	require.Eventually(t, func() bool { return processed() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Records that already expired are never tracked
	b.HandleMessage(ctx, offer)
	assert.Equal(t, 0, processed())
}
