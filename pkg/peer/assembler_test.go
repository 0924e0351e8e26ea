package peer

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcam/pkg/media"
)

type fakeRemoteTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
}

func newFakeRemoteTrack(id string, kind webrtc.RTPCodecType) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 8)}
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "remote" }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: []byte{1}}
}

type streamCollector struct {
	mu      sync.Mutex
	streams []*RemoteStream
}

func (c *streamCollector) deliver(s *RemoteStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = append(c.streams, s)
}

func (c *streamCollector) all() []*RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RemoteStream(nil), c.streams...)
}

func TestAssemblerDebouncesTracks(t *testing.T) {
	var c streamCollector
	a := newTrackAssembler(30*time.Millisecond, c.deliver)
	defer a.close()

	video := newFakeRemoteTrack("v", webrtc.RTPCodecTypeVideo)
	audio := newFakeRemoteTrack("a", webrtc.RTPCodecTypeAudio)
	a.add(audio)
	a.add(video)

	audio.packets <- packet(1)
	time.Sleep(5 * time.Millisecond)
	video.packets <- packet(7)

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	streams := c.all()
	require.Len(t, streams, 1)

	s := streams[0]
	require.Len(t, s.Tracks, 2)
	assert.Equal(t, "v", s.Tracks[0].ID())
	require.NotNil(t, s.Audio())

	// The packet used to detect the track is not lost
	pkt, _, err := s.Video().ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), pkt.SequenceNumber)

	video.packets <- packet(8)
	pkt, _, err = s.Video().ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint16(8), pkt.SequenceNumber)
}

func TestAssemblerWaitsForFirstPacket(t *testing.T) {
	var c streamCollector
	a := newTrackAssembler(5*time.Millisecond, c.deliver)
	defer a.close()

	video := newFakeRemoteTrack("v", webrtc.RTPCodecTypeVideo)
	a.add(video)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.all())

	// A track that ends before producing anything is never delivered
	close(video.packets)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.all())
}

func TestAssemblerClosed(t *testing.T) {
	var c streamCollector
	a := newTrackAssembler(20*time.Millisecond, c.deliver)

	video := newFakeRemoteTrack("v", webrtc.RTPCodecTypeVideo)
	a.add(video)
	video.packets <- packet(1)
	time.Sleep(5 * time.Millisecond)
	a.close()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.all())
}

type fakeRTCP struct {
	batches [][]rtcp.Packet
}

func (f *fakeRTCP) ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error) {
	if len(f.batches) == 0 {
		return nil, nil, io.EOF
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil, nil
}

func TestForwardKeyframeRequests(t *testing.T) {
	track, err := media.NewTrack(media.CodecVP8, "video", "cam")
	require.NoError(t, err)

	forwardKeyframeRequests(&fakeRTCP{batches: [][]rtcp.Packet{
		{&rtcp.ReceiverReport{}},
		{&rtcp.PictureLossIndication{MediaSSRC: 1}},
	}}, track)

	select {
	case <-track.KeyframeRequests():
	default:
		t.Fatal("PLI not forwarded")
	}

	forwardKeyframeRequests(&fakeRTCP{batches: [][]rtcp.Packet{{&rtcp.ReceiverReport{}}}}, track)
	select {
	case <-track.KeyframeRequests():
		t.Fatal("receiver report should not request a keyframe")
	default:
	}
}

func TestKeyframeForcer(t *testing.T) {
	video, err := media.NewTrack(media.CodecVP8, "video", "cam")
	require.NoError(t, err)
	video.ApplyConstraints(media.Constraints{Width: 1280, Height: 720, FrameRate: 30})
	<-video.KeyframeRequests()

	k := newKeyframeForcer(20 * time.Millisecond)
	assert.False(t, k.force(nil))

	require.True(t, k.force([]*media.Track{video}))
	assert.False(t, k.force([]*media.Track{video}), "joins the running toggle")
	assert.True(t, k.active())
	assert.False(t, video.Enabled())

	require.Eventually(t, func() bool { return !k.active() }, time.Second, time.Millisecond)
	assert.True(t, video.Enabled())
	assert.Equal(t, media.Constraints{Width: 1280, Height: 720, FrameRate: 30}, video.Constraints())
	select {
	case <-video.KeyframeRequests():
	default:
		t.Fatal("no keyframe requested")
	}

	// cancel finishes a running toggle immediately
	require.True(t, k.force([]*media.Track{video}))
	k.cancel()
	assert.True(t, video.Enabled())
	assert.False(t, k.active())
}
