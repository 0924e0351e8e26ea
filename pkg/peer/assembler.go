package peer

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// RemoteTrack is an incoming media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// ReceivedTrack is a remote track that has produced its first packet. The
// packet read to detect that is returned by the first ReadRTP call.
type ReceivedTrack struct {
	RemoteTrack

	mu    sync.Mutex
	first *rtp.Packet
	attrs interceptor.Attributes
}

// ReadRTP returns the buffered first packet, then reads from the track
func (t *ReceivedTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	t.mu.Lock()
	if t.first != nil {
		pkt, attrs := t.first, t.attrs
		t.first, t.attrs = nil, nil
		t.mu.Unlock()
		return pkt, attrs, nil
	}
	t.mu.Unlock()
	return t.RemoteTrack.ReadRTP()
}

// RemoteStream is the media delivered to a viewer
type RemoteStream struct {
	Tracks []*ReceivedTrack
}

// Video returns the first video track, or nil
func (s *RemoteStream) Video() *ReceivedTrack {
	return s.kind(webrtc.RTPCodecTypeVideo)
}

// Audio returns the first audio track, or nil
func (s *RemoteStream) Audio() *ReceivedTrack {
	return s.kind(webrtc.RTPCodecTypeAudio)
}

func (s *RemoteStream) kind(k webrtc.RTPCodecType) *ReceivedTrack {
	for _, t := range s.Tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// trackAssembler buffers incoming tracks per kind. A track is only passed
// on once it has produced a packet, and deliveries are debounced so audio
// and video arriving moments apart reach the consumer as one stream.
type trackAssembler struct {
	debounce time.Duration
	deliver  func(*RemoteStream)

	mu      sync.Mutex
	pending map[webrtc.RTPCodecType]*ReceivedTrack
	timer   *time.Timer
	closed  bool
}

func newTrackAssembler(debounce time.Duration, deliver func(*RemoteStream)) *trackAssembler {
	return &trackAssembler{
		debounce: debounce,
		deliver:  deliver,
		pending:  make(map[webrtc.RTPCodecType]*ReceivedTrack),
	}
}

// add waits for the track's first packet in the background
func (a *trackAssembler) add(track RemoteTrack) {
	go func() {
		pkt, attrs, err := track.ReadRTP()
		if err != nil {
			return
		}
		a.unmuted(&ReceivedTrack{RemoteTrack: track, first: pkt, attrs: attrs})
	}()
}

func (a *trackAssembler) unmuted(t *ReceivedTrack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.pending[t.Kind()] = t
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.flush)
}

func (a *trackAssembler) flush() {
	a.mu.Lock()
	if a.closed || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	stream := &RemoteStream{}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if t, ok := a.pending[kind]; ok {
			stream.Tracks = append(stream.Tracks, t)
		}
	}
	a.timer = nil
	a.mu.Unlock()

	a.deliver(stream)
}

func (a *trackAssembler) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = make(map[webrtc.RTPCodecType]*ReceivedTrack)
}
