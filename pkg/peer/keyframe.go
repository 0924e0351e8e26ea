package peer

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"

	"github.com/tomaslejdung/peepcam/pkg/media"
)

// keyframeForcer makes the encoder emit a fresh full frame by disabling the
// outbound video for a moment, re-enabling it and re-applying its
// constraints. A viewer attaching mid-stream otherwise shows a frozen frame
// until the next natural keyframe.
//
// The toggle mutates tracks shared by every peer, so all viewers see the
// short gap. Overlapping requests join the toggle already in flight.
type keyframeForcer struct {
	toggle time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	tracks []*media.Track
}

func newKeyframeForcer(toggle time.Duration) *keyframeForcer {
	return &keyframeForcer{toggle: toggle}
}

// force starts a toggle on tracks unless one is already running
func (k *keyframeForcer) force(tracks []*media.Track) bool {
	if len(tracks) == 0 {
		return false
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		return false
	}

	for _, t := range tracks {
		t.SetEnabled(false)
	}
	k.tracks = tracks
	k.timer = time.AfterFunc(k.toggle, k.finish)
	return true
}

func (k *keyframeForcer) finish() {
	k.mu.Lock()
	tracks := k.tracks
	k.tracks = nil
	k.timer = nil
	k.mu.Unlock()

	for _, t := range tracks {
		if t.Ended() {
			continue
		}
		t.SetEnabled(true)
		t.ApplyConstraints(t.Constraints())
		t.RequestKeyframe()
	}
}

// active reports whether a toggle is in progress
func (k *keyframeForcer) active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.timer != nil
}

// cancel ends a running toggle early, re-enabling its tracks
func (k *keyframeForcer) cancel() {
	k.mu.Lock()
	timer := k.timer
	k.mu.Unlock()
	if timer != nil && timer.Stop() {
		k.finish()
	}
}

type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// forwardKeyframeRequests reads RTCP from a sender until it closes and
// turns PLI and FIR feedback into keyframe requests on track
func forwardKeyframeRequests(sender rtcpReader, track *media.Track) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				track.RequestKeyframe()
			}
		}
	}
}
