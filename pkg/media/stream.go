package media

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Stream is an ordered set of tracks published together
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream groups tracks into a stream. An empty id gets a random one.
func NewStream(id string, tracks ...*Track) *Stream {
	if id == "" {
		id = uuid.New().String()
	}
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string {
	return s.id
}

// Tracks returns all tracks in insertion order
func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) VideoTracks() []*Track {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) AudioTracks() []*Track {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) byKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AllEnded reports whether every track has ended. An empty stream counts
// as ended.
func (s *Stream) AllEnded() bool {
	for _, t := range s.tracks {
		if !t.Ended() {
			return false
		}
	}
	return true
}

// Stop ends every track
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
