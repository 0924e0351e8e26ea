// Package media models the broadcaster's local stream: tracks that can be
// muted, disabled, ended and asked for keyframes, plus file-backed sources.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

var ErrTrackEnded = errors.New("media: track ended")

// DefaultStaleAfter is how long a track may go without samples before it
// reports muted
const DefaultStaleAfter = 2 * time.Second

// Constraints are the encoder settings a track was last configured with
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
}

// Track is one outbound audio or video track shared by every peer
type Track struct {
	local      *webrtc.TrackLocalStaticSample
	codec      CodecType
	staleAfter time.Duration
	keyframes  chan struct{}
	now        func() time.Time

	mu          sync.Mutex
	enabled     bool
	ended       bool
	lastSample  time.Time
	constraints Constraints
	onEnded     []func()
}

// TrackOption configures a Track
type TrackOption func(*Track)

// WithStaleAfter sets how long without samples before Muted reports true
func WithStaleAfter(d time.Duration) TrackOption {
	return func(t *Track) { t.staleAfter = d }
}

// NewTrack creates a track for codec with the given track and stream ids
func NewTrack(codec CodecType, id, streamID string, opts ...TrackOption) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: codec.MimeType()},
		id,
		streamID,
	)
	if err != nil {
		return nil, err
	}

	t := &Track{
		local:      local,
		codec:      codec,
		staleAfter: DefaultStaleAfter,
		keyframes:  make(chan struct{}, 1),
		now:        time.Now,
		enabled:    true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Local returns the pion track to attach to peer connections
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.codec.Kind()
}

func (t *Track) Codec() CodecType {
	return t.codec
}

// WriteSample sends a sample to every bound peer. Samples written while the
// track is disabled are dropped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return ErrTrackEnded
	}
	if !t.enabled {
		t.mu.Unlock()
		return nil
	}
	t.lastSample = t.now()
	t.mu.Unlock()

	return t.local.WriteSample(s)
}

// Enabled reports whether samples are currently forwarded
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled turns sample forwarding on or off. Re-enabling a video track
// requests a keyframe so receivers can resume decoding.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	changed := t.enabled != enabled
	t.enabled = enabled
	t.mu.Unlock()

	if changed && enabled && t.Kind() == webrtc.RTPCodecTypeVideo {
		t.RequestKeyframe()
	}
}

// Muted reports whether the track is producing nothing a receiver could
// render: disabled, ended, or no sample within the stale window.
func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.ended || t.lastSample.IsZero() {
		return true
	}
	return t.now().Sub(t.lastSample) > t.staleAfter
}

// Ended reports whether Stop was called
func (t *Track) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OnEnded registers f to run once when the track is stopped
func (t *Track) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

// Stop ends the track permanently
func (t *Track) Stop() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, f := range handlers {
		f()
	}
}

// RequestKeyframe asks the source for a full frame. Requests coalesce while
// one is pending.
func (t *Track) RequestKeyframe() {
	select {
	case t.keyframes <- struct{}{}:
	default:
	}
}

// KeyframeRequests delivers pending keyframe requests to the source
func (t *Track) KeyframeRequests() <-chan struct{} {
	return t.keyframes
}

// ApplyConstraints reconfigures the source. Applying the current constraints
// again is harmless and makes encoders emit a fresh keyframe.
func (t *Track) ApplyConstraints(c Constraints) error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return ErrTrackEnded
	}
	t.constraints = c
	t.mu.Unlock()

	t.RequestKeyframe()
	return nil
}

// Constraints returns the last applied constraints
func (t *Track) Constraints() Constraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}
