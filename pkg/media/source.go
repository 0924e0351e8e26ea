package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// PlayIVF loops the video frames of an IVF file into track at the file's
// frame rate until ctx is done or the track ends. A keyframe request
// restarts playback from the first frame.
func PlayIVF(ctx context.Context, path string, track *Track) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("ivf %s: zero timebase", path)
	}
	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	rewind := func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		reader, _, err = ivfreader.NewWith(f)
		return err
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-track.KeyframeRequests():
			if err := rewind(); err != nil {
				return err
			}
			continue
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if err := rewind(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			if errors.Is(err, ErrTrackEnded) {
				return nil
			}
			return err
		}
	}
}

// PlayOgg loops the Opus pages of an Ogg file into track until ctx is done
// or the track ends.
func PlayOgg(ctx context.Context, path string, track *Track) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, pageHeader, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if reader, _, err = oggreader.NewWith(f); err != nil {
				return err
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		// Opus granule positions count 48kHz samples
		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration((sampleCount / 48000) * float64(time.Second))
		if duration <= 0 {
			duration = oggPageDuration
		}

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			if errors.Is(err, ErrTrackEnded) {
				return nil
			}
			return err
		}
	}
}
