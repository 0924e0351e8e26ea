package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/peer"
)

// runView connects to config.DeviceID and records its video until ctx is
// cancelled or the session ends
func runView(ctx context.Context, config Config) error {
	lf := newLoggerFactory(os.Stderr)
	log := lf.NewLogger("peepcam")

	mb, err := openMailbox(ctx, config, lf)
	if err != nil {
		return err
	}
	defer mb.Close()

	viewer, err := peer.NewViewer(config.peerConfig(mb, lf))
	if err != nil {
		return err
	}

	rec := &recording{path: config.Out, log: log}
	defer rec.close()
	viewer.OnStream(rec.start)

	ended := make(chan struct{}, 1)
	viewer.OnStateChange(func(state peer.SessionState) {
		log.Infof("Session %s", state)
		if state.Terminal() {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})

	fmt.Printf("Connecting to %s via %s\n", config.DeviceID, config.Mailbox)
	if err := viewer.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return viewer.Disconnect(stopCtx)
	case <-ended:
	}

	err = viewer.Err()
	if errors.Is(err, peer.ErrBroadcasterNotActive) {
		return fmt.Errorf("%s is not broadcasting", config.DeviceID)
	}
	return err
}

// recording copies a delivered stream to disk. Audio is drained so the
// receiver keeps reading RTCP.
type recording struct {
	path string
	log  logging.LeveledLogger

	mu  sync.Mutex
	ivf *media.IVFRecorder
	wg  sync.WaitGroup
}

func (r *recording) start(stream *peer.RemoteStream) {
	if audio := stream.Audio(); audio != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			drain(audio)
		}()
	}

	video := stream.Video()
	if video == nil {
		r.log.Warn("Stream has no video")
		return
	}
	if r.path == "" {
		r.log.Info("Receiving video (pass --out to record it)")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			drain(video)
		}()
		return
	}

	r.mu.Lock()
	if r.ivf != nil {
		r.mu.Unlock()
		r.log.Warn("Already recording, ignoring additional stream")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			drain(video)
		}()
		return
	}
	ivf, err := media.NewIVFRecorder(r.path)
	if err != nil {
		r.mu.Unlock()
		r.log.Errorf("Create %s: %v", r.path, err)
		return
	}
	r.ivf = ivf
	r.mu.Unlock()

	r.log.Infof("Recording video to %s", r.path)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			pkt, _, err := video.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.log.Debugf("Video read ended: %v", err)
				}
				return
			}
			if err := ivf.WriteRTP(pkt); err != nil {
				r.log.Errorf("Write %s: %v", r.path, err)
				return
			}
		}
	}()
}

func (r *recording) close() {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ivf == nil {
		return
	}
	if err := r.ivf.Close(); err != nil {
		r.log.Errorf("Close %s: %v", r.path, err)
		return
	}
	fmt.Printf("Recorded %d packets to %s\n", r.ivf.Packets(), r.path)
}

func drain(t *peer.ReceivedTrack) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
	}
}
