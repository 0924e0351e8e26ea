package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/peer"
	sig "github.com/tomaslejdung/peepcam/pkg/signal"
)

// sourceStaleAfter marks a file source muted when it stalls this long
const sourceStaleAfter = 3 * time.Second

// broadcast owns the broadcaster, its media stream and the file players
// feeding it. The stream is rebuilt on every (re)start because ended tracks
// cannot be revived.
type broadcast struct {
	config      Config
	broadcaster *peer.Broadcaster
	log         logging.LeveledLogger

	mu          sync.Mutex
	stream      *media.Stream
	stopSources context.CancelFunc
	sources     sync.WaitGroup
	restarts    int
}

func newBroadcast(config Config, mb sig.Mailbox, lf logging.LoggerFactory) (*broadcast, error) {
	b, err := peer.NewBroadcaster(config.peerConfig(mb, lf))
	if err != nil {
		return nil, err
	}
	return &broadcast{
		config:      config,
		broadcaster: b,
		log:         lf.NewLogger("peepcam"),
	}, nil
}

// buildStream creates the tracks for the configured files
func (bc *broadcast) buildStream() (*media.Stream, error) {
	streamID := "peepcam-" + uuid.NewString()[:8]
	var tracks []*media.Track
	if bc.config.IVF != "" {
		t, err := media.NewTrack(media.ParseCodecFlag(bc.config.Codec), "video", streamID, media.WithStaleAfter(sourceStaleAfter))
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if bc.config.Ogg != "" {
		t, err := media.NewTrack(media.CodecOpus, "audio", streamID, media.WithStaleAfter(sourceStaleAfter))
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		tracks = append(tracks, t)
	}
	return media.NewStream(streamID, tracks...), nil
}

// play runs a file player until ctx ends. A player that fails ends its
// track, which the broadcaster reports as stale media.
func (bc *broadcast) play(ctx context.Context, name string, track *media.Track, player func(context.Context, string, *media.Track) error, path string) {
	bc.sources.Add(1)
	go func() {
		defer bc.sources.Done()
		if err := player(ctx, path, track); err != nil {
			bc.log.Errorf("%s source %s stopped: %v", name, path, err)
			track.Stop()
		}
	}()
}

func (bc *broadcast) start(ctx context.Context) error {
	stream, err := bc.buildStream()
	if err != nil {
		return err
	}

	srcCtx, cancel := context.WithCancel(context.Background())
	for _, t := range stream.VideoTracks() {
		bc.play(srcCtx, "video", t, media.PlayIVF, bc.config.IVF)
	}
	for _, t := range stream.AudioTracks() {
		bc.play(srcCtx, "audio", t, media.PlayOgg, bc.config.Ogg)
	}

	if err := bc.broadcaster.Start(ctx, stream); err != nil {
		cancel()
		bc.sources.Wait()
		stream.Stop()
		return err
	}

	bc.mu.Lock()
	bc.stream = stream
	bc.stopSources = cancel
	bc.mu.Unlock()
	return nil
}

func (bc *broadcast) stop(ctx context.Context) error {
	err := bc.broadcaster.Stop(ctx)

	bc.mu.Lock()
	stream, cancel := bc.stream, bc.stopSources
	bc.stream, bc.stopSources = nil, nil
	bc.mu.Unlock()

	if cancel != nil {
		cancel()
		bc.sources.Wait()
	}
	if stream != nil {
		stream.Stop()
	}
	return err
}

// restart tears the broadcast down and starts it over with fresh tracks
func (bc *broadcast) restart(ctx context.Context, reason error) error {
	bc.mu.Lock()
	bc.restarts++
	n := bc.restarts
	bc.mu.Unlock()

	bc.log.Infof("Restarting broadcast (%d): %v", n, reason)
	if err := bc.stop(ctx); err != nil {
		bc.log.Warnf("Stop before restart: %v", err)
	}
	return bc.start(ctx)
}

func (bc *broadcast) restartCount() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.restarts
}

// runPlain broadcasts without the TUI until ctx is cancelled
func runPlain(ctx context.Context, config Config) error {
	lf := newLoggerFactory(os.Stderr)
	mb, err := openMailbox(ctx, config, lf)
	if err != nil {
		return err
	}
	defer mb.Close()

	bc, err := newBroadcast(config, mb, lf)
	if err != nil {
		return err
	}

	restart := make(chan error, 1)
	bc.broadcaster.OnRestartNeeded(func(reason error) {
		select {
		case restart <- reason:
		default:
		}
	})
	bc.broadcaster.OnViewerCountChange(func(count int) {
		bc.log.Infof("Viewers: %d", count)
	})

	if err := bc.start(ctx); err != nil {
		return err
	}
	bc.log.Infof("Broadcasting as %s via %s", config.DeviceID, config.Mailbox)

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return bc.stop(stopCtx)
		case reason := <-restart:
			if err := bc.restart(ctx, reason); err != nil {
				bc.log.Errorf("Restart failed: %v", err)
				return err
			}
		}
	}
}
