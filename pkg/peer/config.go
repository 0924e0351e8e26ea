// Package peer manages the broadcaster and viewer sides of a camera link:
// handshake exchange through a signal.Mailbox, per-session lifecycle, and
// recovery of peers that join mid-stream or drop out.
package peer

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/peepcam/pkg/ice"
	"github.com/tomaslejdung/peepcam/pkg/signal"
)

// Initiator selects which side creates the offer
type Initiator string

const (
	// InitiatorBroadcaster: the viewer posts viewer-join, the broadcaster offers
	InitiatorBroadcaster Initiator = "broadcaster"
	// InitiatorViewer: the viewer offers directly, the broadcaster answers
	InitiatorViewer Initiator = "viewer"
)

// ParseInitiator converts a flag value into an Initiator
func ParseInitiator(s string) (Initiator, error) {
	switch Initiator(strings.ToLower(strings.TrimSpace(s))) {
	case "", InitiatorBroadcaster:
		return InitiatorBroadcaster, nil
	case InitiatorViewer:
		return InitiatorViewer, nil
	}
	return "", fmt.Errorf("unknown initiator %q (want broadcaster or viewer)", s)
}

// Protocol timing defaults
const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultDisconnectGrace = 10 * time.Second
	DefaultPollInterval    = 3 * time.Second
	DefaultPollStartDelay  = 4 * time.Second
	DefaultKeyframeToggle  = time.Second
	DefaultTrackDebounce   = 300 * time.Millisecond
	DefaultMessageTTL      = 5 * time.Minute
	DefaultMailboxTimeout  = 10 * time.Second
)

// Config is shared by Broadcaster and Viewer
type Config struct {
	DeviceID string
	Mailbox  signal.Mailbox
	// Factory builds peer connections. Nil uses NewAPIFactory defaults.
	Factory ConnectionFactory
	// ICE supplies relay/reflection endpoints. Nil uses public STUN.
	ICE                ice.Provider
	ICETransportPolicy webrtc.ICETransportPolicy
	Initiator          Initiator

	// ConnectTimeout bounds how long a viewer waits for a connection
	ConnectTimeout time.Duration
	// DisconnectGrace is how long a disconnected peer may take to recover
	DisconnectGrace time.Duration
	PollInterval    time.Duration
	// PollStartDelay lets a fresh viewer-join arrive before polling begins
	PollStartDelay time.Duration
	// KeyframeToggle is how long video stays disabled while forcing a keyframe
	KeyframeToggle time.Duration
	TrackDebounce  time.Duration
	MessageTTL     time.Duration
	MailboxTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.Initiator == "" {
		c.Initiator = InitiatorBroadcaster
	}
	if c.ICE == nil {
		c.ICE = ice.Static(ice.Config{})
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollStartDelay < 0 {
		c.PollStartDelay = 0
	} else if c.PollStartDelay == 0 {
		c.PollStartDelay = DefaultPollStartDelay
	}
	if c.KeyframeToggle <= 0 {
		c.KeyframeToggle = DefaultKeyframeToggle
	}
	if c.TrackDebounce <= 0 {
		c.TrackDebounce = DefaultTrackDebounce
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.MailboxTimeout <= 0 {
		c.MailboxTimeout = DefaultMailboxTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("peer: device id required")
	}
	if c.Mailbox == nil {
		return fmt.Errorf("peer: mailbox required")
	}
	if c.Initiator != InitiatorBroadcaster && c.Initiator != InitiatorViewer {
		return fmt.Errorf("peer: unknown initiator %q", c.Initiator)
	}
	return nil
}
