package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peepcam/pkg/ice"
	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/peer"
	"github.com/tomaslejdung/peepcam/pkg/settings"
	sig "github.com/tomaslejdung/peepcam/pkg/signal"
	"github.com/tomaslejdung/peepcam/pkg/store"
)

// iceCacheTTL bounds how long fetched TURN credentials are reused
const iceCacheTTL = 10 * time.Minute

// resolveConfig fills options not given on the command line from the saved
// settings, validates the result and saves it when --save is set
func resolveConfig(config *Config) error {
	saved, err := settings.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	applySettings(config, saved)

	config.DeviceID = sig.NormalizeDeviceID(config.DeviceID)
	if err := sig.ValidateDeviceID(config.DeviceID); err != nil {
		return err
	}
	initiator, err := peer.ParseInitiator(config.Initiator)
	if err != nil {
		return err
	}
	config.Initiator = string(initiator)
	if err := config.iceConfig().Validate(); err != nil {
		return err
	}

	if config.View {
		if config.IVF != "" || config.Ogg != "" {
			return fmt.Errorf("--ivf and --ogg are broadcast options")
		}
	} else {
		if config.IVF == "" && config.Ogg == "" {
			return fmt.Errorf("nothing to broadcast: pass --ivf and/or --ogg")
		}
		codec := media.ParseCodecFlag(config.Codec)
		if codec != media.CodecVP8 && codec != media.CodecVP9 {
			return fmt.Errorf("--codec %s: IVF files carry vp8 or vp9", config.Codec)
		}
		config.Codec = string(codec)
	}

	if config.Save {
		if err := settings.Save(config.userSettings()); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	return nil
}

// applySettings copies saved values into options the user did not set
func applySettings(config *Config, s settings.UserSettings) {
	use := func(name string, dst *string, v string) {
		if !config.set[name] {
			*dst = v
		}
	}
	use("device", &config.DeviceID, s.DeviceID)
	use("mailbox", &config.Mailbox, s.Mailbox)
	use("token", &config.Token, s.Token)
	use("initiator", &config.Initiator, s.Initiator)
	use("codec", &config.Codec, s.Codec)
	use("turn", &config.TURNServer, s.TURNServer)
	use("turn-user", &config.TURNUser, s.TURNUser)
	use("turn-pass", &config.TURNPass, s.TURNPass)
	use("ice-url", &config.ICEURL, s.ICEURL)
	if !config.set["force-relay"] {
		config.ForceRelay = s.ForceRelay
	}
}

func (c Config) userSettings() settings.UserSettings {
	return settings.UserSettings{
		DeviceID:   c.DeviceID,
		Mailbox:    c.Mailbox,
		Token:      c.Token,
		Initiator:  c.Initiator,
		Codec:      c.Codec,
		TURNServer: c.TURNServer,
		TURNUser:   c.TURNUser,
		TURNPass:   c.TURNPass,
		ForceRelay: c.ForceRelay,
		ICEURL:     c.ICEURL,
	}
}

func (c Config) iceConfig() ice.Config {
	return ice.Config{
		TURNServer: c.TURNServer,
		TURNUser:   c.TURNUser,
		TURNPass:   c.TURNPass,
		ForceRelay: c.ForceRelay,
	}
}

// iceProvider returns the credential service when configured, otherwise the
// static STUN/TURN list
func (c Config) iceProvider(lf logging.LoggerFactory) ice.Provider {
	if c.ICEURL != "" {
		return ice.Cached(ice.NewHTTPProvider(c.ICEURL, c.Token), iceCacheTTL, ice.WithLoggerFactory(lf))
	}
	return ice.Static(c.iceConfig())
}

func (c Config) peerConfig(mb sig.Mailbox, lf logging.LoggerFactory) peer.Config {
	return peer.Config{
		DeviceID:           c.DeviceID,
		Mailbox:            mb,
		ICE:                c.iceProvider(lf),
		ICETransportPolicy: c.iceConfig().TransportPolicy(),
		Initiator:          peer.Initiator(c.Initiator),
		LoggerFactory:      lf,
	}
}

func openMailbox(ctx context.Context, c Config, lf logging.LoggerFactory) (sig.Mailbox, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mb, err := store.Open(ctx, c.Mailbox, store.Options{Token: c.Token, LoggerFactory: lf})
	if err != nil {
		return nil, fmt.Errorf("open mailbox %s: %w", c.Mailbox, err)
	}
	return mb, nil
}

// newLoggerFactory writes every scope to w. PEEPCAM_LOG (trace, debug, info,
// warn, error) overrides the level.
func newLoggerFactory(w io.Writer) logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = w
	lf.DefaultLogLevel = logging.LogLevelInfo
	switch os.Getenv("PEEPCAM_LOG") {
	case "trace":
		lf.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		lf.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		lf.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		lf.DefaultLogLevel = logging.LogLevelError
	}
	return lf
}
