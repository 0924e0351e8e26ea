package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tomaslejdung/peepcam/pkg/media"
	"github.com/tomaslejdung/peepcam/pkg/peer"
	"github.com/tomaslejdung/peepcam/pkg/signal"
)

// DefaultMailbox is a mailbox file in the working directory, shared by a
// broadcaster and viewer on the same machine
const DefaultMailbox = "sqlite://peepcam-mailbox.db"

// UserSettings holds persistable user preferences
type UserSettings struct {
	DeviceID  string `json:"deviceId"`
	Mailbox   string `json:"mailbox"`
	Token     string `json:"token,omitempty"`
	Initiator string `json:"initiator"`
	Codec     string `json:"codec"`

	TURNServer string `json:"turnServer,omitempty"`
	TURNUser   string `json:"turnUser,omitempty"`
	TURNPass   string `json:"turnPass,omitempty"`
	ForceRelay bool   `json:"forceRelay"`
	// ICEURL is a credential service that hands out ICE servers
	ICEURL string `json:"iceUrl,omitempty"`
}

// DefaultSettings returns the default settings with a fresh device code
func DefaultSettings() UserSettings {
	return UserSettings{
		DeviceID:  signal.GenerateDeviceCode(),
		Mailbox:   DefaultMailbox,
		Initiator: string(peer.InitiatorBroadcaster),
		Codec:     string(media.CodecVP8),
	}
}

// Path returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise os.UserConfigDir()/peepcam/
func Path() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "peepcam")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "peepcam")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func Load() (UserSettings, error) {
	settings := DefaultSettings()

	path, err := Path()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return settings, nil
		}
		return settings, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), nil
	}

	return settings.validated(), nil
}

// validated replaces out of range values with their defaults
func (s UserSettings) validated() UserSettings {
	defaults := DefaultSettings()

	s.DeviceID = signal.NormalizeDeviceID(s.DeviceID)
	if signal.ValidateDeviceID(s.DeviceID) != nil {
		s.DeviceID = defaults.DeviceID
	}
	if s.Mailbox == "" {
		s.Mailbox = defaults.Mailbox
	}
	if initiator, err := peer.ParseInitiator(s.Initiator); err != nil {
		s.Initiator = defaults.Initiator
	} else {
		s.Initiator = string(initiator)
	}
	// Only video codecs are selectable
	codec := media.ParseCodecFlag(s.Codec)
	if codec == media.CodecOpus {
		codec = media.CodecVP8
	}
	s.Codec = string(codec)
	return s
}

// Save writes settings to the config file
func Save(settings UserSettings) error {
	path, err := Path()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	// The file may carry a mailbox token and TURN password
	return os.WriteFile(path, data, 0600)
}
