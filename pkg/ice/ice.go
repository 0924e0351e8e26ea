// Package ice supplies the STUN/TURN endpoint list used to build peer
// connections.
package ice

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v3"
)

var (
	ErrRelayWithoutTURN = errors.New("ice: force relay requires a TURN server")
	ErrNoServers        = errors.New("ice: credential service returned no servers")
)

// DefaultSTUNServers are public STUN servers for NAT traversal
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Provider returns the current ICE server list
type Provider interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// Config holds static ICE server configuration
type Config struct {
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	// ForceRelay restricts candidates to the TURN relay
	ForceRelay bool
}

// Validate checks that the configuration can produce a usable list
func (c Config) Validate() error {
	if c.ForceRelay && c.TURNServer == "" {
		return ErrRelayWithoutTURN
	}
	return nil
}

// TransportPolicy returns the ICE transport policy for the configuration
func (c Config) TransportPolicy() webrtc.ICETransportPolicy {
	if c.ForceRelay {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// Servers builds the server list: STUN first, then TURN when configured
func (c Config) Servers() []webrtc.ICEServer {
	stun := c.STUNServers
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}

	var servers []webrtc.ICEServer
	if !c.ForceRelay {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), stun...)})
	}
	if c.TURNServer != "" {
		url := c.TURNServer
		if !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
			url = "turn:" + url
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{url},
			Username:       c.TURNUser,
			Credential:     c.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

type staticProvider struct {
	servers []webrtc.ICEServer
}

// Static returns a Provider that always yields the configured list
func Static(c Config) Provider {
	return &staticProvider{servers: c.Servers()}
}

func (p *staticProvider) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	return cloneServers(p.servers), nil
}

func cloneServers(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}
