package peer

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of *webrtc.PeerConnection the managers use
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// ConnectionFactory creates peer connections
type ConnectionFactory interface {
	NewPeerConnection(config webrtc.Configuration) (PeerConnection, error)
}

// ConnectionFactoryFunc adapts a function to ConnectionFactory
type ConnectionFactoryFunc func(config webrtc.Configuration) (PeerConnection, error)

func (f ConnectionFactoryFunc) NewPeerConnection(config webrtc.Configuration) (PeerConnection, error) {
	return f(config)
}

// APIConfig configures the pion API behind NewAPIFactory
type APIConfig struct {
	// PLIInterval makes receivers request a keyframe periodically. Zero disables it.
	PLIInterval time.Duration

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	LoggerFactory logging.LoggerFactory
}

type apiFactory struct {
	api *webrtc.API
}

// NewAPIFactory builds a pion API with the default codecs and interceptors
func NewAPIFactory(config APIConfig) (ConnectionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	if config.PLIInterval > 0 {
		opts := []intervalpli.GeneratorOption{intervalpli.GeneratorInterval(config.PLIInterval)}
		if config.LoggerFactory != nil {
			opts = append(opts, intervalpli.GeneratorLog(config.LoggerFactory.NewLogger("pli")))
		}
		pli, err := intervalpli.NewReceiverInterceptor(opts...)
		if err != nil {
			return nil, err
		}
		i.Add(pli)
	}

	s := webrtc.SettingEngine{}
	if config.LoggerFactory != nil {
		s.LoggerFactory = config.LoggerFactory
	}
	if config.ICEDisconnectedTimeout > 0 && config.ICEFailedTimeout > 0 {
		keepalive := config.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		s.SetICETimeouts(config.ICEDisconnectedTimeout, config.ICEFailedTimeout, keepalive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return &apiFactory{api: api}, nil
}

func (f *apiFactory) NewPeerConnection(config webrtc.Configuration) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
