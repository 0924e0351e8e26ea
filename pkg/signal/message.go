package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// MessageType identifies the protocol step a record carries
type MessageType string

const (
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeViewerJoin       MessageType = "viewer-join"
	TypeBroadcasterReady MessageType = "broadcaster-ready"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeViewerJoin, TypeBroadcasterReady:
		return true
	}
	return false
}

// Role is the side that wrote a record
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

// Opposite returns the counterpart role
func (r Role) Opposite() Role {
	if r == RoleBroadcaster {
		return RoleViewer
	}
	return RoleBroadcaster
}

// ParseRole converts a string into a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Payload is the typed body of a Message. The concrete type is fixed by the
// message type: *SDPPayload, *CandidatePayload or *EmptyPayload.
type Payload interface {
	validate(t MessageType) error
}

// SDPPayload carries an offer or answer
type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

func (p *SDPPayload) validate(t MessageType) error {
	want := webrtc.SDPTypeOffer
	if t == TypeAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if p.SDP.Type != want {
		return fmt.Errorf("%w: %s record carries %s description", ErrInvalidPayload, t, p.SDP.Type)
	}
	if strings.TrimSpace(p.SDP.SDP) == "" {
		return fmt.Errorf("%w: empty session description", ErrInvalidPayload)
	}
	return nil
}

// CandidatePayload carries a single ICE candidate
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (p *CandidatePayload) validate(MessageType) error {
	if strings.TrimSpace(p.Candidate.Candidate) == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidPayload)
	}
	return nil
}

// Key identifies a candidate for dedupe purposes
func (p *CandidatePayload) Key() string {
	key := p.Candidate.Candidate
	if p.Candidate.SDPMid != nil {
		key += "|" + *p.Candidate.SDPMid
	}
	if p.Candidate.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *p.Candidate.SDPMLineIndex)
	}
	return key
}

// EmptyPayload is used by viewer-join and broadcaster-ready
type EmptyPayload struct{}

func (p *EmptyPayload) validate(MessageType) error { return nil }

// NewSDPPayload wraps a session description
func NewSDPPayload(desc webrtc.SessionDescription) *SDPPayload {
	return &SDPPayload{SDP: webrtc.SessionDescription{Type: desc.Type, SDP: desc.SDP}}
}

// NewCandidatePayload wraps a candidate
func NewCandidatePayload(c webrtc.ICECandidateInit) *CandidatePayload {
	return &CandidatePayload{Candidate: c}
}

// DecodePayload parses raw record data for the given message type and
// validates it. Malformed payloads never reach session state.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeOffer, TypeAnswer:
		p = &SDPPayload{}
	case TypeICECandidate:
		p = &CandidatePayload{}
	case TypeViewerJoin, TypeBroadcasterReady:
		return &EmptyPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing data for %s", ErrInvalidPayload, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(t); err != nil {
		return nil, err
	}
	return p, nil
}

// Message is a signaling record as persisted in a mailbox
type Message struct {
	ID         string
	DeviceID   string
	SessionID  string
	Type       MessageType
	SenderType Role
	Payload    Payload
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type wireMessage struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	SessionID  string          `json:"session_id"`
	Type       MessageType     `json:"type"`
	SenderType Role            `json:"sender_type"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// NewMessage builds a record with a fresh id and an expiry ttl from now
func NewMessage(deviceID, sessionID string, t MessageType, role Role, payload Payload, ttl time.Duration) *Message {
	if payload == nil {
		payload = &EmptyPayload{}
	}
	now := time.Now().UTC()
	return &Message{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		SessionID:  sessionID,
		Type:       t,
		SenderType: role,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Validate checks ids, enums and that the payload matches the type
func (m *Message) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidMessage)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if !m.SenderType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, m.SenderType)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}

	switch m.Payload.(type) {
	case *SDPPayload:
		if m.Type != TypeOffer && m.Type != TypeAnswer {
			return fmt.Errorf("%w: session description in %s record", ErrInvalidPayload, m.Type)
		}
	case *CandidatePayload:
		if m.Type != TypeICECandidate {
			return fmt.Errorf("%w: candidate in %s record", ErrInvalidPayload, m.Type)
		}
	case *EmptyPayload:
		if m.Type != TypeViewerJoin && m.Type != TypeBroadcasterReady {
			return fmt.Errorf("%w: empty payload in %s record", ErrInvalidPayload, m.Type)
		}
	}
	return m.Payload.validate(m.Type)
}

// Expired reports whether the record is past its TTL
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// SDP returns the session description when the payload carries one
func (m *Message) SDP() (webrtc.SessionDescription, bool) {
	p, ok := m.Payload.(*SDPPayload)
	if !ok {
		return webrtc.SessionDescription{}, false
	}
	return p.SDP, true
}

// Candidate returns the ICE candidate when the payload carries one
func (m *Message) Candidate() (webrtc.ICECandidateInit, bool) {
	p, ok := m.Payload.(*CandidatePayload)
	if !ok {
		return webrtc.ICECandidateInit{}, false
	}
	return p.Candidate, true
}

// MarshalJSON encodes the record in its persisted form
func (m *Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = &EmptyPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:         m.ID,
		DeviceID:   m.DeviceID,
		SessionID:  m.SessionID,
		Type:       m.Type,
		SenderType: m.SenderType,
		Data:       data,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	})
}

// UnmarshalJSON decodes a persisted record and its typed payload
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	payload, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*m = Message{
		ID:         w.ID,
		DeviceID:   w.DeviceID,
		SessionID:  w.SessionID,
		Type:       w.Type,
		SenderType: w.SenderType,
		Payload:    payload,
		CreatedAt:  w.CreatedAt,
		ExpiresAt:  w.ExpiresAt,
	}
	return nil
}

// Clone returns a shallow copy; payloads are never mutated after creation
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
