package protocol

import (
	"encoding/json"
	"strings"
)

const signalPrefix = "webrtc:"

// SignalKind names one of the six relayed WebRTC signaling messages.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalRinging      SignalKind = "ringing"
	SignalHangUp       SignalKind = "hang-up"
	SignalCallRejected SignalKind = "call-rejected"
)

var signalKinds = map[SignalKind]bool{
	SignalOffer:        true,
	SignalAnswer:       true,
	SignalICECandidate: true,
	SignalRinging:      true,
	SignalHangUp:       true,
	SignalCallRejected: true,
}

// ParseSignalKind maps a wire event name such as "webrtc:offer" to its kind.
// "webrtc:error" is server-to-client only and is not a relayable kind.
func ParseSignalKind(event string) (SignalKind, bool) {
	if !strings.HasPrefix(event, signalPrefix) {
		return "", false
	}
	kind := SignalKind(strings.TrimPrefix(event, signalPrefix))
	return kind, signalKinds[kind]
}

func (k SignalKind) Event() string { return signalPrefix + string(k) }

// Terminal reports whether the kind ends a call on the receiving side.
func (k SignalKind) Terminal() bool {
	return k == SignalHangUp || k == SignalCallRejected
}

// Signal is any client-sent webrtc:* event. Session descriptions and
// candidates stay raw so they are forwarded byte-for-byte.
type Signal struct {
	Kind         SignalKind      `json:"-"`
	RecipientUID string          `json:"recipientUid"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	CallType     string          `json:"callType,omitempty"`
	CallerName   string          `json:"callerName,omitempty"`
}

// RelayedSignal is the server-to-target form of a Signal: the recipient is
// dropped and the authenticated sender is stamped in as From.
type RelayedSignal struct {
	From       string          `json:"from"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	CallType   string          `json:"callType,omitempty"`
	CallerName string          `json:"callerName,omitempty"`
}

// Relay builds the outbound frame delivered to the signal's target.
func (s Signal) Relay(from string) Outbound {
	out := RelayedSignal{From: from}
	switch s.Kind {
	case SignalOffer:
		out.Offer = s.Offer
		out.CallType = s.CallType
		out.CallerName = s.CallerName
	case SignalAnswer:
		out.Answer = s.Answer
	case SignalICECandidate:
		out.Candidate = s.Candidate
	}
	return Outbound{Event: s.Kind.Event(), Data: out}
}
