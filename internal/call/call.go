// Package call is the per-peer call state machine run by Go clients. The
// server relays signaling blindly, so every call invariant (one call at a
// time, ignoring redundant hang-ups, detecting a vanished peer) lives here.
package call

import (
	"errors"
	"fmt"
	"sync"

	"cipherchat/internal/protocol"
)

type State int

const (
	Idle State = iota
	Offering
	Ringing
	Incoming
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Ringing:
		return "ringing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Event int

const (
	Dial Event = iota
	RemoteRinging
	RemoteAnswer
	IncomingOffer
	Accept
	HangUp
	RemoteHangUp
	Rejected
	Timeout
	ConnectionLost
	Reset
)

var eventNames = [...]string{
	Dial:           "dial",
	RemoteRinging:  "remote-ringing",
	RemoteAnswer:   "remote-answer",
	IncomingOffer:  "incoming-offer",
	Accept:         "accept",
	HangUp:         "hang-up",
	RemoteHangUp:   "remote-hang-up",
	Rejected:       "rejected",
	Timeout:        "timeout",
	ConnectionLost: "connection-lost",
	Reset:          "reset",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Terminal events end a live call and are ignored once nothing is live.
func (e Event) Terminal() bool {
	switch e {
	case HangUp, RemoteHangUp, Rejected, Timeout, ConnectionLost:
		return true
	}
	return false
}

// Remote events arrive from the peer and must name the current peer.
func (e Event) remote() bool {
	switch e {
	case RemoteRinging, RemoteAnswer, RemoteHangUp, Rejected:
		return true
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("invalid call transition")
	// ErrGlare: both peers offered at once. Nothing breaks the tie; the
	// caller decides whether to back off or reject.
	ErrGlare     = errors.New("incoming offer while offering")
	ErrBusy      = errors.New("already in a call")
	ErrWrongPeer = errors.New("event from a peer outside the current call")
)

type transition struct {
	from State
	on   Event
}

var transitions = map[transition]State{
	{Idle, Dial}:          Offering,
	{Idle, IncomingOffer}: Incoming,

	{Offering, RemoteRinging}:  Ringing,
	{Offering, RemoteAnswer}:   Connected,
	{Offering, HangUp}:         Ended,
	{Offering, RemoteHangUp}:   Ended,
	{Offering, Rejected}:       Ended,
	{Offering, Timeout}:        Ended,
	{Offering, ConnectionLost}: Ended,

	{Ringing, RemoteAnswer}:   Connected,
	{Ringing, HangUp}:         Ended,
	{Ringing, RemoteHangUp}:   Ended,
	{Ringing, Rejected}:       Ended,
	{Ringing, Timeout}:        Ended,
	{Ringing, ConnectionLost}: Ended,

	{Incoming, Accept}:         Connected,
	{Incoming, HangUp}:         Ended,
	{Incoming, RemoteHangUp}:   Ended,
	{Incoming, Rejected}:       Ended,
	{Incoming, Timeout}:        Ended,
	{Incoming, ConnectionLost}: Ended,

	{Connected, HangUp}:         Ended,
	{Connected, RemoteHangUp}:   Ended,
	{Connected, ConnectionLost}: Ended,

	{Ended, Reset}: Idle,
}

// Next is the pure transition function. A terminal event in Idle or Ended
// returns the same state with no error.
func Next(s State, ev Event) (State, error) {
	if to, ok := transitions[transition{s, ev}]; ok {
		return to, nil
	}
	if ev.Terminal() && (s == Idle || s == Ended) {
		return s, nil
	}
	if ev == IncomingOffer {
		switch s {
		case Offering, Ringing:
			return s, ErrGlare
		case Incoming, Connected:
			return s, ErrBusy
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// FromSignal maps a received webrtc kind to the event it fires. ICE
// candidates do not move the state machine.
func FromSignal(kind protocol.SignalKind) (Event, bool) {
	switch kind {
	case protocol.SignalOffer:
		return IncomingOffer, true
	case protocol.SignalAnswer:
		return RemoteAnswer, true
	case protocol.SignalRinging:
		return RemoteRinging, true
	case protocol.SignalHangUp:
		return RemoteHangUp, true
	case protocol.SignalCallRejected:
		return Rejected, true
	}
	return 0, false
}

// Transition is reported to the observer after every state change.
type Transition struct {
	From, To State
	Event    Event
	Peer     string
}

// Session tracks one client's single active call.
type Session struct {
	mu       sync.Mutex
	state    State
	peer     string
	callType string
	onChange func(Transition)
}

func NewSession(onChange func(Transition)) *Session {
	return &Session{onChange: onChange}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer is the other party of the current or last call.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) CallType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callType
}

// Dial starts an outgoing call to peer.
func (s *Session) Dial(peer, callType string) error {
	return s.fire(Dial, peer, callType)
}

// Offer records an incoming offer from peer.
func (s *Session) Offer(from, callType string) error {
	return s.fire(IncomingOffer, from, callType)
}

// Fire applies ev. peer is required for remote events and ignored for
// local ones.
func (s *Session) Fire(ev Event, peer string) error {
	return s.fire(ev, peer, "")
}

// Receive applies a relayed signal from peer.
func (s *Session) Receive(kind protocol.SignalKind, from, callType string) error {
	ev, ok := FromSignal(kind)
	if !ok {
		return nil
	}
	return s.fire(ev, from, callType)
}

func (s *Session) fire(ev Event, peer, callType string) error {
	s.mu.Lock()
	from := s.state
	if ev.remote() && from != Idle && from != Ended && peer != s.peer {
		s.mu.Unlock()
		return ErrWrongPeer
	}
	to, err := Next(from, ev)
	if err != nil || to == from {
		s.mu.Unlock()
		return err
	}
	s.state = to
	switch ev {
	case Dial, IncomingOffer:
		s.peer, s.callType = peer, callType
	case Reset:
		s.peer, s.callType = "", ""
	}
	t := Transition{From: from, To: to, Event: ev, Peer: s.peer}
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return nil
}
