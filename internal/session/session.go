// Package session implements the receiver side of one AZRP transfer:
// handshake, offset-based reassembly, acknowledgment, restart on a fresh
// SYN, and teardown.
//
// Apply is the single transition function. It takes the current Session
// value and one decoded packet and returns the next Session value together
// with a Result. The caller replaces its Session with the returned one and
// never touches the old value again; the reassembly buffer travels with the
// value and is never shared between sessions. Applying a packet to a value
// that has already been superseded fails with ErrStaleSession instead of
// touching the buffer the newer value owns.
package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/azrp/internal/protocol"
	"github.com/1ureka/azrp/internal/util"
)

// State is the protocol state of a session.
type State uint8

const (
	AwaitingSyn State = iota
	HandshakeSent
	Receiving
	Complete
	Restarting
	Closing
	Closed
)

var stateNames = [...]string{
	AwaitingSyn:   "awaiting-syn",
	HandshakeSent: "handshake-sent",
	Receiving:     "receiving",
	Complete:      "complete",
	Restarting:    "restarting",
	Closing:       "closing",
	Closed:        "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	// ErrUnexpectedPacket marks a packet whose type does not fit the current
	// state, or that comes from an address other than the session's peer.
	ErrUnexpectedPacket = errors.New("unexpected packet")

	// ErrOffsetOutOfRange marks a DATA packet that does not fit inside the
	// announced message.
	ErrOffsetOutOfRange = errors.New("data offset out of range")

	// ErrSessionRestart reports that a fresh SYN replaced the session in
	// flight. It accompanies a successful handshake reply.
	ErrSessionRestart = errors.New("session restarted by peer")

	// ErrStaleSession marks a packet applied to a Session value that an
	// earlier Apply has already replaced.
	ErrStaleSession = errors.New("stale session value")
)

// Session is one logical transfer as seen by the receiver.
type Session struct {
	ID          uint32
	State       State
	Peer        *net.UDPAddr
	ISN         uint32
	TotalLength uint32
	FileType    string
	StartedAt   time.Time

	BytesReceived   uint32
	PacketsSent     int
	PacketsReceived int

	maxMessageSize uint32
	buf            *reassembly
	gen            uint64
}

// Delivery is a completed transfer, handed to the storage sinks.
type Delivery struct {
	SessionID       uint32
	Peer            *net.UDPAddr
	FileType        string
	Payload         []byte
	PacketsSent     int
	PacketsReceived int
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Result is the tagged outcome of one transition. Reply, when set, must be
// sent to the session peer. Err is nil or wraps one of ErrUnexpectedPacket,
// ErrOffsetOutOfRange, ErrSessionRestart, ErrStaleSession,
// protocol.ErrChecksumMismatch or protocol.ErrMalformedPacket; none of them is
// fatal.
type Result struct {
	Reply    *protocol.Packet
	Delivery *Delivery
	Err      error
}

// Dropped reports whether the packet was discarded without effect.
func (r Result) Dropped() bool {
	return r.Err != nil && r.Reply == nil
}

// New returns an idle session waiting for a SYN. A maxMessageSize of zero
// accepts any length the wire format can express.
func New(maxMessageSize uint32) Session {
	return Session{State: AwaitingSyn, maxMessageSize: maxMessageSize}
}

// Reset returns a fresh idle session with the same limits, discarding s.
func (s Session) Reset() Session {
	return New(s.maxMessageSize)
}

// Active reports whether a handshake has been accepted and the transfer is
// still in flight.
func (s Session) Active() bool {
	return s.State == HandshakeSent || s.State == Receiving
}

// Close moves a session in teardown to Closed. The caller does this once the
// teardown grace period is over.
func Close(s Session) Session {
	if s.State == Closing {
		s.State = Closed
	}
	return s
}

// Apply feeds one decoded packet from the given address into s.
func Apply(s Session, pkt *protocol.Packet, from *net.UDPAddr, now time.Time) (Session, Result) {
	switch s.State {
	case AwaitingSyn:
		return accept(s, pkt, from, now)
	case HandshakeSent, Receiving:
		return receive(s, pkt, from, now)
	case Closing:
		return closing(s, pkt, from, now)
	default:
		return s, Result{Err: fmt.Errorf("%w: %s in state %s", ErrUnexpectedPacket, pkt.Kind(), s.State)}
	}
}

// accept handles the AwaitingSyn state.
func accept(s Session, pkt *protocol.Packet, from *net.UDPAddr, now time.Time) (Session, Result) {
	if !pkt.Valid() {
		return s, Result{Err: protocol.ErrChecksumMismatch}
	}
	if !isHandshakeRequest(pkt) {
		return s, Result{Err: fmt.Errorf("%w: %s while awaiting SYN", ErrUnexpectedPacket, pkt.Kind())}
	}
	if s.maxMessageSize > 0 && pkt.Length > s.maxMessageSize {
		return s, Result{Err: fmt.Errorf("%w: offered %d bytes exceeds limit %d",
			protocol.ErrMalformedPacket, pkt.Length, s.maxMessageSize)}
	}

	next := Session{
		ID:              util.SessionID(from, pkt.Seq),
		State:           HandshakeSent,
		Peer:            from,
		ISN:             pkt.Seq,
		TotalLength:     pkt.Length,
		FileType:        string(pkt.Payload),
		StartedAt:       now,
		PacketsReceived: 1,
		PacketsSent:     1,
		maxMessageSize:  s.maxMessageSize,
		buf:             newReassembly(pkt.Length),
	}
	res := Result{Reply: protocol.SynAck(pkt.Seq, pkt.Length)}

	// Nothing to wait for.
	if next.TotalLength == 0 {
		next, res.Delivery = complete(next, now)
	}
	return next, res
}

// receive handles HandshakeSent and Receiving.
func receive(s Session, pkt *protocol.Packet, from *net.UDPAddr, now time.Time) (Session, Result) {
	if s.buf != nil && s.buf.gen != s.gen {
		return s, Result{Err: fmt.Errorf("%w: %s after the buffer moved on", ErrStaleSession, pkt.Kind())}
	}
	if !samePeer(s.Peer, from) {
		return s, Result{Err: fmt.Errorf("%w: %s from foreign peer %s", ErrUnexpectedPacket, pkt.Kind(), from)}
	}
	s.PacketsReceived++

	if !pkt.Valid() {
		return s, Result{Err: protocol.ErrChecksumMismatch}
	}

	switch {
	case isHandshakeRequest(pkt):
		// Restarting: nothing of the abandoned transfer survives.
		next, res := accept(s.Reset(), pkt, from, now)
		if res.Err == nil {
			res.Err = ErrSessionRestart
		}
		return next, res

	case pkt.IsFin() && !pkt.IsSyn():
		s.State = Closing
		s.buf = nil
		s.PacketsSent++
		return s, Result{Reply: protocol.FinAck(pkt.Seq)}

	case pkt.IsData() && !(pkt.IsAck() && len(pkt.Payload) == 0):
		return receiveData(s, pkt, now)

	default:
		return s, Result{Err: fmt.Errorf("%w: %s while receiving", ErrUnexpectedPacket, pkt.Kind())}
	}
}

func receiveData(s Session, pkt *protocol.Packet, now time.Time) (Session, Result) {
	// Modulo 2^32: sequence numbers wrap, and a position "before" the ISN
	// lands far beyond TotalLength.
	offset := pkt.Seq - s.ISN
	end := uint64(offset) + uint64(len(pkt.Payload))
	if end > uint64(s.TotalLength) {
		return s, Result{Err: fmt.Errorf("%w: [%d, %d) outside [0, %d)",
			ErrOffsetOutOfRange, offset, end, s.TotalLength)}
	}

	fresh, gen := s.buf.write(offset, pkt.Payload)
	s.BytesReceived += fresh
	s.gen = gen
	s.State = Receiving
	s.PacketsSent++

	res := Result{Reply: protocol.Ack(pkt.Seq+uint32(len(pkt.Payload)), s.TotalLength)}
	if s.BytesReceived >= s.TotalLength {
		s, res.Delivery = complete(s, now)
	}
	return s, res
}

// closing re-acknowledges a retransmitted FIN and lets a new SYN from any
// sender start the next session; anything else is dropped.
func closing(s Session, pkt *protocol.Packet, from *net.UDPAddr, now time.Time) (Session, Result) {
	if pkt.Valid() && isHandshakeRequest(pkt) {
		return accept(Close(s).Reset(), pkt, from, now)
	}
	if !samePeer(s.Peer, from) || !pkt.Valid() || !pkt.IsFin() || pkt.IsSyn() {
		return s, Result{Err: fmt.Errorf("%w: %s during teardown", ErrUnexpectedPacket, pkt.Kind())}
	}
	s.PacketsReceived++
	s.PacketsSent++
	return s, Result{Reply: protocol.FinAck(pkt.Seq)}
}

// complete hands the buffer over to a Delivery. The session keeps no
// reference to it.
func complete(s Session, now time.Time) (Session, *Delivery) {
	var payload []byte
	if s.buf != nil {
		payload = s.buf.data
	}
	d := &Delivery{
		SessionID:       s.ID,
		Peer:            s.Peer,
		FileType:        s.FileType,
		Payload:         payload,
		PacketsSent:     s.PacketsSent,
		PacketsReceived: s.PacketsReceived,
		StartedAt:       s.StartedAt,
		CompletedAt:     now,
	}
	s.State = Complete
	s.buf = nil
	return s, d
}

// isHandshakeRequest accepts a plain SYN. SYN-ACK is the receiver's own
// reply and never starts a session.
func isHandshakeRequest(pkt *protocol.Packet) bool {
	return pkt.IsSyn() && !pkt.IsAck() && !pkt.IsFin()
}

func samePeer(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
