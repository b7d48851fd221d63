package protocol

import (
	"github.com/pion/randutil"
)

// Syn builds a handshake request offering a message of length bytes whose
// type is named by typeToken.
func Syn(seq, length uint32, typeToken string) *Packet {
	return &Packet{Flags: FlagSyn, Seq: seq, Length: length, Payload: []byte(typeToken)}
}

// SynAck builds the handshake reply, echoing the SYN's seq and length.
func SynAck(seq, length uint32) *Packet {
	return &Packet{Flags: FlagSyn | FlagAck, Seq: seq, Length: length}
}

// Ack builds an acknowledgment: seq is the next expected stream position,
// length the session's total length.
func Ack(seq, length uint32) *Packet {
	return &Packet{Flags: FlagAck, Seq: seq, Length: length}
}

func Fin(seq uint32) *Packet {
	return &Packet{Flags: FlagFin, Seq: seq}
}

func FinAck(seq uint32) *Packet {
	return &Packet{Flags: FlagFin | FlagAck, Seq: seq}
}

// Data builds a DATA packet carrying payload at stream position seq.
func Data(seq uint32, payload []byte) *Packet {
	return &Packet{Seq: seq, Length: uint32(len(payload)), Payload: payload}
}

var fallbackRand = randutil.NewMathRandomGenerator()

// NewInitialSequenceNumber returns an unpredictable starting sequence number
// for a new session.
func NewInitialSequenceNumber() uint32 {
	n, err := randutil.CryptoUint64()
	if err != nil {
		return fallbackRand.Uint32()
	}
	return uint32(n)
}
