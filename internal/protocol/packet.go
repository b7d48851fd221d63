// Package protocol defines the AZRP packet format: wire layout, checksum,
// flag classification and the canonical control packets.
package protocol

import "errors"

// Flag bits.
const (
	FlagSyn uint8 = 0x01 // Handshake initiation
	FlagAck uint8 = 0x02 // Acknowledgment
	FlagFin uint8 = 0x04 // Teardown
)

// Wire layout (13-byte header, big endian):
//
//	Byte  0:     Flags
//	Byte  1-4:   Sequence Number
//	Byte  5-8:   Length
//	Byte  9-12:  Checksum (CRC-32C over header with this field zeroed + payload)
//	Byte  13-:   Payload
const (
	HeaderSize      = 13
	MaxDatagramSize = 65535
	MaxPayloadSize  = MaxDatagramSize - HeaderSize
)

const (
	offFlags    = 0
	offSeq      = 1
	offLength   = 5
	offChecksum = 9
)

var (
	// ErrMalformedPacket is returned for buffers that cannot hold a packet:
	// shorter than the header, or larger than one datagram.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrChecksumMismatch marks a packet whose checksum does not verify.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Packet is one AZRP packet.
//
// Seq has byte-offset semantics within the session's stream. Length is the
// total message length on SYN and SYN-ACK, and the session's total length
// echoed back on ACK. On DATA the sender conventionally puts the payload
// length there; the receiver does not interpret it.
type Packet struct {
	Flags    uint8
	Seq      uint32
	Length   uint32
	Checksum uint32 // as read from the wire; recomputed on Encode
	Payload  []byte
}

func (p *Packet) IsSyn() bool { return p.Flags&FlagSyn != 0 }
func (p *Packet) IsAck() bool { return p.Flags&FlagAck != 0 }
func (p *Packet) IsFin() bool { return p.Flags&FlagFin != 0 }

// IsData reports whether the packet carries neither SYN nor FIN.
func (p *Packet) IsData() bool { return p.Flags&(FlagSyn|FlagFin) == 0 }

// Kind names the flag combination, for logs.
func (p *Packet) Kind() string {
	switch {
	case p.IsSyn() && p.IsAck():
		return "SYN-ACK"
	case p.IsSyn():
		return "SYN"
	case p.IsFin() && p.IsAck():
		return "FIN-ACK"
	case p.IsFin():
		return "FIN"
	case p.IsAck() && len(p.Payload) == 0:
		return "ACK"
	default:
		return "DATA"
	}
}
