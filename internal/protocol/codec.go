package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32C of b. Callers zero the checksum field first.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Encode serializes a Packet into a single datagram. The checksum is
// computed last, over the header (checksum field zeroed) and payload;
// pkt.Checksum is ignored.
func Encode(pkt *Packet) ([]byte, error) {
	size := HeaderSize + len(pkt.Payload)
	if size > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram limit %d", ErrMalformedPacket, size, MaxDatagramSize)
	}

	buf := make([]byte, size)
	buf[offFlags] = pkt.Flags
	binary.BigEndian.PutUint32(buf[offSeq:offLength], pkt.Seq)
	binary.BigEndian.PutUint32(buf[offLength:offChecksum], pkt.Length)
	copy(buf[HeaderSize:], pkt.Payload)

	// Checksum field is already zero from make().
	binary.BigEndian.PutUint32(buf[offChecksum:HeaderSize], Checksum(buf))
	return buf, nil
}

// Decode deserializes a datagram into a Packet. It fails only when data is
// shorter than HeaderSize; checksum validity is checked separately by Valid.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedPacket, len(data), HeaderSize)
	}
	pkt := &Packet{
		Flags:    data[offFlags],
		Seq:      binary.BigEndian.Uint32(data[offSeq:offLength]),
		Length:   binary.BigEndian.Uint32(data[offLength:offChecksum]),
		Checksum: binary.BigEndian.Uint32(data[offChecksum:HeaderSize]),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}

// Valid recomputes the checksum over the packet's fields and compares it
// with the transmitted one.
func (p *Packet) Valid() bool {
	if HeaderSize+len(p.Payload) > MaxDatagramSize {
		return false
	}
	var hdr [HeaderSize]byte
	hdr[offFlags] = p.Flags
	binary.BigEndian.PutUint32(hdr[offSeq:offLength], p.Seq)
	binary.BigEndian.PutUint32(hdr[offLength:offChecksum], p.Length)

	h := crc32.New(castagnoli)
	h.Write(hdr[:])
	h.Write(p.Payload)
	return h.Sum32() == p.Checksum
}

// IsValid is Valid for a possibly nil packet.
func IsValid(p *Packet) bool {
	return p != nil && p.Valid()
}
