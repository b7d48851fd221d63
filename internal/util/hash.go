// Package util provides shared utility functions.
package util

import (
	"encoding/binary"
	"hash/fnv"
	"net"
)

// SessionID computes a 4-byte hash from the peer address and the session's
// initial sequence number. The hash is used solely as a log prefix and does
// not need to be reversible.
func SessionID(peer net.Addr, isn uint32) uint32 {
	h := fnv.New32a()
	if peer != nil {
		h.Write([]byte(peer.String()))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], isn)
	h.Write(b[:])
	return h.Sum32()
}
