package util

import (
	"encoding/binary"
	"hash/fnv"
)

// EndpointHash computes a fixed-size hash identifying a management-plane
// peer: hostname, management port, runtime thread id, session number, and
// instance epoch. The hash is used solely as a map key for duplicate
// detection and does not need to be reversible.
func EndpointHash(hostname string, port, tid, sessionNum uint16, epoch uint32) uint64 {
	var scratch [12]byte
	binary.LittleEndian.PutUint16(scratch[0:2], port)
	binary.LittleEndian.PutUint16(scratch[2:4], tid)
	binary.LittleEndian.PutUint16(scratch[4:6], sessionNum)
	binary.LittleEndian.PutUint32(scratch[6:10], epoch)

	h := fnv.New64a()
	h.Write([]byte(hostname))
	h.Write(scratch[:10])
	return h.Sum64()
}
