package comm

// wire.go defines the on-the-wire framing used between ranks.  Every message
// is a single frame:
//
//	[int32 tag][int32 length][length bytes payload]
//
// Both header fields are little-endian.  The deployment assumption is a
// homogeneous cluster (all peers share byte order), so no network-order
// conversion is performed on the payload itself.
//
// User-level tags occupy the non-negative range.  Negative tags are reserved
// for fabric-internal control traffic (rendezvous, address book, all-gather)
// and are rejected by the public Send/Recv entry points.
//
// © 2025 ACUTE authors. MIT License.

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Reserved control tags. All negative, so they cannot collide with user
// traffic, whose tags are non-negative.
const (
	tagHello    int32 = -1 // dialer introduces itself: payload = hello JSON
	tagAddrBook int32 = -2 // root broadcasts the rank -> address table
	tagGather   int32 = -3 // all-gather contribution, rank -> root
	tagVector   int32 = -4 // all-gather result, root -> rank
)

// MaxChunk is the largest payload a single frame can carry. The length field
// is a 32-bit int by wire contract; oversized sends fail loudly instead of
// truncating.
const MaxChunk = math.MaxInt32

const frameHeaderSize = 8

func writeFrame(w io.Writer, tag int32, p []byte) error {
	if len(p) > MaxChunk {
		return fmt.Errorf("comm: payload %d bytes exceeds the %d-byte frame limit", len(p), MaxChunk)
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}

// readFrame blocks until a complete frame is available and returns a
// freshly-owned payload buffer.
func readFrame(r io.Reader) (tag int32, p []byte, err error) {
	var hdr [frameHeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag = int32(binary.LittleEndian.Uint32(hdr[0:4]))
	n := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	if n < 0 {
		return 0, nil, fmt.Errorf("comm: corrupt frame: negative length %d", n)
	}
	p = make([]byte, n)
	if n > 0 {
		if _, err = io.ReadFull(r, p); err != nil {
			return 0, nil, err
		}
	}
	return tag, p, nil
}

func packInt32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func unpackInt32Vector(p []byte) ([]int32, error) {
	if len(p)%4 != 0 {
		return nil, fmt.Errorf("comm: corrupt int32 vector: %d bytes", len(p))
	}
	vec := make([]int32, len(p)/4)
	for i := range vec {
		vec[i] = int32(binary.LittleEndian.Uint32(p[i*4 : i*4+4]))
	}
	return vec, nil
}

func packInt32Vector(vec []int32) []byte {
	p := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(p[i*4:i*4+4], uint32(v))
	}
	return p
}
