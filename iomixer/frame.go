package iomixer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Channel identifies one logical byte stream multiplexed over the master
// transport. Channel 0 is reserved for transport-level signalling.
type Channel int32

// MasterChannel is the reserved channel ID carrying the master EOF
// handshake (spec.md sec 2: "Channel 0 is reserved").
const MasterChannel Channel = 0

// FlagCompressed is bit 0 of a frame's flag byte: the payload was run
// through the configured Compressor before being written to the wire.
const FlagCompressed uint8 = 1 << 0

const headerSize = 4 + 1 + 4 // channelId + flags + length

// ErrFrameTooLarge is returned by the decoder when a frame's declared
// length exceeds the configured per-frame ceiling - treated as a broken
// connection per spec.md sec 6.
var ErrFrameTooLarge = errors.New("iomixer: frame length exceeds configured ceiling")

// frameHeader is the fixed 9-byte wire header preceding each frame's
// payload, matching spec.md sec 6 bit-for-bit:
//
//	offset  size  field
//	0       4     channelId   little-endian signed 32-bit
//	4       1     flags       bit 0 = compressed
//	5       4     length      little-endian signed 32-bit; 0 means EOF
type frameHeader struct {
	channelID Channel
	flags     uint8
	length    int32
}

func writeHeader(w io.Writer, h frameHeader) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.channelID))
	buf[4] = h.flags
	binary.LittleEndian.PutUint32(buf[5:9], uint32(h.length))
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (frameHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, err
	}
	return frameHeader{
		channelID: Channel(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		flags:     buf[4],
		length:    int32(binary.LittleEndian.Uint32(buf[5:9])),
	}, nil
}
