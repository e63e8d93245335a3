// Package packet splits encoded units into transport-sized fragments and
// reassembles them on the receive side. Fragments are RTP packets: the RTP
// timestamp groups fragments of one unit, the marker bit closes a unit, and
// a short payload header carries the fragment index, count, key flag, and
// codec tag. The depacketizer recovers unit order through a bounded reorder
// window and reports units that miss their deadline as losses instead of
// stalling the decode stage.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/voralis/specto/media"
)

var (
	ErrRecordTooSmall = errors.New("packet: max record size cannot fit a fragment")
	ErrBadFragment    = errors.New("packet: malformed fragment")
)

// Fragment payload header, prepended to each RTP payload:
// flags(1) codec(1) fragIndex(2) fragCount(2), big endian.
const fragHeaderLen = 6

const flagKeyUnit = 0x01

// rtpHeaderLen is the fixed RTP header size; no CSRCs or extensions are used.
const rtpHeaderLen = 12

// PayloadType is the dynamic RTP payload type used for all fragments.
const PayloadType = 96

// Codec tags carried in fragment headers.
const (
	codecTagDelta = 0x00
	codecTagMJPEG = 0x01
)

func codecTag(name string) (byte, error) {
	switch name {
	case "delta":
		return codecTagDelta, nil
	case "mjpeg":
		return codecTagMJPEG, nil
	}
	return 0, fmt.Errorf("packet: no tag for codec %q", name)
}

func codecName(tag byte) string {
	switch tag {
	case codecTagDelta:
		return "delta"
	case codecTagMJPEG:
		return "mjpeg"
	}
	return ""
}

// Packetizer splits units into RTP fragments no larger than maxFragment
// bytes each (marshaled size, before record encryption).
type Packetizer struct {
	ssrc        uint32
	maxFragment int
	chunkSize   int
	fragSeq     uint16
}

// NewPacketizer creates a packetizer for one outbound stream. maxFragment
// is the largest marshaled fragment the caller can carry in a single
// secure record, i.e. the transport's maximum record size minus the record
// layer's own overhead.
func NewPacketizer(ssrc uint32, maxFragment int) (*Packetizer, error) {
	chunk := maxFragment - rtpHeaderLen - fragHeaderLen
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooSmall, maxFragment)
	}
	return &Packetizer{ssrc: ssrc, maxFragment: maxFragment, chunkSize: chunk}, nil
}

// Packetize splits one unit into marshaled RTP fragments. Every unit yields
// at least one fragment; the last fragment carries the RTP marker.
func (p *Packetizer) Packetize(unit *media.EncodedUnit) ([][]byte, error) {
	tag, err := codecTag(unit.Codec)
	if err != nil {
		return nil, err
	}

	count := (len(unit.Payload) + p.chunkSize - 1) / p.chunkSize
	if count == 0 {
		count = 1
	}
	if count > 0xFFFF {
		return nil, fmt.Errorf("packet: unit %d needs %d fragments, max 65535", unit.Sequence, count)
	}

	var flags byte
	if unit.Key {
		flags |= flagKeyUnit
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * p.chunkSize
		hi := lo + p.chunkSize
		if hi > len(unit.Payload) {
			hi = len(unit.Payload)
		}

		payload := make([]byte, fragHeaderLen+hi-lo)
		payload[0] = flags
		payload[1] = tag
		binary.BigEndian.PutUint16(payload[2:], uint16(i))
		binary.BigEndian.PutUint16(payload[4:], uint16(count))
		copy(payload[fragHeaderLen:], unit.Payload[lo:hi])

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == count-1,
				PayloadType:    PayloadType,
				SequenceNumber: p.fragSeq,
				Timestamp:      uint32(unit.Sequence),
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		p.fragSeq++

		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("packet: marshal fragment %d of unit %d: %w", i, unit.Sequence, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
