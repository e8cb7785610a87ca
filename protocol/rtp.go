/* Copyright (c) 2018-2026 Gregor Riepl
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// DefaultRtpPacketSize is the datagram buffer size if none is configured
	DefaultRtpPacketSize int = 1500
	// rtpVersion is the only supported protocol version
	rtpVersion uint8 = 2
	// minHeaderSize is the fixed part of the RTP header
	minHeaderSize int = 12
)

var (
	ErrInvalidRtpPacketSize = errors.New("tsgate: invalid RTP packet size")
	ErrInvalidRtpVersion    = errors.New("tsgate: invalid RTP version")
	ErrInvalidRtpPadding    = errors.New("tsgate: invalid RTP padding")
)

// RtpPayloadType is the 7-bit payload type of an RTP packet.
type RtpPayloadType uint8

const (
	// RtpPayloadTypeMP2T is MPEG-2 transport stream (RFC 2250)
	RtpPayloadTypeMP2T RtpPayloadType = 33
)

// RtpPacket represents a decoded RTP packet.
// The header fields are dissected, while the payload is contained as a byte slice.
// Csrc, Extension and Payload point into the datagram the packet was parsed from.
type RtpPacket struct {
	Version        uint8
	Padding        bool
	Marker         bool
	PayloadType    RtpPayloadType
	SequenceNumber uint16
	Timestamp      uint32
	Ssrc           uint32
	Csrc           []uint32
	Extension      []byte
	Payload        []byte
}

// ParseRtpPacket decodes one RTP datagram.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                             SSRC                              |
//	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
func ParseRtpPacket(data []byte) (*RtpPacket, error) {
	if len(data) < minHeaderSize {
		return nil, ErrInvalidRtpPacketSize
	}
	p := &RtpPacket{
		Version:        data[0] >> 6,
		Padding:        data[0]&0x20 != 0,
		Marker:         data[1]&0x80 != 0,
		PayloadType:    RtpPayloadType(data[1] & 0x7f),
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		Ssrc:           binary.BigEndian.Uint32(data[8:12]),
	}
	if p.Version != rtpVersion {
		return nil, ErrInvalidRtpVersion
	}

	extension := data[0]&0x10 != 0
	csrcc := int(data[0] & 0x0f)
	offset := minHeaderSize
	if len(data) < offset+4*csrcc {
		return nil, ErrInvalidRtpPacketSize
	}
	p.Csrc = make([]uint32, csrcc)
	for i := range p.Csrc {
		p.Csrc[i] = binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
	}

	if extension {
		if len(data) < offset+4 {
			return nil, ErrInvalidRtpPacketSize
		}
		// the extension length is counted in 32-bit words
		xlen := 4 * int(binary.BigEndian.Uint16(data[offset+2:offset+4]))
		if len(data) < offset+4+xlen {
			return nil, ErrInvalidRtpPacketSize
		}
		p.Extension = data[offset : offset+4+xlen]
		offset += 4 + xlen
	}

	end := len(data)
	if p.Padding {
		// the last octet counts the padding, itself included
		pad := int(data[end-1])
		if pad == 0 || end-pad < offset {
			return nil, ErrInvalidRtpPadding
		}
		end -= pad
	}
	p.Payload = data[offset:end]

	return p, nil
}
