/* Copyright (c) 2026 Gregor Riepl
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

package mpegts

import (
	"errors"

	"github.com/q191201771/naza/pkg/nazabits"
)

const (
	// HeaderSize is the size of the fixed TS packet header
	HeaderSize = 4
	// PidCount is the number of distinct PID values (13 bits)
	PidCount = 8192
	// MaxAdaptationLength is the largest adaptation field length that still
	// leaves room for a payload byte in a 188-byte packet.
	MaxAdaptationLength = PacketSize - HeaderSize - 2
)

var (
	// ErrShortBuffer is returned when a buffer is too short to hold the
	// header or the adaptation field it announces.
	ErrShortBuffer = errors.New("tsgate: packet buffer too short")
	// ErrInvalidPid is returned for PID values outside the 13-bit range.
	ErrInvalidPid = errors.New("tsgate: PID out of range")
)

// ScramblingControl is the 2-bit transport_scrambling_control field.
type ScramblingControl uint8

const (
	// ScramblingNone marks a clear packet
	ScramblingNone ScramblingControl = 0
	// ScramblingReserved is reserved by the standard
	ScramblingReserved ScramblingControl = 1
	// ScramblingEven marks a payload scrambled with the even key
	ScramblingEven ScramblingControl = 2
	// ScramblingOdd marks a payload scrambled with the odd key
	ScramblingOdd ScramblingControl = 3
)

// Header is a decoded view of the 4-byte TS packet header.
//
//	sync_byte                    [8b]
//	transport_error_indicator    [1b]
//	payload_unit_start_indicator [1b]
//	transport_priority           [1b]
//	PID                          [13b]
//	transport_scrambling_control [2b]
//	adaptation_field_control     [2b]
//	continuity_counter           [4b]
type Header struct {
	Sync               uint8
	TransportError     bool
	PayloadUnitStart   bool
	Priority           bool
	Pid                uint16
	Scrambling         ScramblingControl
	HasAdaptationField bool
	HasPayload         bool
	Continuity         uint8
}

// ParseHeader decodes the fixed header at the start of buf.
// The sync byte is reported, but not validated.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrShortBuffer
	}
	// the length check above guarantees the reads can't fail
	br := nazabits.NewBitReader(buf[:HeaderSize])
	h.Sync, _ = br.ReadBits8(8)
	tei, _ := br.ReadBits8(1)
	pusi, _ := br.ReadBits8(1)
	prio, _ := br.ReadBits8(1)
	h.Pid, _ = br.ReadBits16(13)
	sc, _ := br.ReadBits8(2)
	afc, _ := br.ReadBits8(2)
	h.Continuity, _ = br.ReadBits8(4)

	h.TransportError = tei != 0
	h.PayloadUnitStart = pusi != 0
	h.Priority = prio != 0
	h.Scrambling = ScramblingControl(sc)
	h.HasAdaptationField = afc&0x2 != 0
	h.HasPayload = afc&0x1 != 0
	return h, nil
}

// AdaptationLength returns the adaptation_field_length byte that follows
// the header. The caller must have checked HasAdaptationField.
func AdaptationLength(buf []byte) (int, error) {
	if len(buf) < HeaderSize+1 {
		return 0, ErrShortBuffer
	}
	return int(buf[HeaderSize]), nil
}

// PayloadOffset returns the offset of the first payload byte:
// 4 without an adaptation field, 4 + 1 + length with one.
func PayloadOffset(buf []byte, h Header) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortBuffer
	}
	if !h.HasAdaptationField {
		return HeaderSize, nil
	}
	length, err := AdaptationLength(buf)
	if err != nil {
		return 0, err
	}
	offset := HeaderSize + 1 + length
	if offset > len(buf) {
		return 0, ErrShortBuffer
	}
	return offset, nil
}

// SetScrambling overwrites the scrambling control bits in place.
func SetScrambling(buf []byte, sc ScramblingControl) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	buf[3] = buf[3]&0x3f | byte(sc&0x3)<<6
	return nil
}

// ValidPid reports whether pid fits into 13 bits.
func ValidPid(pid uint16) bool {
	return pid < PidCount
}
