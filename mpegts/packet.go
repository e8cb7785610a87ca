/* Copyright (c) 2016-2026 Gregor Riepl
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
	"io"
)

const (
	// PacketSize is the TS packet size (188 bytes)
	PacketSize = 188
	// SyncByte is the byte value of the TS synchronization code (0x47)
	SyncByte = 0x47
)

// Packet is an alias to a byte slice and represents one TS packet.
//
// Packets are nominally 188 bytes long and start with 0x47, but neither
// property is enforced by the header accessors. Whoever holds a Packet owns
// it; passing it on to a consumer hands over ownership.
type Packet []byte

// Clone returns an independent copy of the packet data.
func (packet Packet) Clone() Packet {
	if packet == nil {
		return nil
	}
	dup := make(Packet, len(packet))
	copy(dup, packet)
	return dup
}

// Header parses the fixed packet header. See ParseHeader.
func (packet Packet) Header() (Header, error) {
	return ParseHeader(packet)
}

// ReadPacket reads data from the input stream,
// scans for the sync byte and returns one packet from that point on.
//
// If a sync byte can't be found among the first 188 bytes,
// no packet and no error are returned.
func ReadPacket(reader io.Reader) (Packet, error) {
	head := make(Packet, PacketSize)
	if _, err := io.ReadFull(reader, head); err != nil {
		return nil, eofOrError(err)
	}

	// fast path: we are in sync
	if head[0] == SyncByte {
		return head, nil
	}

	sync := -1
	for i, b := range head {
		if b == SyncByte {
			sync = i
			break
		}
	}
	if sync == -1 {
		return nil, nil
	}

	// resynchronise: keep the tail starting at the sync byte and
	// fill up the rest from the stream
	packet := make(Packet, PacketSize)
	offset := copy(packet, head[sync:])
	if _, err := io.ReadFull(reader, packet[offset:]); err != nil {
		return nil, eofOrError(err)
	}
	return packet, nil
}

// eofOrError maps a partial read to io.EOF, so truncated streams are
// reported the same way as empty ones.
func eofOrError(err error) error {
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}
