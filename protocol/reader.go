/* Copyright (c) 2019-2026 Gregor Riepl
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
	"io"
	"sync/atomic"

	"github.com/onitake/tsgate/mpegts"
)

// FixedReader turns a datagram socket into a byte stream.
//
// Each call to the underlying reader is expected to return exactly one
// datagram of up to the configured size, as net.UDPConn or an SRT socket
// does. The datagram is buffered and handed out across as many Read calls
// as necessary before the next one is pulled in.
//
// Packet-based sockets give no guarantee about the order of incoming
// datagrams and don't account for resends of dropped ones. If order is
// important, reordering must be implemented by other means.
//
// If the underlying reader implements the io.Closer interface, Close() calls
// will be forwarded. Otherwise, Close() is a no-op.
type FixedReader struct {
	reader  io.Reader
	scratch []byte
	pending []byte
	// Datagrams counts the non-empty datagrams received. Updated atomically.
	Datagrams uint64
	// Misaligned counts datagrams whose size is not a multiple of the TS
	// packet size. Updated atomically.
	Misaligned uint64
}

// NewFixedReader creates a reader that pulls in datagrams of up to psize
// bytes. For TS over UDP, psize is normally 7 * 188 = 1316.
func NewFixedReader(reader io.Reader, psize int) *FixedReader {
	return &FixedReader{
		reader:  reader,
		scratch: make([]byte, psize),
	}
}

// Read copies as many buffered bytes as fit into p.
//
// If the buffer has no data left, it pulls in a new datagram first. An
// I/O error is returned together with the data that came with it.
func (b *FixedReader) Read(p []byte) (int, error) {
	var err error
	if len(b.pending) == 0 {
		var m int
		m, err = b.reader.Read(b.scratch)
		b.pending = b.scratch[:m]
		if m > 0 {
			atomic.AddUint64(&b.Datagrams, 1)
			if m%mpegts.PacketSize != 0 {
				atomic.AddUint64(&b.Misaligned, 1)
			}
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, err
}

// Close closes the underlying reader.
//
// Subsequent Read calls will succeed as long as the internal buffer still
// has data. If the buffer is drained, Read returns an error.
func (b *FixedReader) Close() error {
	if closer, ok := b.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
