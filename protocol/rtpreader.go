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
	"io"
	"sync/atomic"

	"github.com/onitake/tsgate/util"
)

const (
	// seqHalfRange separates packets ahead of the queue head from late ones
	seqHalfRange = 0x8000
)

// RtpReader turns a socket carrying MPEG-TS over RTP into a byte stream.
//
// Each call to the underlying reader must return exactly one datagram.
// Datagrams are put back in sequence number order using a window of
// lookahead packets. A gap at the head of the window is skipped once the
// window is full, and the payloads after it are released in order.
// Datagrams that are not MPEG-TS over RTP v2 are discarded.
//
// If the underlying reader implements the io.Closer interface, Close() calls
// will be forwarded.
type RtpReader struct {
	reader  io.Reader
	scratch []byte
	window  *util.SequenceQueue[[]byte]
	// base is the sequence number of the window head
	base    uint16
	synced  bool
	pending []byte
	err     error
	// Datagrams counts the datagrams received. Updated atomically.
	Datagrams uint64
	// Invalid counts discarded datagrams. Updated atomically.
	Invalid uint64
	// Lost counts sequence numbers that were skipped. Updated atomically.
	Lost uint64
	// Late counts duplicates and packets that arrived after their slot
	// was released. Updated atomically.
	Late uint64
}

// NewRtpReader creates a reader for datagrams of up to psize bytes,
// reordering across up to lookahead packets.
func NewRtpReader(reader io.Reader, psize int, lookahead int) *RtpReader {
	if psize <= 0 {
		psize = DefaultRtpPacketSize
	}
	if lookahead < 1 {
		lookahead = 1
	}
	return &RtpReader{
		reader:  reader,
		scratch: make([]byte, psize),
		window:  util.NewSequenceQueue[[]byte](lookahead),
	}
}

// Read returns payload bytes in sequence order.
//
// Errors from the underlying reader are returned after the payloads that
// are still waiting in the window.
func (r *RtpReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.next() {
			continue
		}
		if r.err != nil {
			if r.flush() {
				continue
			}
			return 0, r.err
		}
		r.receive()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// next releases the window head if it is filled
func (r *RtpReader) next() bool {
	if _, ok, err := r.window.Peek(); err != nil || !ok {
		return false
	}
	payload, _, _ := r.window.Pop()
	r.base++
	r.pending = payload
	return true
}

// flush skips gaps until a filled slot is released
func (r *RtpReader) flush() bool {
	for {
		payload, ok, err := r.window.Pop()
		if err != nil {
			return false
		}
		r.base++
		if ok {
			r.pending = payload
			return true
		}
		atomic.AddUint64(&r.Lost, 1)
	}
}

// receive reads one datagram and puts it into the window
func (r *RtpReader) receive() {
	n, err := r.reader.Read(r.scratch)
	if err != nil {
		r.err = err
	}
	if n == 0 {
		return
	}
	atomic.AddUint64(&r.Datagrams, 1)
	packet, perr := ParseRtpPacket(r.scratch[:n])
	if perr != nil || packet.PayloadType != RtpPayloadTypeMP2T || len(packet.Payload) == 0 {
		atomic.AddUint64(&r.Invalid, 1)
		return
	}
	// the scratch buffer is reused for the next datagram
	payload := append([]byte(nil), packet.Payload...)

	if !r.synced {
		r.base = packet.SequenceNumber
		r.synced = true
	}
	pos := int(packet.SequenceNumber - r.base)
	if pos >= seqHalfRange {
		atomic.AddUint64(&r.Late, 1)
		return
	}
	for pos >= r.window.Capacity() {
		if r.window.Length() == 0 {
			// nothing left to release, jump ahead
			atomic.AddUint64(&r.Lost, uint64(pos))
			r.base = packet.SequenceNumber
			pos = 0
			break
		}
		// make room by releasing the head
		skipped, ok, _ := r.window.Pop()
		if ok {
			r.pending = append(r.pending, skipped...)
		} else {
			atomic.AddUint64(&r.Lost, 1)
		}
		r.base++
		pos--
	}
	if err := r.window.Insert(pos, payload); err != nil {
		atomic.AddUint64(&r.Late, 1)
	}
}

// Close closes the underlying reader.
func (r *RtpReader) Close() error {
	if closer, ok := r.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
