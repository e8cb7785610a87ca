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

package descramble

import (
	"math/bits"

	"github.com/onitake/tsgate/mpegts"
)

// PidWhitelist is the set of PIDs eligible for descrambling.
type PidWhitelist interface {
	// Add inserts a PID. Returns mpegts.ErrInvalidPid if it is out of range.
	Add(pid uint16) error
	Remove(pid uint16)
	Contains(pid uint16) bool
}

// PidSet is a PidWhitelist backed by a bitmap of all 8192 PIDs.
// The zero value is an empty set.
type PidSet struct {
	bits [mpegts.PidCount / 64]uint64
}

func (set *PidSet) Add(pid uint16) error {
	if !mpegts.ValidPid(pid) {
		return mpegts.ErrInvalidPid
	}
	set.bits[pid/64] |= 1 << (pid % 64)
	return nil
}

func (set *PidSet) Remove(pid uint16) {
	if mpegts.ValidPid(pid) {
		set.bits[pid/64] &^= 1 << (pid % 64)
	}
}

func (set *PidSet) Contains(pid uint16) bool {
	return mpegts.ValidPid(pid) && set.bits[pid/64]&(1<<(pid%64)) != 0
}

// Len returns the number of PIDs in the set.
func (set *PidSet) Len() int {
	n := 0
	for _, word := range set.bits {
		n += bits.OnesCount64(word)
	}
	return n
}

// Pids returns the members in ascending order.
func (set *PidSet) Pids() []uint16 {
	pids := make([]uint16, 0, set.Len())
	for i, word := range set.bits {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			pids = append(pids, uint16(i*64+bit))
			word &^= 1 << bit
		}
	}
	return pids
}
