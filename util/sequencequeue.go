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

package util

import (
	"errors"
)

var (
	ErrSequenceQueueEmpty       = errors.New("tsgate: queue is empty")
	ErrSequenceQueueOccupied    = errors.New("tsgate: queue position is already occupied")
	ErrSequenceQueueOutOfBounds = errors.New("tsgate: insert index out of bounds")
)

// SequenceQueue is a bounded ring of slots addressed relative to the head.
//
// Values can be inserted at any position inside the bound, leaving gaps
// that are filled later. Pop always removes the head slot, whether it was
// filled or not, so gaps can be skipped.
type SequenceQueue[T any] struct {
	slots  []T
	filled []bool
	head   int
	length int
}

// NewSequenceQueue creates a queue with room for bound slots.
func NewSequenceQueue[T any](bound int) *SequenceQueue[T] {
	return &SequenceQueue[T]{
		slots:  make([]T, bound),
		filled: make([]bool, bound),
	}
}

// Length is the number of slots between the head and the last filled slot, inclusive.
func (f *SequenceQueue[T]) Length() int {
	return f.length
}

// Capacity is the bound the queue was created with.
func (f *SequenceQueue[T]) Capacity() int {
	return len(f.slots)
}

// Insert stores value at position slots after the head.
// An occupied slot is left alone and ErrSequenceQueueOccupied is returned.
func (f *SequenceQueue[T]) Insert(position int, value T) error {
	if position < 0 || position >= len(f.slots) {
		return ErrSequenceQueueOutOfBounds
	}
	index := (f.head + position) % len(f.slots)
	if f.filled[index] {
		return ErrSequenceQueueOccupied
	}
	f.slots[index] = value
	f.filled[index] = true
	if position >= f.length {
		f.length = position + 1
	}
	return nil
}

// Peek returns the head slot without removing it.
// ok is false if the slot is a gap.
func (f *SequenceQueue[T]) Peek() (value T, ok bool, err error) {
	if f.length == 0 {
		return value, false, ErrSequenceQueueEmpty
	}
	return f.slots[f.head], f.filled[f.head], nil
}

// Pop removes the head slot and returns its contents.
// ok is false if the slot was a gap.
func (f *SequenceQueue[T]) Pop() (value T, ok bool, err error) {
	if f.length == 0 {
		return value, false, ErrSequenceQueueEmpty
	}
	var zero T
	value, ok = f.slots[f.head], f.filled[f.head]
	f.slots[f.head] = zero
	f.filled[f.head] = false
	f.head = (f.head + 1) % len(f.slots)
	f.length--
	return value, ok, nil
}
