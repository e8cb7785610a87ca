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

package split

import (
	"github.com/onitake/tsgate/event"
	"github.com/onitake/tsgate/mpegts"
)

// Handle identifies a subscriber. The zero value is never assigned.
type Handle uint32

// slot is the subscription state of a single PID.
type slot struct {
	// subscribers in registration order, duplicates allowed
	subscribers []Handle
	// set is true while subscribers is not empty
	set bool
}

// Registry maps every PID to the ordered list of its subscribers.
//
// The observer is notified synchronously on every transition of a slot
// between empty and non-empty. Adding a second subscriber or removing one
// of two does not cause a notification.
//
// Registry is not safe for concurrent use.
type Registry struct {
	slots    [mpegts.PidCount]slot
	notifier event.PidNotifiable
	active   int
}

// NewRegistry creates an empty registry. notifier may be nil.
func NewRegistry(notifier event.PidNotifiable) *Registry {
	registry := &Registry{}
	registry.SetNotifier(notifier)
	return registry
}

// SetNotifier replaces the PID state observer. nil disables notifications.
func (registry *Registry) SetNotifier(notifier event.PidNotifiable) {
	if notifier == nil {
		notifier = &event.DummyNotifier{}
	}
	registry.notifier = notifier
}

// Subscribe appends a subscriber to the list of pid.
// Returns mpegts.ErrInvalidPid without changing anything if pid is out of range.
func (registry *Registry) Subscribe(pid uint16, handle Handle) error {
	if !mpegts.ValidPid(pid) {
		return mpegts.ErrInvalidPid
	}
	s := &registry.slots[pid]
	s.subscribers = append(s.subscribers, handle)
	registry.update(pid)
	return nil
}

// Unsubscribe removes all occurrences of a subscriber from the list of pid.
func (registry *Registry) Unsubscribe(pid uint16, handle Handle) error {
	if !mpegts.ValidPid(pid) {
		return mpegts.ErrInvalidPid
	}
	s := &registry.slots[pid]
	kept := s.subscribers[:0]
	for _, h := range s.subscribers {
		if h != handle {
			kept = append(kept, h)
		}
	}
	// clear the tail so the backing array doesn't pin stale handles
	for i := len(kept); i < len(s.subscribers); i++ {
		s.subscribers[i] = 0
	}
	s.subscribers = kept
	registry.update(pid)
	return nil
}

// Subscribers returns the subscribers of pid in registration order.
// The slice is owned by the registry and only valid until the next change.
func (registry *Registry) Subscribers(pid uint16) []Handle {
	if !mpegts.ValidPid(pid) {
		return nil
	}
	return registry.slots[pid].subscribers
}

// IsSet tells if pid has at least one subscriber.
func (registry *Registry) IsSet(pid uint16) bool {
	return mpegts.ValidPid(pid) && registry.slots[pid].set
}

// Active returns the number of PIDs with at least one subscriber.
func (registry *Registry) Active() int {
	return registry.active
}

// ActivePids returns all PIDs with at least one subscriber, in ascending order.
func (registry *Registry) ActivePids() []uint16 {
	pids := make([]uint16, 0, registry.active)
	for pid := range registry.slots {
		if registry.slots[pid].set {
			pids = append(pids, uint16(pid))
		}
	}
	return pids
}

// update re-evaluates the state of a slot and notifies on edges.
func (registry *Registry) update(pid uint16) {
	s := &registry.slots[pid]
	set := len(s.subscribers) > 0
	if set == s.set {
		return
	}
	s.set = set
	if set {
		registry.active++
		registry.notifier.NotifyPidSet(pid)
	} else {
		registry.active--
		registry.notifier.NotifyPidUnset(pid)
	}
}
