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

package event

import "fmt"

// PidNotifiable receives PID subscription state changes.
//
// NotifyPidSet is called when a PID gets its first subscriber,
// NotifyPidUnset when it loses its last one. Implementations are called
// synchronously from the packet processing context and must not block
// for long.
type PidNotifiable interface {
	NotifyPidSet(pid uint16)
	NotifyPidUnset(pid uint16)
}

// DummyNotifier ignores all notifications.
type DummyNotifier struct{}

func (*DummyNotifier) NotifyPidSet(pid uint16)   {}
func (*DummyNotifier) NotifyPidUnset(pid uint16) {}

// Type is a notification type.
type Type int

const (
	// TypePidSet is sent when a PID becomes wanted
	TypePidSet Type = iota
	// TypePidUnset is sent when a PID is no longer wanted
	TypePidUnset
)

// ParseType converts a configuration string to a notification type.
func ParseType(name string) (Type, error) {
	switch name {
	case "pid_set":
		return TypePidSet, nil
	case "pid_unset":
		return TypePidUnset, nil
	default:
		return 0, fmt.Errorf("tsgate: unknown notification type %q", name)
	}
}

func (typ Type) String() string {
	switch typ {
	case TypePidSet:
		return "pid_set"
	case TypePidUnset:
		return "pid_unset"
	default:
		return fmt.Sprintf("unknown(%d)", int(typ))
	}
}

// Handler is a notification callback registered with a Queue.
type Handler interface {
	HandleEvent(typ Type, pid uint16)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(typ Type, pid uint16)

func (f HandlerFunc) HandleEvent(typ Type, pid uint16) {
	f(typ, pid)
}
