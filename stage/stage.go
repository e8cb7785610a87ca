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

// Package stage defines the contract shared by all packet processing
// stages: a packet input, a closed set of configuration commands and a
// downstream sink.
package stage

import (
	"errors"
	"strings"
	"sync"

	"github.com/onitake/tsgate/mpegts"
)

// TsFlowDef is the flow definition prefix of a stream of single TS packets.
const TsFlowDef = "block.mpegts."

var (
	// ErrInvalidFlowFormat is returned when a flow definition does not
	// describe TS packets.
	ErrInvalidFlowFormat = errors.New("tsgate: incompatible flow definition")
	// ErrFlowNotReady is returned for packets received while the stage has
	// no valid flow definition.
	ErrFlowNotReady = errors.New("tsgate: no valid flow definition")
	// ErrUnhandledCommand is returned by stages for commands they don't support.
	ErrUnhandledCommand = errors.New("tsgate: unhandled command")
)

// Sink receives packets. Ownership of the packet passes to the sink.
type Sink interface {
	Send(packet mpegts.Packet)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(packet mpegts.Packet)

func (f SinkFunc) Send(packet mpegts.Packet) {
	f(packet)
}

// DiscardSink drops everything.
type DiscardSink struct{}

func (DiscardSink) Send(mpegts.Packet) {}

// Stage is a synchronous packet processor.
//
// Handle processes one packet to completion before returning. The returned
// error describes why the packet was dropped; it never means the stage is
// unusable. Configure applies a control command and reports whether it was
// accepted.
//
// Stages are not safe for concurrent use. See Serialize.
type Stage interface {
	Handle(packet mpegts.Packet) error
	Configure(command Command) error
}

// MatchFlowDef checks that def describes a TS packet stream.
func MatchFlowDef(def string) error {
	if !strings.HasPrefix(def, TsFlowDef) {
		return ErrInvalidFlowFormat
	}
	return nil
}

// AsSink turns a stage into a sink for an upstream stage.
// Errors are discarded; stages report their own drops.
func AsSink(s Stage) Sink {
	return SinkFunc(func(packet mpegts.Packet) {
		s.Handle(packet)
	})
}

// serialized guards a stage with a mutex.
type serialized struct {
	lock  sync.Mutex
	stage Stage
}

// Serialize wraps a stage so packets and commands may arrive from
// different goroutines. Each call holds the lock for its whole duration,
// including any downstream work done synchronously by the stage.
func Serialize(s Stage) Stage {
	return &serialized{stage: s}
}

func (s *serialized) Handle(packet mpegts.Packet) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stage.Handle(packet)
}

func (s *serialized) Configure(command Command) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stage.Configure(command)
}
