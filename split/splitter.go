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

// Package split routes TS packets to the subscribers of their PID.
package split

import (
	"errors"
	"fmt"

	"github.com/onitake/tsgate/event"
	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/stage"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrResourceExhausted is returned when a packet could not be duplicated
	// for all subscribers.
	ErrResourceExhausted = errors.New("tsgate: cannot duplicate packet")
	// ErrUnknownOutput is returned for handles that were never issued or
	// were already released.
	ErrUnknownOutput = errors.New("tsgate: unknown output")
)

var (
	metricPacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "split_packets_received",
			Help:      "Total number of TS packets received by the demultiplexer.",
		},
		[]string{"stage"},
	)
	metricPacketsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "split_packets_forwarded",
			Help:      "Total number of TS packets handed to subscribers, duplicates included.",
		},
		[]string{"stage"},
	)
	metricPacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "split_packets_dropped",
			Help:      "Total number of TS packets dropped by the demultiplexer.",
		},
		[]string{"stage", "reason"},
	)
	metricPidsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "split_pids_active",
			Help:      "Number of PIDs with at least one subscriber.",
		},
		[]string{"stage"},
	)
)

func init() {
	metrics.MustRegister(metricPacketsReceived)
	metrics.MustRegister(metricPacketsForwarded)
	metrics.MustRegister(metricPacketsDropped)
	metrics.MustRegister(metricPidsActive)
}

// output is a subscriber of the splitter
type output struct {
	sink stage.Sink
	// pid is only meaningful if subscribed is true
	pid        uint16
	subscribed bool
}

// Duplicator creates an independent copy of a packet.
type Duplicator func(packet mpegts.Packet) (mpegts.Packet, error)

// Splitter is a PID demultiplexer stage.
//
// Every output subscribes to at most one PID. Packets are forwarded to the
// subscribers of their PID in registration order. All subscribers except
// the last receive a copy, the last one receives the original packet.
//
// The splitter needs a valid flow definition (see stage.SetFlowDef) before
// it accepts packets.
//
// Splitter is not safe for concurrent use. Wrap it with stage.Serialize if
// packets and configuration changes come from different goroutines.
type Splitter struct {
	name      string
	registry  *Registry
	outputs   map[Handle]*output
	lastId    Handle
	ready     bool
	duplicate Duplicator
	// cached metric children
	received  prometheus.Counter
	forwarded prometheus.Counter
	active    prometheus.Gauge
}

// New creates a splitter. name is used as the stage label in logs and metrics.
func New(name string) *Splitter {
	return &Splitter{
		name:      name,
		registry:  NewRegistry(nil),
		outputs:   make(map[Handle]*output),
		duplicate: cloneDuplicator,
		received:  metricPacketsReceived.With(prometheus.Labels{"stage": name}),
		forwarded: metricPacketsForwarded.With(prometheus.Labels{"stage": name}),
		active:    metricPidsActive.With(prometheus.Labels{"stage": name}),
	}
}

func cloneDuplicator(packet mpegts.Packet) (mpegts.Packet, error) {
	return packet.Clone(), nil
}

// SetNotifier installs the observer for PID set/unset transitions.
func (splitter *Splitter) SetNotifier(notifier event.PidNotifiable) {
	splitter.registry.SetNotifier(notifier)
}

// SetDuplicator replaces the packet copy function. nil restores the default.
func (splitter *Splitter) SetDuplicator(duplicate Duplicator) {
	if duplicate == nil {
		duplicate = cloneDuplicator
	}
	splitter.duplicate = duplicate
}

// Ready tells if the splitter has a valid flow definition.
func (splitter *Splitter) Ready() bool {
	return splitter.ready
}

// ActivePids lists the PIDs that currently have subscribers.
func (splitter *Splitter) ActivePids() []uint16 {
	return splitter.registry.ActivePids()
}

// NewOutput allocates a new subscriber that forwards to sink.
// The output receives nothing until it is assigned a PID.
func (splitter *Splitter) NewOutput(sink stage.Sink) Handle {
	splitter.lastId++
	handle := splitter.lastId
	splitter.outputs[handle] = &output{
		sink: sink,
	}
	return handle
}

// SetOutputPid moves an output to a new PID.
//
// The previous subscription is always removed first. If pid is out of
// range, mpegts.ErrInvalidPid is returned and the output stays
// unsubscribed.
func (splitter *Splitter) SetOutputPid(handle Handle, pid uint16) error {
	out, ok := splitter.outputs[handle]
	if !ok {
		return ErrUnknownOutput
	}
	splitter.unsubscribe(handle, out)
	if err := splitter.registry.Subscribe(pid, handle); err != nil {
		logger.Logkv(
			"event", eventSplitError,
			"error", errorSplitPid,
			"stage", splitter.name,
			"output", handle,
			"pid", pid,
			"message", fmt.Sprintf("Cannot subscribe to PID %d: %v", pid, err),
		)
		return err
	}
	out.pid = pid
	out.subscribed = true
	splitter.active.Set(float64(splitter.registry.Active()))
	logger.Logkv(
		"event", eventSplitSubscribe,
		"stage", splitter.name,
		"output", handle,
		"pid", pid,
		"message", fmt.Sprintf("Output subscribed to PID %d", pid),
	)
	return nil
}

// OutputPid returns the PID an output is subscribed to.
func (splitter *Splitter) OutputPid(handle Handle) (uint16, bool) {
	out, ok := splitter.outputs[handle]
	if !ok || !out.subscribed {
		return 0, false
	}
	return out.pid, true
}

// ReleaseOutput unsubscribes an output and forgets it.
func (splitter *Splitter) ReleaseOutput(handle Handle) error {
	out, ok := splitter.outputs[handle]
	if !ok {
		return ErrUnknownOutput
	}
	splitter.unsubscribe(handle, out)
	delete(splitter.outputs, handle)
	logger.Logkv(
		"event", eventSplitRelease,
		"stage", splitter.name,
		"output", handle,
		"message", "Output released",
	)
	return nil
}

func (splitter *Splitter) unsubscribe(handle Handle, out *output) {
	if out.subscribed {
		splitter.registry.Unsubscribe(out.pid, handle)
		out.subscribed = false
		splitter.active.Set(float64(splitter.registry.Active()))
	}
}

// Configure accepts stage.SetFlowDef only.
func (splitter *Splitter) Configure(command stage.Command) error {
	switch cmd := command.(type) {
	case stage.SetFlowDef:
		if err := stage.MatchFlowDef(cmd.Def); err != nil {
			splitter.ready = false
			logger.Logkv(
				"event", eventSplitError,
				"error", errorSplitFlowDef,
				"stage", splitter.name,
				"flowdef", cmd.Def,
				"message", fmt.Sprintf("Rejecting flow definition %s", cmd.Def),
			)
			return err
		}
		splitter.ready = true
		logger.Logkv(
			"event", eventSplitFlowDef,
			"stage", splitter.name,
			"flowdef", cmd.Def,
			"message", "Flow definition accepted",
		)
		return nil
	default:
		return fmt.Errorf("%v: %w", command, stage.ErrUnhandledCommand)
	}
}

// Handle dispatches a packet to the subscribers of its PID.
//
// Packets without subscribers are consumed. Packets too short to hold a
// header are dropped and reported. If duplication fails, the remaining
// subscribers get nothing and ErrResourceExhausted is returned; copies
// already handed out are not affected.
func (splitter *Splitter) Handle(packet mpegts.Packet) error {
	splitter.received.Inc()
	if !splitter.ready {
		splitter.drop("notready")
		logger.Logkv(
			"event", eventSplitError,
			"error", errorSplitNotReady,
			"stage", splitter.name,
			"message", "Dropping packet, no valid flow definition",
		)
		return stage.ErrFlowNotReady
	}
	header, err := mpegts.ParseHeader(packet)
	if err != nil {
		splitter.drop("header")
		logger.Logkv(
			"event", eventSplitError,
			"error", errorSplitHeader,
			"stage", splitter.name,
			"length", len(packet),
			"message", fmt.Sprintf("Cannot parse packet header: %v", err),
		)
		return err
	}
	subscribers := splitter.registry.Subscribers(header.Pid)
	last := len(subscribers) - 1
	for i, handle := range subscribers {
		out := splitter.outputs[handle]
		if i == last {
			out.sink.Send(packet)
			splitter.forwarded.Inc()
			break
		}
		dup, err := splitter.duplicate(packet)
		if err != nil || dup == nil {
			splitter.drop("duplicate")
			logger.Logkv(
				"event", eventSplitError,
				"error", errorSplitDuplicate,
				"stage", splitter.name,
				"pid", header.Pid,
				"subscriber", i,
				"message", fmt.Sprintf("Cannot duplicate packet: %v", err),
			)
			return fmt.Errorf("pid %d: %w", header.Pid, ErrResourceExhausted)
		}
		out.sink.Send(dup)
		splitter.forwarded.Inc()
	}
	return nil
}

func (splitter *Splitter) drop(reason string) {
	metricPacketsDropped.With(prometheus.Labels{"stage": splitter.name, "reason": reason}).Inc()
}
