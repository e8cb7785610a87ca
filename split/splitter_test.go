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
	"bytes"
	"errors"
	"testing"

	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/stage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type collectSink struct {
	packets []mpegts.Packet
}

func (s *collectSink) Send(packet mpegts.Packet) {
	s.packets = append(s.packets, packet)
}

func makePacket(pid uint16) mpegts.Packet {
	packet := make(mpegts.Packet, mpegts.PacketSize)
	packet[0] = mpegts.SyncByte
	packet[1] = byte(pid>>8) & 0x1f
	packet[2] = byte(pid)
	packet[3] = 0x10
	for i := mpegts.HeaderSize; i < len(packet); i++ {
		packet[i] = byte(i)
	}
	return packet
}

func newReadySplitter(t *testing.T, name string) *Splitter {
	s := New(name)
	if err := s.Configure(stage.SetFlowDef{Def: stage.TsFlowDef}); err != nil {
		t.Fatalf("Cannot set flow definition: %v", err)
	}
	return s
}

func TestSplitterAllPids(t *testing.T) {
	s := newReadySplitter(t, "allpids")
	sink := &collectSink{}
	h := s.NewOutput(sink)
	for pid := uint16(0); pid < mpegts.PidCount; pid++ {
		if err := s.SetOutputPid(h, pid); err != nil {
			t.Fatalf("Cannot subscribe to PID %d: %v", pid, err)
		}
		s.Handle(makePacket(pid))
		if len(sink.packets) != 1 {
			t.Fatalf("PID %d: expected 1 forwarded packet, got %d", pid, len(sink.packets))
		}
		sink.packets = nil
		s.ReleaseOutput(h)
		s.Handle(makePacket(pid))
		if len(sink.packets) != 0 {
			t.Fatalf("PID %d: packet forwarded after unsubscribe", pid)
		}
		h = s.NewOutput(sink)
	}
}

func TestSplitterFanOut(t *testing.T) {
	s := newReadySplitter(t, "fanout")
	sinks := []*collectSink{{}, {}, {}}
	for _, sink := range sinks {
		s.SetOutputPid(s.NewOutput(sink), 0x100)
	}
	other := &collectSink{}
	s.SetOutputPid(s.NewOutput(other), 0x101)

	packet := makePacket(0x100)
	reference := packet.Clone()
	if err := s.Handle(packet); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	seen := make(map[*byte]bool)
	for i, sink := range sinks {
		if len(sink.packets) != 1 {
			t.Fatalf("Sink %d received %d packets", i, len(sink.packets))
		}
		if !bytes.Equal(sink.packets[0], reference) {
			t.Errorf("Sink %d received modified data", i)
		}
		if seen[&sink.packets[0][0]] {
			t.Errorf("Sink %d shares a buffer", i)
		}
		seen[&sink.packets[0][0]] = true
	}
	if &sinks[2].packets[0][0] != &packet[0] {
		t.Errorf("Last subscriber did not receive the original")
	}
	if len(other.packets) != 0 {
		t.Errorf("Packet leaked to another PID")
	}
}

func TestSplitterNoSubscribers(t *testing.T) {
	s := newReadySplitter(t, "nosubs")
	sink := &collectSink{}
	s.SetOutputPid(s.NewOutput(sink), 0x200)
	if err := s.Handle(makePacket(0x201)); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if len(sink.packets) != 0 {
		t.Errorf("Packet forwarded without subscriber")
	}
}

func TestSplitterNotReady(t *testing.T) {
	s := New("notready")
	sink := &collectSink{}
	s.SetOutputPid(s.NewOutput(sink), 0x100)
	if err := s.Handle(makePacket(0x100)); !errors.Is(err, stage.ErrFlowNotReady) {
		t.Errorf("t01: Expected ErrFlowNotReady, got %v", err)
	}
	if err := s.Configure(stage.SetFlowDef{Def: "block.mpegtsaligned."}); !errors.Is(err, stage.ErrInvalidFlowFormat) {
		t.Errorf("t02: Expected ErrInvalidFlowFormat, got %v", err)
	}
	s.Configure(stage.SetFlowDef{Def: stage.TsFlowDef})
	if err := s.Handle(makePacket(0x100)); err != nil {
		t.Errorf("t03: Unexpected error %v", err)
	}
	s.Configure(stage.SetFlowDef{Def: "void."})
	if err := s.Handle(makePacket(0x100)); !errors.Is(err, stage.ErrFlowNotReady) {
		t.Errorf("t04: Expected ErrFlowNotReady, got %v", err)
	}
	if len(sink.packets) != 1 {
		t.Errorf("Expected exactly one forwarded packet, got %d", len(sink.packets))
	}
	if err := s.Configure(stage.AddPid{Pid: 1}); !errors.Is(err, stage.ErrUnhandledCommand) {
		t.Errorf("t05: Expected ErrUnhandledCommand, got %v", err)
	}
}

func TestSplitterMalformed(t *testing.T) {
	s := newReadySplitter(t, "malformed")
	sink := &collectSink{}
	h := s.NewOutput(sink)
	s.SetOutputPid(h, 0)
	if err := s.Handle(mpegts.Packet{}); !errors.Is(err, mpegts.ErrShortBuffer) {
		t.Errorf("t01: Expected ErrShortBuffer for empty packet, got %v", err)
	}
	if err := s.Handle(nil); !errors.Is(err, mpegts.ErrShortBuffer) {
		t.Errorf("t02: Expected ErrShortBuffer for nil packet, got %v", err)
	}
	if err := s.Handle(mpegts.Packet{0x47, 0x01, 0x00}); !errors.Is(err, mpegts.ErrShortBuffer) {
		t.Errorf("t03: Expected ErrShortBuffer, got %v", err)
	}
	if v := testutil.ToFloat64(metricPacketsDropped.With(prometheus.Labels{"stage": "malformed", "reason": "header"})); v != 3 {
		t.Errorf("t04: Expected three header drops, got %v", v)
	}
	if len(sink.packets) != 0 {
		t.Errorf("t05: Malformed packets reached PID 0 subscriber: %d", len(sink.packets))
	}
}

func TestSplitterMoveOutput(t *testing.T) {
	n := newMockNotifier()
	s := newReadySplitter(t, "move")
	s.SetNotifier(n)
	sink := &collectSink{}
	h := s.NewOutput(sink)
	s.SetOutputPid(h, 0x10)
	s.SetOutputPid(h, 0x11)
	if n.set[0x10] != 1 || n.unset[0x10] != 1 || n.set[0x11] != 1 {
		t.Errorf("t01: Unexpected notifications set=%v unset=%v", n.set, n.unset)
	}
	if pid, ok := s.OutputPid(h); !ok || pid != 0x11 {
		t.Errorf("t02: Output on PID %d, %v", pid, ok)
	}
	if err := s.SetOutputPid(h, 0x2000); !errors.Is(err, mpegts.ErrInvalidPid) {
		t.Errorf("t03: Expected ErrInvalidPid, got %v", err)
	}
	if _, ok := s.OutputPid(h); ok {
		t.Errorf("t03: Output still subscribed after invalid PID")
	}
	if n.unset[0x11] != 1 {
		t.Errorf("t03: Old PID not released")
	}
	if err := s.SetOutputPid(Handle(999), 1); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("t04: Expected ErrUnknownOutput, got %v", err)
	}
	if err := s.ReleaseOutput(h); err != nil {
		t.Errorf("t05: Cannot release output: %v", err)
	}
	if err := s.ReleaseOutput(h); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("t06: Double release accepted")
	}
}

func TestSplitterDuplicateFailure(t *testing.T) {
	s := newReadySplitter(t, "dupfail")
	sinks := []*collectSink{{}, {}, {}}
	for _, sink := range sinks {
		s.SetOutputPid(s.NewOutput(sink), 0x100)
	}
	calls := 0
	s.SetDuplicator(func(packet mpegts.Packet) (mpegts.Packet, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("out of buffers")
		}
		return packet.Clone(), nil
	})
	if err := s.Handle(makePacket(0x100)); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("t01: Expected ErrResourceExhausted, got %v", err)
	}
	if len(sinks[0].packets) != 1 || len(sinks[1].packets) != 0 || len(sinks[2].packets) != 0 {
		t.Errorf("t01: Unexpected distribution %d/%d/%d", len(sinks[0].packets), len(sinks[1].packets), len(sinks[2].packets))
	}

	s.SetDuplicator(nil)
	if err := s.Handle(makePacket(0x100)); err != nil {
		t.Errorf("t02: Stage unusable after failure: %v", err)
	}
	for i, sink := range sinks {
		if len(sink.packets) == 0 {
			t.Errorf("t02: Sink %d received nothing", i)
		}
	}
}

func TestSplitterMetrics(t *testing.T) {
	s := newReadySplitter(t, "metrics")
	s.SetOutputPid(s.NewOutput(&collectSink{}), 0x100)
	s.SetOutputPid(s.NewOutput(&collectSink{}), 0x100)
	s.Handle(makePacket(0x100))
	if v := testutil.ToFloat64(s.received); v != 1 {
		t.Errorf("Expected 1 received, got %v", v)
	}
	if v := testutil.ToFloat64(s.forwarded); v != 2 {
		t.Errorf("Expected 2 forwarded, got %v", v)
	}
	if v := testutil.ToFloat64(s.active); v != 1 {
		t.Errorf("Expected 1 active PID, got %v", v)
	}
}
