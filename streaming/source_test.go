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

package streaming

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onitake/tsgate/mpegts"
	srtgo "github.com/zsiec/srtgo"
)

type collectSink struct {
	lock    sync.Mutex
	packets []mpegts.Packet
}

func (s *collectSink) Send(packet mpegts.Packet) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.packets = append(s.packets, packet)
}

func (s *collectSink) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.packets)
}

type countingListener struct {
	connects int
	closes   int
}

func (l *countingListener) Connect() error {
	l.connects++
	return nil
}

func (l *countingListener) Close() error {
	l.closes++
	return nil
}

func makeStream(count int) []byte {
	stream := make([]byte, 0, count*mpegts.PacketSize)
	for i := 0; i < count; i++ {
		packet := make([]byte, mpegts.PacketSize)
		packet[0] = mpegts.SyncByte
		packet[1] = 0x01
		packet[3] = 0x10 | byte(i&0xf)
		stream = append(stream, packet...)
	}
	return stream
}

func TestSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.ts")
	// 3 bytes of garbage in front of the first packet
	data := append([]byte{1, 2, 3}, makeStream(4)...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{}
	listener := &countingListener{}
	source, err := NewSource("file", []string{"file://" + path}, sink, time.Second, 0)
	if err != nil {
		t.Fatalf("Cannot create source: %v", err)
	}
	source.SetStateListener(listener)
	if err := source.Run(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if sink.count() != 4 {
		t.Errorf("Expected 4 packets, got %d", sink.count())
	}
	if listener.connects != 1 || listener.closes != 1 {
		t.Errorf("Unexpected listener calls: %d connects, %d closes", listener.connects, listener.closes)
	}
	if source.Connected() {
		t.Errorf("Source still connected")
	}
}

func TestSourceTcp(t *testing.T) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	go func() {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		conn.Write(makeStream(10))
		conn.Close()
	}()
	sink := &collectSink{}
	source, _ := NewSource("tcp", []string{"tcp://" + server.Addr().String()}, sink, time.Second, 0)
	if err := source.Run(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if sink.count() != 10 {
		t.Errorf("Expected 10 packets, got %d", sink.count())
	}
}

func TestSourceHttp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mpeg")
		w.Write(makeStream(5))
	}))
	defer server.Close()

	sink := &collectSink{}
	s01, _ := NewSource("http", []string{server.URL + "/stream"}, sink, time.Second, 0)
	if err := s01.Run(context.Background()); err != nil {
		t.Errorf("t01: Unexpected error: %v", err)
	}
	if sink.count() != 5 {
		t.Errorf("t01: Expected 5 packets, got %d", sink.count())
	}

	s02, _ := NewSource("http", []string{server.URL + "/missing"}, sink, time.Second, 0)
	if err := s02.Run(context.Background()); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("t02: Expected ErrInvalidResponse, got %v", err)
	}
}

func TestSourceErrors(t *testing.T) {
	if _, err := NewSource("none", []string{"%zz"}, nil, 0, 0); !errors.Is(err, ErrNoUrl) {
		t.Errorf("t01: Expected ErrNoUrl, got %v", err)
	}
	source, _ := NewSource("gopher", []string{"gopher://localhost"}, &collectSink{}, 0, 0)
	if err := source.Run(context.Background()); !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("t02: Expected ErrInvalidProtocol, got %v", err)
	}
}

func TestSourceCancel(t *testing.T) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	release := make(chan struct{})
	go func() {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		conn.Write(makeStream(1))
		<-release
		conn.Close()
	}()
	defer close(release)
	sink := &collectSink{}
	source, _ := NewSource("cancel", []string{"tcp://" + server.Addr().String()}, sink, time.Second, 0)
	source.Wait = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- source.Run(ctx)
	}()
	for sink.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Source did not stop after cancellation")
	}
}

func TestSourceRtp(t *testing.T) {
	addr := freeUdpAddr(t)

	sink := &collectSink{}
	source, _ := NewSource("rtp", []string{"rtp://" + addr}, sink, time.Second, 0)
	source.Wait = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- source.Run(ctx)
	}()

	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	payload := makeStream(7)
	deadline := time.Now().Add(5 * time.Second)
	for seq := uint16(0); sink.count() < 14 && time.Now().Before(deadline); seq++ {
		datagram := []byte{0x80, 33, byte(seq >> 8), byte(seq), 0, 0, 0, 0, 0, 0, 0, 1}
		conn.Write(append(datagram, payload...))
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if sink.count() < 14 {
		t.Errorf("Expected at least 14 packets, got %d", sink.count())
	}
}

// freeUdpAddr reserves a local UDP port and releases it again
func freeUdpAddr(t *testing.T) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestSourceSrt(t *testing.T) {
	addr := freeUdpAddr(t)
	listener, err := srtgo.Listen(addr, srtgo.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	streamids := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		streamids <- conn.StreamID()
		chunk := makeStream(7)
		for i := 0; i < 4; i++ {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(time.Second)
	}()

	sink := &collectSink{}
	source, _ := NewSource("srt", []string{"srt://" + addr + "?streamid=feed"}, sink, 5*time.Second, 0)
	source.Wait = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- source.Run(ctx)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < 14 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	select {
	case id := <-streamids:
		if id != "feed" {
			t.Errorf("t01: Expected stream id feed, got %q", id)
		}
	default:
		t.Error("t01: Listener never accepted a caller")
	}
	if sink.count() < 14 {
		t.Errorf("t02: Expected at least 14 packets, got %d", sink.count())
	}
}

func TestSourceExec(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	path := filepath.Join(t.TempDir(), "input.ts")
	if err := os.WriteFile(path, makeStream(5), 0644); err != nil {
		t.Fatal(err)
	}
	remote := (&url.URL{Scheme: "exec", Path: cat, RawQuery: url.Values{"arg": {path}}.Encode()}).String()
	sink := &collectSink{}
	source, err := NewSource("exec", []string{remote}, sink, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := source.Run(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if sink.count() != 5 {
		t.Errorf("Expected 5 packets, got %d", sink.count())
	}
}
