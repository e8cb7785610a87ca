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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/onitake/tsgate/configuration"
	"github.com/onitake/tsgate/descramble"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/stage"
)

// invertCipher flips every payload bit
type invertCipher struct{}

func (invertCipher) Decrypt(data []byte) {
	for i := range data {
		data[i] = ^data[i]
	}
}

func init() {
	descramble.RegisterCipher("invert", func(descramble.ControlWord) (descramble.Cipher, error) {
		return invertCipher{}, nil
	})
}

func makePacket(pid uint16, byte3 byte, seq byte) mpegts.Packet {
	packet := make(mpegts.Packet, mpegts.PacketSize)
	packet[0] = mpegts.SyncByte
	packet[1] = byte(pid>>8) & 0x1f
	packet[2] = byte(pid)
	packet[3] = byte3
	for i := mpegts.HeaderSize; i < len(packet); i++ {
		packet[i] = seq + byte(i)
	}
	return packet
}

func loadConfig(t *testing.T, format string, args ...interface{}) *configuration.Configuration {
	config, err := configuration.LoadConfigurationBytes([]byte(fmt.Sprintf(format, args...)))
	if err != nil {
		t.Fatalf("Invalid configuration: %v", err)
	}
	return config
}

type eventRecorder struct {
	lock   sync.Mutex
	events []string
}

func (r *eventRecorder) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	r.lock.Lock()
	r.events = append(r.events, request.URL.Query().Get("event")+":"+request.URL.Query().Get("pid"))
	r.lock.Unlock()
}

func (r *eventRecorder) sorted() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	events := append([]string{}, r.events...)
	sort.Strings(events)
	return events
}

func readOutput(t *testing.T, path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Cannot read output %s: %v", path, err)
	}
	return data
}

func TestGatewayFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.ts")

	var stream bytes.Buffer
	var scrambled, clear []mpegts.Packet
	for i := byte(0); i < 3; i++ {
		p := makePacket(0x100, 0x90|i, i)
		scrambled = append(scrambled, p)
		stream.Write(p)
		c := makePacket(0x101, 0x90|i, i)
		clear = append(clear, c)
		stream.Write(c)
		stream.Write(makePacket(0x200, 0x10|i, i))
	}
	if err := os.WriteFile(input, stream.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	recorder := &eventRecorder{}
	server := httptest.NewServer(recorder)
	defer server.Close()

	config := loadConfig(t, `{
		"input": { "remote": "file://%s", "reconnect": 0 },
		"descrambler": { "enabled": true, "cipher": "invert", "key": "0011223344556677", "pids": [256] },
		"outputs": [
			{ "name": "a", "pid": 256, "remote": "file://%s" },
			{ "name": "b", "pid": 256, "remote": "file://%s" },
			{ "name": "c", "pid": 257, "remote": "file://%s" }
		],
		"notifications": [
			{ "event": "pid_set", "type": "url", "url": "%s/notify" },
			{ "event": "pid_unset", "type": "url", "url": "%s/notify" }
		]
	}`, input, filepath.Join(dir, "a.ts"), filepath.Join(dir, "b.ts"), filepath.Join(dir, "c.ts"), server.URL, server.URL)

	gateway, err := New(config)
	if err != nil {
		t.Fatalf("Cannot build gateway: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var expected bytes.Buffer
	for _, p := range scrambled {
		d := p.Clone()
		d[3] &^= 0xc0
		for i := mpegts.HeaderSize; i < len(d); i++ {
			d[i] = ^d[i]
		}
		expected.Write(d)
	}
	for _, name := range []string{"a.ts", "b.ts"} {
		if got := readOutput(t, filepath.Join(dir, name)); !bytes.Equal(got, expected.Bytes()) {
			t.Errorf("t01: %s does not contain the descrambled packets (%d bytes)", name, len(got))
		}
	}

	expected.Reset()
	for _, p := range clear {
		expected.Write(p)
	}
	if got := readOutput(t, filepath.Join(dir, "c.ts")); !bytes.Equal(got, expected.Bytes()) {
		t.Errorf("t02: c.ts was modified or incomplete (%d bytes)", len(got))
	}

	events := recorder.sorted()
	want := []string{"pid_set:256", "pid_set:257", "pid_unset:256", "pid_unset:257"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("t03: Unexpected notifications %v, expected %v", events, want)
	}

	status := gateway.Status()
	if status.Connected || !status.Ready || !status.Descrambler || !status.Key {
		t.Errorf("t04: Unexpected status %+v", status)
	}
	if len(status.Whitelist) != 1 || status.Whitelist[0] != 256 || len(status.Active) != 0 {
		t.Errorf("t05: Unexpected PID lists %+v", status)
	}
}

func TestGatewayConfigure(t *testing.T) {
	plain, err := New(loadConfig(t, `{ "input": { "remote": "file:///nonexistent" } }`))
	if err != nil {
		t.Fatalf("Cannot build gateway: %v", err)
	}
	if err := plain.Configure(stage.AddPid{Pid: 256}); !errors.Is(err, stage.ErrUnhandledCommand) {
		t.Errorf("t01: Expected unhandled command, got %v", err)
	}
	if status := plain.Status(); status.Ready || status.Descrambler || status.Whitelist == nil {
		t.Errorf("t02: Unexpected status %+v", status)
	}
	if err := plain.Configure(stage.SetFlowDef{Def: stage.TsFlowDef}); err != nil {
		t.Errorf("t03: Flow definition rejected: %v", err)
	}
	if !plain.Status().Ready {
		t.Errorf("t04: Gateway not ready after flow definition")
	}
	if err := plain.Configure(stage.SetFlowDef{Def: "block.aac."}); !errors.Is(err, stage.ErrInvalidFlowFormat) {
		t.Errorf("t05: Expected invalid flow format, got %v", err)
	}
	if plain.Status().Ready {
		t.Errorf("t06: Gateway still ready after bad flow definition")
	}

	gateway, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"descrambler": { "enabled": true, "cipher": "null" }
	}`))
	if err != nil {
		t.Fatalf("Cannot build gateway: %v", err)
	}
	if status := gateway.Status(); !status.Descrambler || status.Key || len(status.Whitelist) != 0 {
		t.Errorf("t07: Unexpected status %+v", status)
	}
	if err := gateway.Configure(stage.AddPid{Pid: 0x100}); err != nil {
		t.Errorf("t08: AddPid failed: %v", err)
	}
	if err := gateway.Configure(stage.SetKey{ControlWord: "0011223344556677"}); err != nil {
		t.Errorf("t09: SetKey failed: %v", err)
	}
	if status := gateway.Status(); !status.Key || len(status.Whitelist) != 1 {
		t.Errorf("t10: Unexpected status %+v", status)
	}
	if err := gateway.Configure(stage.SetKey{ControlWord: "bad"}); !errors.Is(err, descramble.ErrInvalidKeyFormat) {
		t.Errorf("t11: Expected invalid key, got %v", err)
	}
	if gateway.Status().Key {
		t.Errorf("t12: Key still active after rejected control word")
	}
	gateway.Configure(stage.RemovePid{Pid: 0x100})
	if len(gateway.Status().Whitelist) != 0 {
		t.Errorf("t13: PID not removed")
	}
}

func TestGatewayErrors(t *testing.T) {
	if _, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"descrambler": { "enabled": true, "cipher": "nonexistent" }
	}`)); !errors.Is(err, descramble.ErrUnknownCipher) {
		t.Errorf("t01: Expected unknown cipher, got %v", err)
	}
	if _, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"descrambler": { "enabled": true }
	}`)); err != nil {
		t.Errorf("t01: Default cipher rejected: %v", err)
	}
	if _, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"descrambler": { "enabled": true, "cipher": "null", "key": "xyz" }
	}`)); !errors.Is(err, descramble.ErrInvalidKeyFormat) {
		t.Errorf("t02: Expected invalid key, got %v", err)
	}
	if _, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"notifications": [ { "event": "stream_up", "type": "url", "url": "http://localhost/" } ]
	}`)); err == nil {
		t.Errorf("t03: Unknown notification event accepted")
	}
	if _, err := New(loadConfig(t, `{
		"input": { "remote": "file:///nonexistent" },
		"outputs": [ { "pid": 256, "remote": "http://localhost/" } ]
	}`)); err == nil {
		t.Errorf("t04: Unsupported output scheme accepted")
	}
}

func TestGatewayCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		// hold the connection open without sending anything
		defer conn.Close()
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	gateway, err := New(loadConfig(t, `{ "input": { "remote": "tcp://%s" } }`, listener.Addr()))
	if err != nil {
		t.Fatalf("Cannot build gateway: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- gateway.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
