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

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type mockHandler struct {
	lock   sync.Mutex
	Set    *sync.WaitGroup
	Unset  *sync.WaitGroup
	events []string
}

func (h *mockHandler) HandleEvent(typ Type, pid uint16) {
	h.lock.Lock()
	h.events = append(h.events, typ.String())
	h.lock.Unlock()
	switch typ {
	case TypePidSet:
		h.Set.Done()
	case TypePidUnset:
		h.Unset.Done()
	}
}

func TestQueueLifecycle(t *testing.T) {
	// t00: start and stop
	c00 := NewQueue()
	c00.Start()
	c00.Shutdown()

	// t01: double start
	c01 := NewQueue()
	c01.Start()
	c01.Start()
	c01.Shutdown()

	// t02: restart
	c02 := NewQueue()
	c02.Start()
	c02.Shutdown()
	c02.Start()
	c02.Shutdown()

	// t03: shutdown without start, notify while stopped
	c03 := NewQueue()
	c03.Shutdown()
	c03.NotifyPidSet(1)
}

func TestQueueDelivery(t *testing.T) {
	c := NewQueue()
	h := &mockHandler{
		Set:   &sync.WaitGroup{},
		Unset: &sync.WaitGroup{},
	}
	h.Set.Add(2)
	h.Unset.Add(1)
	c.RegisterEventHandler(TypePidSet, h)
	c.RegisterEventHandler(TypePidUnset, h)
	c.Start()
	c.NotifyPidSet(256)
	c.NotifyPidUnset(256)
	c.NotifyPidSet(257)
	h.Set.Wait()
	h.Unset.Wait()
	c.Shutdown()
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.events) != 3 || h.events[0] != "pid_set" || h.events[1] != "pid_unset" || h.events[2] != "pid_set" {
		t.Errorf("Unexpected event order: %v", h.events)
	}
}

func TestQueueDrainOnShutdown(t *testing.T) {
	c := NewQueue()
	h := &mockHandler{
		Set:   &sync.WaitGroup{},
		Unset: &sync.WaitGroup{},
	}
	h.Set.Add(10)
	c.RegisterEventHandler(TypePidSet, h)
	c.Start()
	for i := 0; i < 10; i++ {
		c.NotifyPidSet(uint16(i))
	}
	c.Shutdown()
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.events) != 10 {
		t.Errorf("Expected 10 delivered events, got %d", len(h.events))
	}
}

func TestQueueRegisterWhileRunning(t *testing.T) {
	c := NewQueue()
	c.Start()
	c.RegisterEventHandler(TypePidSet, HandlerFunc(func(Type, uint16) {
		t.Error("Handler registered while running was called")
	}))
	c.NotifyPidSet(1)
	c.Shutdown()
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType("pid_set"); err != nil || typ != TypePidSet {
		t.Errorf("t01: Got %v, %v", typ, err)
	}
	if typ, err := ParseType("pid_unset"); err != nil || typ != TypePidUnset {
		t.Errorf("t02: Got %v, %v", typ, err)
	}
	if _, err := ParseType("limit_hit"); err == nil {
		t.Errorf("t03: Unknown type accepted")
	}
}

func TestUrlHandler(t *testing.T) {
	queries := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query().Get("event") + "/" + r.URL.Query().Get("pid") + "/" + r.URL.Query().Get("token")
	}))
	defer server.Close()

	h, err := NewUrlHandler(server.URL+"/notify?token=abc", nil)
	if err != nil {
		t.Fatalf("Cannot create handler: %v", err)
	}
	h.HandleEvent(TypePidUnset, 4097)
	if q := <-queries; q != "pid_unset/4097/abc" {
		t.Errorf("Unexpected query: %s", q)
	}
}
