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
	"fmt"
	"sync"
)

const (
	// queueSize is the maximum number of notifications to enqueue before we block
	queueSize int = 64
)

// stateChange encapsulates a state change notification
type stateChange struct {
	typ Type
	pid uint16
}

// Queue decouples PID state notifications from the packet path.
//
// Notifications are queued and handed to the registered handlers on a
// separate goroutine, in the order they were received.
type Queue struct {
	// lock protects running, the channels and the handler table
	lock sync.RWMutex
	// handlers contains all event handlers
	handlers map[Type]map[Handler]bool
	// notifier is the internal notification channel for the reporting thread
	notifier chan *stateChange
	// shutdown is the internal shutdown notifier
	shutdown chan struct{}
	// running tells if the notifier is currently active
	running bool
	// waiter allows waiting for shutdown
	waiter sync.WaitGroup
}

// NewQueue creates a new notification queue. Call Start to begin delivery.
func NewQueue() *Queue {
	return &Queue{
		handlers: make(map[Type]map[Handler]bool),
	}
}

// Start launches the delivery goroutine.
//
// To stop it, call Shutdown().
func (queue *Queue) Start() {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	if queue.running {
		logger.Logkv(
			"event", queueEventError,
			"error", queueErrorAlreadyRunning,
			"message", "Notification handler already running, won't start again",
		)
		return
	}
	logger.Logkv(
		"event", queueEventStarting,
		"message", "Starting notification handler",
	)
	queue.shutdown = make(chan struct{})
	queue.notifier = make(chan *stateChange, queueSize)
	queue.running = true
	queue.waiter.Add(1)
	go queue.run(queue.notifier, queue.shutdown)
}

// Shutdown stops the delivery goroutine and waits for it to finish.
// Notifications already queued are still delivered.
func (queue *Queue) Shutdown() {
	queue.lock.Lock()
	if !queue.running {
		queue.lock.Unlock()
		return
	}
	logger.Logkv(
		"event", queueEventStopping,
		"message", "Stopping notification handler",
	)
	queue.running = false
	close(queue.shutdown)
	queue.lock.Unlock()
	queue.waiter.Wait()
}

// run is the notification handling loop
func (queue *Queue) run(notifier <-chan *stateChange, shutdown <-chan struct{}) {
	defer queue.waiter.Done()
	logger.Logkv(
		"event", queueEventStarted,
		"message", "Notification handler started",
	)
	for {
		select {
		case <-shutdown:
			logger.Logkv(
				"event", queueEventDraining,
				"message", "Draining notification queue",
			)
			for {
				select {
				case message := <-notifier:
					queue.handle(message)
				default:
					logger.Logkv(
						"event", queueEventStopped,
						"message", "Stopped notification handler",
					)
					return
				}
			}
		case message := <-notifier:
			queue.handle(message)
		}
	}
}

// handle delivers a single message
func (queue *Queue) handle(message *stateChange) {
	logger.Logkv(
		"event", queueEventPid,
		"type", message.typ.String(),
		"pid", message.pid,
		"message", fmt.Sprintf("PID %d changed state: %s", message.pid, message.typ),
	)
	queue.lock.RLock()
	handlers := make([]Handler, 0, len(queue.handlers[message.typ]))
	for handler, ok := range queue.handlers[message.typ] {
		if ok {
			handlers = append(handlers, handler)
		}
	}
	queue.lock.RUnlock()
	for _, handler := range handlers {
		handler.HandleEvent(message.typ, message.pid)
	}
}

// RegisterEventHandler adds a handler for a notification type.
// Handlers can only be changed while the queue is stopped.
func (queue *Queue) RegisterEventHandler(typ Type, handler Handler) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	if queue.running {
		logger.Logkv(
			"event", queueEventError,
			"error", queueErrorRegister,
			"message", "Cannot register new handlers while the queue is running",
		)
		return
	}
	if _, ok := queue.handlers[typ]; !ok {
		queue.handlers[typ] = make(map[Handler]bool)
	}
	queue.handlers[typ][handler] = true
}

// UnregisterEventHandler removes a handler again.
func (queue *Queue) UnregisterEventHandler(typ Type, handler Handler) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	if queue.running {
		logger.Logkv(
			"event", queueEventError,
			"error", queueErrorRegister,
			"message", "Cannot unregister handlers while the queue is running",
		)
		return
	}
	if _, ok := queue.handlers[typ][handler]; !ok {
		logger.Logkv(
			"event", queueEventError,
			"error", queueErrorNotRegistered,
			"message", "Event handler wasn't registered",
		)
		return
	}
	delete(queue.handlers[typ], handler)
}

func (queue *Queue) NotifyPidSet(pid uint16) {
	queue.notify(&stateChange{typ: TypePidSet, pid: pid})
}

func (queue *Queue) NotifyPidUnset(pid uint16) {
	queue.notify(&stateChange{typ: TypePidUnset, pid: pid})
}

func (queue *Queue) notify(message *stateChange) {
	queue.lock.RLock()
	running, notifier, shutdown := queue.running, queue.notifier, queue.shutdown
	queue.lock.RUnlock()
	if !running {
		logger.Logkv(
			"event", queueEventError,
			"error", queueErrorNotRunning,
			"type", message.typ.String(),
			"pid", message.pid,
			"message", "Notification handler is not running, dropping notification",
		)
		return
	}
	select {
	case notifier <- message:
	case <-shutdown:
	}
}
