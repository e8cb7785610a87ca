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

// Package pipeline assembles the processing chain from a configuration:
// an upstream source feeding an optional descrambler, followed by the PID
// splitter and one queued output per configured PID.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onitake/tsgate/api"
	"github.com/onitake/tsgate/auth"
	"github.com/onitake/tsgate/configuration"
	"github.com/onitake/tsgate/descramble"
	"github.com/onitake/tsgate/event"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/split"
	"github.com/onitake/tsgate/stage"
	"github.com/onitake/tsgate/streaming"
	"github.com/onitake/tsgate/util"
)

const (
	// inputName labels the source in logs and metrics
	inputName = "input"
	// descramblerName labels the descrambler stage
	descramblerName = "descramble"
	// splitterName labels the splitter stage
	splitterName = "split"
)

// route binds an output to the PID it wants.
// handle is only valid while Run is active.
type route struct {
	pid    uint16
	handle split.Handle
	output *streaming.Output
}

// Gateway owns the processing chain.
//
// Packets from the source and commands from the control API may arrive
// on different goroutines. A single lock serializes them, so a command
// always takes effect between two packets.
type Gateway struct {
	lock        sync.Mutex
	flowDef     string
	source      *streaming.Source
	descrambler *descramble.Descrambler
	whitelist   *descramble.PidSet
	splitter    *split.Splitter
	head        stage.Stage
	routes      []route
	queue       *event.Queue
}

// New builds a gateway from a parsed configuration.
// Nothing is connected until Run is called.
func New(config *configuration.Configuration) (*Gateway, error) {
	gateway := &Gateway{
		flowDef:  config.Input.FlowDef,
		splitter: split.New(splitterName),
		queue:    event.NewQueue(),
	}
	gateway.splitter.SetNotifier(gateway.queue)
	gateway.head = gateway.splitter

	for _, note := range config.Notifications {
		if err := gateway.addNotification(note, config.UserList); err != nil {
			return nil, err
		}
	}

	if config.Descrambler.Enabled {
		if err := gateway.addDescrambler(config.Descrambler); err != nil {
			return nil, err
		}
	}

	timeout := time.Duration(config.Input.Timeout) * time.Second
	for _, def := range config.Outputs {
		output, err := streaming.NewOutput(def.Name, def.Remote, int(def.Queue), timeout)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", def.Name, err)
		}
		logger.Logkv(
			"event", eventPipelineOutput,
			"output", def.Name,
			"pid", def.Pid,
			"remote", def.Remote,
			"message", fmt.Sprintf("Routing PID %d to %s", def.Pid, def.Remote),
		)
		gateway.routes = append(gateway.routes, route{
			pid:    def.Pid,
			output: output,
		})
	}

	remotes := config.Input.Remotes
	if config.Input.Shuffle {
		remotes = util.Shuffled(rand.New(rand.NewSource(time.Now().UnixNano())), remotes)
	}
	source, err := streaming.NewSource(inputName, remotes, gateway, timeout, int(config.Input.PacketSize))
	if err != nil {
		return nil, err
	}
	if config.Input.Interface != "" {
		if err := source.SetInterface(config.Input.Interface); err != nil {
			return nil, err
		}
	}
	source.Wait = time.Duration(config.Input.Reconnect) * time.Second
	source.ReadTimeout = time.Duration(config.Input.ReadTimeout) * time.Second
	source.SetStateListener(gateway)
	gateway.source = source

	logger.Logkv(
		"event", eventPipelineBuild,
		"remotes", remotes,
		"descrambler", gateway.descrambler != nil,
		"outputs", len(gateway.routes),
		"message", "Processing chain created",
	)
	return gateway, nil
}

func (gateway *Gateway) addNotification(note configuration.Notification, users map[string]configuration.UserCredentials) error {
	typ, err := event.ParseType(note.Event)
	if err != nil {
		return err
	}
	switch note.Type {
	case "url":
		authenticator := auth.NewAuthenticator(note.Authentication, users)
		userauth := auth.NewUserAuthenticator(note.Authentication, authenticator)
		handler, err := event.NewUrlHandler(note.Url, userauth)
		if err != nil {
			return fmt.Errorf("notification %s: %w", note.Url, err)
		}
		logger.Logkv(
			"event", eventPipelineNotify,
			"type", note.Event,
			"url", note.Url,
			"message", fmt.Sprintf("Sending %s notifications to %s", note.Event, note.Url),
		)
		gateway.queue.RegisterEventHandler(typ, handler)
	default:
		logger.Logkv(
			"event", eventPipelineError,
			"error", errorPipelineNotification,
			"type", note.Type,
			"message", fmt.Sprintf("Ignoring notification of unknown type %s", note.Type),
		)
	}
	return nil
}

func (gateway *Gateway) addDescrambler(config configuration.Descrambler) error {
	factory, err := descramble.LookupCipher(config.Cipher)
	if err != nil {
		return fmt.Errorf("descrambler: %w (available: %s)", err, strings.Join(descramble.Ciphers(), ", "))
	}
	gateway.whitelist = &descramble.PidSet{}
	for _, pid := range config.Pids {
		if err := gateway.whitelist.Add(pid); err != nil {
			return err
		}
	}
	gateway.descrambler = descramble.New(descramblerName, factory, stage.AsSink(gateway.splitter))
	gateway.descrambler.SetWhitelist(gateway.whitelist)
	if config.Key != "" {
		if err := gateway.descrambler.Configure(stage.SetKey{ControlWord: config.Key}); err != nil {
			return err
		}
	}
	gateway.head = gateway.descrambler
	return nil
}

// stages returns the stages in processing order
func (gateway *Gateway) stages() []stage.Stage {
	if gateway.descrambler != nil {
		return []stage.Stage{gateway.descrambler, gateway.splitter}
	}
	return []stage.Stage{gateway.splitter}
}

// Send feeds a packet into the chain. Implements stage.Sink.
func (gateway *Gateway) Send(packet mpegts.Packet) {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	// drops are counted and logged by the stages
	gateway.head.Handle(packet)
}

// Connect announces the input flow definition to all stages.
// Called by the source when packets start flowing.
func (gateway *Gateway) Connect() error {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	logger.Logkv(
		"event", eventPipelineConnect,
		"flowdef", gateway.flowDef,
		"message", "Upstream connected",
	)
	for _, s := range gateway.stages() {
		if err := s.Configure(stage.SetFlowDef{Def: gateway.flowDef}); err != nil {
			logger.Logkv(
				"event", eventPipelineError,
				"error", errorPipelineFlowDef,
				"flowdef", gateway.flowDef,
				"message", fmt.Sprintf("Input format rejected: %v", err),
			)
			return err
		}
	}
	return nil
}

// Close is called by the source when the upstream is lost.
func (gateway *Gateway) Close() error {
	logger.Logkv(
		"event", eventPipelineDisconnect,
		"message", "Upstream disconnected",
	)
	return nil
}

// Configure routes a control command to the stages that understand it.
// SetFlowDef goes to every stage, all other commands to the descrambler.
func (gateway *Gateway) Configure(command stage.Command) error {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	switch command.(type) {
	case stage.SetFlowDef:
		for _, s := range gateway.stages() {
			if err := s.Configure(command); err != nil {
				return err
			}
		}
		return nil
	default:
		if gateway.descrambler == nil {
			return fmt.Errorf("%v: %w", command, stage.ErrUnhandledCommand)
		}
		return gateway.descrambler.Configure(command)
	}
}

// Status takes a snapshot of the chain. Implements api.Gateway.
func (gateway *Gateway) Status() api.Status {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	status := api.Status{
		Connected: gateway.source.Connected(),
		Ready:     gateway.splitter.Ready(),
		Whitelist: []uint16{},
		Active:    gateway.splitter.ActivePids(),
	}
	if gateway.descrambler != nil {
		status.Descrambler = true
		status.Ready = status.Ready && gateway.descrambler.Ready()
		status.Key = gateway.descrambler.HasKey()
		status.Whitelist = gateway.whitelist.Pids()
	}
	return status
}

// Run subscribes the outputs, then streams until ctx is cancelled or the
// source gives up. Outputs are drained before Run returns, and so are
// pending notifications.
func (gateway *Gateway) Run(ctx context.Context) error {
	gateway.queue.Start()
	defer gateway.queue.Shutdown()

	gateway.subscribe()
	defer gateway.unsubscribe()

	logger.Logkv(
		"event", eventPipelineStart,
		"message", "Starting processing chain",
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	for _, r := range gateway.routes {
		output := r.output
		group.Go(func() error {
			return output.Run(ctx)
		})
	}
	group.Go(func() error {
		// the outputs have nothing left to do once the source is finished
		defer cancel()
		return gateway.source.Run(ctx)
	})
	err := group.Wait()

	logger.Logkv(
		"event", eventPipelineStop,
		"message", "Processing chain stopped",
	)
	return err
}

func (gateway *Gateway) subscribe() {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	for i := range gateway.routes {
		r := &gateway.routes[i]
		r.handle = gateway.splitter.NewOutput(r.output)
		if err := gateway.splitter.SetOutputPid(r.handle, r.pid); err != nil {
			logger.Logkv(
				"event", eventPipelineError,
				"error", errorPipelineSubscribe,
				"pid", r.pid,
				"message", fmt.Sprintf("Cannot subscribe to PID %d: %v", r.pid, err),
			)
		}
	}
}

func (gateway *Gateway) unsubscribe() {
	gateway.lock.Lock()
	defer gateway.lock.Unlock()
	for _, r := range gateway.routes {
		gateway.splitter.ReleaseOutput(r.handle)
	}
}
