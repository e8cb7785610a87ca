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

package descramble

import (
	"errors"
	"fmt"

	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/stage"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidAdaptationLength is returned for adaptation fields that
// would not leave room for a payload.
var ErrInvalidAdaptationLength = errors.New("tsgate: invalid adaptation field length")

var (
	metricPacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "descramble_packets_received",
			Help:      "Total number of TS packets received by the descrambler.",
		},
		[]string{"stage"},
	)
	metricPacketsDescrambled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "descramble_packets_descrambled",
			Help:      "Total number of TS packets that were descrambled.",
		},
		[]string{"stage"},
	)
	metricPacketsPassed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "descramble_packets_passed",
			Help:      "Total number of TS packets forwarded without modification.",
		},
		[]string{"stage"},
	)
	metricPacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "descramble_packets_dropped",
			Help:      "Total number of TS packets dropped by the descrambler.",
		},
		[]string{"stage", "reason"},
	)
	metricKeyChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "descramble_key_changes",
			Help:      "Total number of key updates, including failed ones and removals.",
		},
		[]string{"stage"},
	)
)

func init() {
	metrics.MustRegister(metricPacketsReceived)
	metrics.MustRegister(metricPacketsDescrambled)
	metrics.MustRegister(metricPacketsPassed)
	metrics.MustRegister(metricPacketsDropped)
	metrics.MustRegister(metricKeyChanges)
}

// Descrambler is a stage that descrambles TS packets with the even key.
//
// A packet is descrambled only if a key is set, its scrambling control is
// "even", it carries a payload and its PID is whitelisted. Everything else
// is forwarded untouched, including packets flagged with the odd key.
// Descrambled packets are copied first, so the input buffer is never
// modified.
//
// Descrambler is not safe for concurrent use. Wrap it with stage.Serialize
// if packets and configuration changes come from different goroutines.
type Descrambler struct {
	name      string
	keys      *KeyStore
	whitelist PidWhitelist
	sink      stage.Sink
	ready     bool
	// cached metric children
	received    prometheus.Counter
	descrambled prometheus.Counter
	passed      prometheus.Counter
	keyChanges  prometheus.Counter
}

// New creates a descrambler that builds keys with factory and forwards to sink.
// It starts with no key and an empty whitelist.
func New(name string, factory KeyFactory, sink stage.Sink) *Descrambler {
	if sink == nil {
		sink = stage.DiscardSink{}
	}
	return &Descrambler{
		name:        name,
		keys:        NewKeyStore(factory),
		whitelist:   &PidSet{},
		sink:        sink,
		ready:       true,
		received:    metricPacketsReceived.With(prometheus.Labels{"stage": name}),
		descrambled: metricPacketsDescrambled.With(prometheus.Labels{"stage": name}),
		passed:      metricPacketsPassed.With(prometheus.Labels{"stage": name}),
		keyChanges:  metricKeyChanges.With(prometheus.Labels{"stage": name}),
	}
}

// SetWhitelist replaces the whitelist. nil installs an empty PidSet.
func (descrambler *Descrambler) SetWhitelist(whitelist PidWhitelist) {
	if whitelist == nil {
		whitelist = &PidSet{}
	}
	descrambler.whitelist = whitelist
}

// Whitelist returns the current whitelist.
func (descrambler *Descrambler) Whitelist() PidWhitelist {
	return descrambler.whitelist
}

// HasKey tells if a key is active.
func (descrambler *Descrambler) HasKey() bool {
	return descrambler.keys.HasKey()
}

// Ready tells if the descrambler accepts packets.
func (descrambler *Descrambler) Ready() bool {
	return descrambler.ready
}

// Configure applies a control command.
func (descrambler *Descrambler) Configure(command stage.Command) error {
	switch cmd := command.(type) {
	case stage.SetFlowDef:
		if err := stage.MatchFlowDef(cmd.Def); err != nil {
			descrambler.ready = false
			logger.Logkv(
				"event", eventDescrambleError,
				"error", errorDescrambleFlowDef,
				"stage", descrambler.name,
				"flowdef", cmd.Def,
				"message", fmt.Sprintf("Rejecting flow definition %s", cmd.Def),
			)
			return err
		}
		descrambler.ready = true
		logger.Logkv(
			"event", eventDescrambleFlowDef,
			"stage", descrambler.name,
			"flowdef", cmd.Def,
			"message", "Flow definition accepted",
		)
		return nil
	case stage.SetKey:
		descrambler.keyChanges.Inc()
		if err := descrambler.keys.Set(cmd.ControlWord); err != nil {
			logger.Logkv(
				"event", eventDescrambleError,
				"error", errorDescrambleKey,
				"stage", descrambler.name,
				"message", fmt.Sprintf("Key rejected, descrambling disabled: %v", err),
			)
			return err
		}
		logger.Logkv(
			"event", eventDescrambleKey,
			"stage", descrambler.name,
			"message", "Key changed",
		)
		return nil
	case stage.ClearKey:
		descrambler.keyChanges.Inc()
		descrambler.keys.Clear()
		logger.Logkv(
			"event", eventDescrambleKey,
			"stage", descrambler.name,
			"message", "Key removed, descrambling disabled",
		)
		return nil
	case stage.AddPid:
		if err := descrambler.whitelist.Add(cmd.Pid); err != nil {
			logger.Logkv(
				"event", eventDescrambleError,
				"error", errorDescramblePid,
				"stage", descrambler.name,
				"pid", cmd.Pid,
				"message", fmt.Sprintf("Cannot add PID %d: %v", cmd.Pid, err),
			)
			return err
		}
		logger.Logkv(
			"event", eventDescramblePid,
			"stage", descrambler.name,
			"pid", cmd.Pid,
			"message", fmt.Sprintf("PID %d added to whitelist", cmd.Pid),
		)
		return nil
	case stage.RemovePid:
		descrambler.whitelist.Remove(cmd.Pid)
		logger.Logkv(
			"event", eventDescramblePid,
			"stage", descrambler.name,
			"pid", cmd.Pid,
			"message", fmt.Sprintf("PID %d removed from whitelist", cmd.Pid),
		)
		return nil
	default:
		return fmt.Errorf("%v: %w", command, stage.ErrUnhandledCommand)
	}
}

// Handle descrambles a packet if it qualifies and forwards it.
func (descrambler *Descrambler) Handle(packet mpegts.Packet) error {
	descrambler.received.Inc()
	if !descrambler.ready {
		descrambler.drop("notready")
		logger.Logkv(
			"event", eventDescrambleError,
			"error", errorDescrambleNotReady,
			"stage", descrambler.name,
			"message", "Dropping packet, no valid flow definition",
		)
		return stage.ErrFlowNotReady
	}
	header, err := mpegts.ParseHeader(packet)
	if err != nil {
		descrambler.drop("header")
		logger.Logkv(
			"event", eventDescrambleError,
			"error", errorDescrambleHeader,
			"stage", descrambler.name,
			"length", len(packet),
			"message", fmt.Sprintf("Cannot parse packet header: %v", err),
		)
		return err
	}
	key := descrambler.keys.Key()
	if key == nil ||
		header.Scrambling != mpegts.ScramblingEven ||
		!header.HasPayload ||
		!descrambler.whitelist.Contains(header.Pid) {
		descrambler.passed.Inc()
		descrambler.sink.Send(packet)
		return nil
	}
	if header.HasAdaptationField {
		length, err := mpegts.AdaptationLength(packet)
		if err != nil {
			return descrambler.dropAdaptation(header.Pid, err)
		}
		if length > mpegts.MaxAdaptationLength {
			descrambler.drop("adaptation")
			logger.Logkv(
				"event", eventDescrambleWarning,
				"error", errorDescrambleAdaptation,
				"stage", descrambler.name,
				"pid", header.Pid,
				"length", length,
				"message", fmt.Sprintf("Invalid adaptation field length %d", length),
			)
			return fmt.Errorf("pid %d length %d: %w", header.Pid, length, ErrInvalidAdaptationLength)
		}
	}
	offset, err := mpegts.PayloadOffset(packet, header)
	if err != nil {
		return descrambler.dropAdaptation(header.Pid, err)
	}
	out := packet.Clone()
	mpegts.SetScrambling(out, mpegts.ScramblingNone)
	key.Decrypt(out[offset:])
	descrambler.descrambled.Inc()
	descrambler.sink.Send(out)
	return nil
}

func (descrambler *Descrambler) dropAdaptation(pid uint16, err error) error {
	descrambler.drop("short")
	logger.Logkv(
		"event", eventDescrambleError,
		"error", errorDescrambleAdaptation,
		"stage", descrambler.name,
		"pid", pid,
		"message", fmt.Sprintf("Cannot read adaptation field: %v", err),
	)
	return err
}

func (descrambler *Descrambler) drop(reason string) {
	metricPacketsDropped.With(prometheus.Labels{"stage": descrambler.name, "reason": reason}).Inc()
}
