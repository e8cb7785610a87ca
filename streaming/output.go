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

package streaming

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/mpegts"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// batchPackets is the maximum number of packets written at once,
	// 7 packets fill one standard UDP datagram
	batchPackets = 7
	// defaultOutputQueue is used when no queue size is configured
	defaultOutputQueue = 400
)

var (
	metricOutputPacketsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "output_packets_sent",
			Help:      "Total number of TS packets written to an output.",
		},
		[]string{"output"},
	)
	metricOutputPacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "output_packets_dropped",
			Help:      "Total number of TS packets dropped because the output queue was full or the write failed.",
		},
		[]string{"output"},
	)
)

func init() {
	metrics.MustRegister(metricOutputPacketsSent)
	metrics.MustRegister(metricOutputPacketsDropped)
}

// Output is a queued packet sink that writes to a destination URL.
//
// Send never blocks: when the queue is full, packets are dropped and
// counted. Packets are written by Run on its own goroutine, batched up to
// one UDP datagram.
//
// Supported URL schemes are udp://host:port, tcp://host:port and
// file:///path (appended to).
type Output struct {
	name  string
	url   *url.URL
	queue chan mpegts.Packet
	// connector is a network dialer for UDP and TCP
	connector *net.Dialer
	// Wait is the delay before reopening a failed destination
	Wait    time.Duration
	sent    prometheus.Counter
	dropped prometheus.Counter
}

// NewOutput creates an output that buffers up to qsize packets.
func NewOutput(name string, remote string, qsize int, timeout time.Duration) (*Output, error) {
	urly, err := url.Parse(remote)
	if err != nil {
		return nil, err
	}
	switch urly.Scheme {
	case "udp", "tcp", "file":
	default:
		return nil, fmt.Errorf("%s: %w", urly.Scheme, ErrInvalidProtocol)
	}
	if qsize <= 0 {
		qsize = defaultOutputQueue
	}
	return &Output{
		name:  name,
		url:   urly,
		queue: make(chan mpegts.Packet, qsize),
		connector: &net.Dialer{
			Timeout: timeout,
		},
		Wait:    time.Second,
		sent:    metricOutputPacketsSent.With(prometheus.Labels{"output": name}),
		dropped: metricOutputPacketsDropped.With(prometheus.Labels{"output": name}),
	}, nil
}

// Send enqueues a packet. Implements stage.Sink.
func (output *Output) Send(packet mpegts.Packet) {
	select {
	case output.queue <- packet:
	default:
		output.dropped.Inc()
	}
}

// open connects to the destination
func (output *Output) open(ctx context.Context) (io.WriteCloser, error) {
	logger.Logkv(
		"event", eventOutputOpen,
		"output", output.name,
		"url", output.url.String(),
		"message", fmt.Sprintf("Opening output %s", output.url),
	)
	switch output.url.Scheme {
	case "udp", "tcp":
		return output.connector.DialContext(ctx, output.url.Scheme, output.url.Host)
	default:
		return os.OpenFile(output.url.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	}
}

// Run writes queued packets until ctx is cancelled. Packets still queued
// at that point are written out before Run returns.
//
// Failed destinations are reopened after Wait; packets that arrive in the
// meantime are dropped.
func (output *Output) Run(ctx context.Context) error {
	buffer := make([]byte, 0, batchPackets*mpegts.PacketSize)
	for {
		writer, err := output.open(ctx)
		if err == nil {
			err = output.serve(ctx, writer, buffer)
			writer.Close()
			if err == nil {
				logger.Logkv(
					"event", eventOutputStopped,
					"output", output.name,
					"url", output.url.String(),
				)
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Logkv(
			"event", eventOutputError,
			"error", errorOutputOpen,
			"output", output.name,
			"url", output.url.String(),
			"message", fmt.Sprintf("Output failed, reopening in %s: %v", output.Wait, err),
		)
		timer := time.NewTimer(output.Wait)
		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-output.queue:
				output.dropped.Inc()
			case <-timer.C:
				waiting = false
			}
		}
	}
}

// serve copies packets to writer. It returns nil when ctx is cancelled and
// the queue is drained, or the first write error.
func (output *Output) serve(ctx context.Context, writer io.Writer, buffer []byte) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case packet := <-output.queue:
					if err := output.write(writer, append(buffer[:0], packet...), 1); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		case packet := <-output.queue:
			buffer = append(buffer[:0], packet...)
			count := 1
			// batch up whatever is already waiting
			for gather := true; gather && count < batchPackets; {
				select {
				case more := <-output.queue:
					buffer = append(buffer, more...)
					count++
				default:
					gather = false
				}
			}
			if err := output.write(writer, buffer, count); err != nil {
				return err
			}
		}
	}
}

func (output *Output) write(writer io.Writer, data []byte, count int) error {
	if _, err := writer.Write(data); err != nil {
		output.dropped.Add(float64(count))
		logger.Logkv(
			"event", eventOutputError,
			"error", errorOutputWrite,
			"output", output.name,
			"message", fmt.Sprintf("Write failed: %v", err),
		)
		return err
	}
	output.sent.Add(float64(count))
	return nil
}
