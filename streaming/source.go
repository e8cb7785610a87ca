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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/protocol"
	"github.com/onitake/tsgate/stage"
	"github.com/prometheus/client_golang/prometheus"
	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtLatency is the SRT receive latency in nanoseconds (120ms)
	srtLatency = 120_000_000
	// udpReadBuffer is the socket receive buffer size in packets
	udpReadBuffer = 1000
	// rtpLookahead is the RTP reordering window in datagrams
	rtpLookahead = 32
)

var (
	// ErrInvalidProtocol is returned when an unsupported URL scheme was specified.
	ErrInvalidProtocol = errors.New("tsgate: unsupported protocol")
	// ErrNoUrl is returned when the list of upstream URLs was empty
	ErrNoUrl = errors.New("tsgate: no parseable upstream URL")
	// ErrInvalidResponse is returned when an HTTP upstream sent an error status
	ErrInvalidResponse = errors.New("tsgate: unsupported response code")
)

var (
	metricSourceConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "source_connected",
			Help:      "Connection status, 0=disconnected 1=connected.",
		},
		[]string{"stream", "url"},
	)
	metricSourcePacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "source_packets_received",
			Help:      "Total number of TS packets received from upstream.",
		},
		[]string{"stream", "url"},
	)
)

func init() {
	metrics.MustRegister(metricSourceConnected)
	metrics.MustRegister(metricSourcePacketsReceived)
}

// StateListener is notified when a source starts and stops delivering packets.
type StateListener interface {
	// Connect is called before the first packet of a connection is sent.
	Connect() error
	// Close is called after the last packet of a connection was sent.
	Close() error
}

type dummyListener struct{}

func (dummyListener) Connect() error { return nil }
func (dummyListener) Close() error   { return nil }

// Source pulls a transport stream from one of several upstream URLs and
// pushes single TS packets into a sink.
//
// Supported URL schemes:
//
//	file:///path          regular file or named pipe
//	http://, https://     HTTP GET, the response body is the stream
//	tcp://host:port       raw TCP stream
//	unix:///path          stream domain socket
//	udp://host:port       datagrams, multicast groups are joined
//	rtp://host:port       MPEG-TS over RTP on UDP, reordered
//	srt://host:port       SRT caller, streamid from the query
//	exec:///path?arg=...  standard output of a child process
//
// If the connection is lost, the next URL is tried after Wait.
// The sink is called from the goroutine that runs Run.
type Source struct {
	// name is a unique name for this stream, only used for logging and metrics
	name string
	// urls is the list of upstream URLs, tried in order
	urls []*url.URL
	// sink receives all packets
	sink stage.Sink
	// connector is a network dialer for TCP and HTTP
	connector *net.Dialer
	// getter is a generic HTTP client
	getter *http.Client
	// Wait is the time before reconnecting a disconnected upstream.
	// This is a deadline: If a connection (or connection attempt) takes longer
	// than this duration, a reconnection is attempted immediately.
	// 0 disables reconnecting.
	Wait time.Duration
	// ReadTimeout is the timeout for individual packet reads
	ReadTimeout time.Duration
	// Timeout limits connection attempts
	Timeout time.Duration
	// interf denotes a specific network interface for multicast
	interf *net.Interface
	// packetSize defines the size of individual datagrams (UDP and SRT)
	packetSize int
	// listener is notified about connection state changes
	listener StateListener
	// connected is 1 while packets are flowing
	connected int32
}

// NewSource creates a source without connecting yet. Call Run to start streaming.
//
// URLs that cannot be parsed are logged and skipped.
func NewSource(name string, uris []string, sink stage.Sink, timeout time.Duration, packetSize int) (*Source, error) {
	urls := make([]*url.URL, 0, len(uris))
	for _, uri := range uris {
		parsed, err := url.Parse(uri)
		if err != nil {
			logger.Logkv(
				"event", eventSourceError,
				"error", errorSourceParse,
				"message", fmt.Sprintf("Error parsing URL %s: %s", uri, err),
			)
			continue
		}
		urls = append(urls, parsed)
	}
	if len(urls) < 1 {
		return nil, ErrNoUrl
	}
	if packetSize <= 0 {
		packetSize = 7 * mpegts.PacketSize
	}
	dialer := &net.Dialer{
		Timeout: timeout,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: timeout,
	}
	return &Source{
		name:      name,
		urls:      urls,
		sink:      sink,
		connector: dialer,
		getter: &http.Client{
			Transport: transport,
		},
		Timeout:    timeout,
		packetSize: packetSize,
		listener:   dummyListener{},
	}, nil
}

// SetStateListener adds a listener that will be notified when packets
// start and stop flowing. Only one listener is supported.
func (source *Source) SetStateListener(listener StateListener) {
	if listener == nil {
		listener = dummyListener{}
	}
	source.listener = listener
}

// SetInterface selects the network interface for multicast reception.
func (source *Source) SetInterface(name string) error {
	intf, err := net.InterfaceByName(name)
	if err != nil {
		logger.Logkv(
			"event", eventSourceError,
			"error", errorSourceInterface,
			"message", fmt.Sprintf("Error parsing network interface %s: %s", name, err),
		)
		return err
	}
	source.interf = intf
	return nil
}

// Connected returns true while packets are flowing.
func (source *Source) Connected() bool {
	return atomic.LoadInt32(&source.connected) != 0
}

// Run connects to the upstream URLs in turn and streams until ctx is
// cancelled. If Wait is 0, only one attempt is made and its error is
// returned. The end of a finite stream is not an error.
func (source *Source) Run(ctx context.Context) error {
	// deadline to avoid a busy loop, but still allow an immediate reconnect on loss
	deadline := time.Now().Add(source.Wait)
	next := 0
	for first := true; ; first = false {
		if !first {
			now := time.Now()
			if now.Before(deadline) {
				wait := deadline.Sub(now)
				logger.Logkv(
					"event", eventSourceRetry,
					"stream", source.name,
					"retry", wait.Seconds(),
					"message", fmt.Sprintf("Retrying after %0.0f seconds.", wait.Seconds()),
				)
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			deadline = time.Now().Add(source.Wait)
		}

		// pick the next server
		urly := source.urls[next]
		next = (next + 1) % len(source.urls)

		logger.Logkv(
			"event", eventSourceConnecting,
			"stream", source.name,
			"url", urly.String(),
		)
		err := source.start(ctx, urly)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && err != io.EOF {
			logger.Logkv(
				"event", eventSourceError,
				"error", errorSourceConnect,
				"stream", source.name,
				"url", urly.String(),
				"message", err.Error(),
			)
		}
		if source.Wait == 0 {
			logger.Logkv(
				"event", eventSourceOffline,
				"stream", source.name,
				"url", urly.String(),
				"message", "Reconnecting disabled. Stream will stay offline.",
			)
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// open connects to an upstream URL.
func (source *Source) open(ctx context.Context, urly *url.URL) (io.ReadCloser, error) {
	switch urly.Scheme {
	case "file":
		logger.Logkv(
			"event", eventSourceOpenPath,
			"path", urly.Path,
			"message", fmt.Sprintf("Opening %s.", urly.Path),
		)
		// O_RDWR prevents blocking on named pipes without a writer
		return os.OpenFile(urly.Path, os.O_RDWR, 0666)
	case "http", "https":
		logger.Logkv(
			"event", eventSourceOpenHttp,
			"url", urly.String(),
			"message", fmt.Sprintf("Connecting to %s.", urly),
		)
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, urly.String(), nil)
		if err != nil {
			return nil, err
		}
		response, err := source.getter.Do(request)
		if err != nil {
			return nil, err
		}
		if response.StatusCode != http.StatusOK {
			response.Body.Close()
			logger.Logkv(
				"event", eventSourceError,
				"error", errorSourceStatus,
				"url", urly.String(),
				"statuscode", response.StatusCode,
				"message", fmt.Sprintf("Upstream returned %s", response.Status),
			)
			return nil, fmt.Errorf("%s: %w", response.Status, ErrInvalidResponse)
		}
		return response.Body, nil
	case "tcp":
		logger.Logkv(
			"event", eventSourceOpenTcp,
			"host", urly.Host,
			"message", fmt.Sprintf("Connecting TCP socket to %s.", urly.Host),
		)
		return source.connector.DialContext(ctx, "tcp", urly.Host)
	case "unix":
		logger.Logkv(
			"event", eventSourceOpenDomain,
			"path", urly.Path,
			"message", fmt.Sprintf("Connecting domain socket to %s.", urly.Path),
		)
		return source.connector.DialContext(ctx, "unix", urly.Path)
	case "udp":
		conn, err := source.listenUdp(urly)
		if err != nil {
			return nil, err
		}
		return protocol.NewFixedReader(conn, source.packetSize), nil
	case "rtp":
		conn, err := source.listenUdp(urly)
		if err != nil {
			return nil, err
		}
		return protocol.NewRtpReader(conn, protocol.DefaultRtpPacketSize, rtpLookahead), nil
	case "srt":
		return source.openSrt(ctx, urly)
	case "exec":
		arguments := urly.Query()["arg"]
		logger.Logkv(
			"event", eventSourceOpenExec,
			"path", urly.Path,
			"arguments", arguments,
			"message", fmt.Sprintf("Starting %s.", urly.Path),
		)
		return protocol.NewForkReader(ctx, urly.Path, arguments)
	default:
		return nil, fmt.Errorf("%s: %w", urly.Scheme, ErrInvalidProtocol)
	}
}

// listenUdp opens a UDP socket and joins the multicast group if the
// address is one.
func (source *Source) listenUdp(urly *url.URL) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", urly.Host)
	if err != nil {
		return nil, err
	}
	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		logger.Logkv(
			"event", eventSourceOpenMulticast,
			"address", addr.String(),
			"message", fmt.Sprintf("Joining UDP multicast group %s on interface %v.", urly.Host, source.interf),
		)
		conn, err = net.ListenMulticastUDP("udp", source.interf, addr)
	} else {
		logger.Logkv(
			"event", eventSourceOpenUdp,
			"address", addr.String(),
			"message", fmt.Sprintf("Listening on UDP address %s.", addr),
		)
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(udpReadBuffer * mpegts.PacketSize); err != nil {
		logger.Logkv(
			"event", eventSourceError,
			"error", errorSourceSetBufferSize,
			"address", addr.String(),
			"message", fmt.Sprintf("Error setting read buffer size: %v (ignored)", err),
		)
	}
	return conn, nil
}

// openSrt dials an SRT listener. The streamid query parameter is passed
// on to the peer.
func (source *Source) openSrt(ctx context.Context, urly *url.URL) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency
	if streamID := urly.Query().Get("streamid"); streamID != "" {
		cfg.StreamID = streamID
	}
	logger.Logkv(
		"event", eventSourceOpenSrt,
		"host", urly.Host,
		"streamid", cfg.StreamID,
		"message", fmt.Sprintf("Connecting SRT caller to %s.", urly.Host),
	)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(urly.Host, cfg)
		ch <- dialResult{conn, err}
	}()
	var timeout <-chan time.Time
	if source.Timeout > 0 {
		timer := time.NewTimer(source.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	// close connections that complete after we gave up
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return protocol.NewFixedReader(res.conn, source.packetSize), nil
	case <-timeout:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", source.Timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// start connects the socket and streams until the connection is lost.
func (source *Source) start(ctx context.Context, urly *url.URL) error {
	input, err := source.open(ctx, urly)
	if err != nil {
		return err
	}
	// unblock pending reads on cancellation
	stop := context.AfterFunc(ctx, func() {
		input.Close()
	})
	defer stop()

	logger.Logkv(
		"event", eventSourcePull,
		"stream", source.name,
		"url", urly.String(),
		"message", fmt.Sprintf("Starting to pull stream %s.", urly),
	)
	err = source.pull(input, urly)
	logger.Logkv(
		"event", eventSourceClosed,
		"stream", source.name,
		"url", urly.String(),
		"message", fmt.Sprintf("Socket for stream %s closed", urly),
	)
	input.Close()
	source.logCounters(input, urly)
	return err
}

// logCounters reports reception problems of datagram based transports
func (source *Source) logCounters(input io.ReadCloser, urly *url.URL) {
	switch reader := input.(type) {
	case *protocol.FixedReader:
		if misaligned := atomic.LoadUint64(&reader.Misaligned); misaligned > 0 {
			logger.Logkv(
				"event", eventSourceMisaligned,
				"stream", source.name,
				"url", urly.String(),
				"datagrams", atomic.LoadUint64(&reader.Datagrams),
				"misaligned", misaligned,
				"message", "Received datagrams that don't contain whole TS packets",
			)
		}
	case *protocol.RtpReader:
		lost, late, invalid := atomic.LoadUint64(&reader.Lost), atomic.LoadUint64(&reader.Late), atomic.LoadUint64(&reader.Invalid)
		if lost > 0 || late > 0 || invalid > 0 {
			logger.Logkv(
				"event", eventSourceRtpLoss,
				"stream", source.name,
				"url", urly.String(),
				"datagrams", atomic.LoadUint64(&reader.Datagrams),
				"lost", lost,
				"late", late,
				"invalid", invalid,
				"message", "RTP reception was incomplete",
			)
		}
	}
}

// pull reads packets from input and sends them to the sink.
func (source *Source) pull(input io.ReadCloser, urly *url.URL) error {
	labels := prometheus.Labels{"stream": source.name, "url": urly.String()}
	received := metricSourcePacketsReceived.With(labels)
	started := false
	defer func() {
		if started {
			atomic.StoreInt32(&source.connected, 0)
			metricSourceConnected.With(labels).Set(0.0)
			source.listener.Close()
			logger.Logkv(
				"event", eventSourceStopped,
				"stream", source.name,
				"url", urly.String(),
			)
		}
	}()

	for {
		// close the connection when the read timer fires,
		// not all readers support deadlines
		var timer *time.Timer
		if source.ReadTimeout > 0 {
			timer = time.AfterFunc(source.ReadTimeout, func() {
				logger.Logkv(
					"event", eventSourceReadTimeout,
					"stream", source.name,
					"message", "Read timeout exceeded, closing connection",
				)
				input.Close()
			})
		}
		packet, err := mpegts.ReadPacket(input)
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
		if packet == nil {
			logger.Logkv(
				"event", eventSourceNoPacket,
				"stream", source.name,
				"url", urly.String(),
				"message", "No sync byte found, skipping data",
			)
			continue
		}
		if !started {
			started = true
			source.listener.Connect()
			atomic.StoreInt32(&source.connected, 1)
			metricSourceConnected.With(labels).Set(1.0)
			logger.Logkv(
				"event", eventSourceStarted,
				"stream", source.name,
				"url", urly.String(),
			)
		}
		received.Inc()
		source.sink.Send(packet)
	}
}
