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
	"github.com/onitake/tsgate/util"
)

const (
	moduleStreaming = "streaming"
	//
	eventSourceError         = "error"
	eventSourceRetry         = "retry"
	eventSourceConnecting    = "connecting"
	eventSourceOffline       = "offline"
	eventSourceStarted       = "started"
	eventSourceStopped       = "stopped"
	eventSourceOpenPath      = "open_path"
	eventSourceOpenHttp      = "open_http"
	eventSourceOpenTcp       = "open_tcp"
	eventSourceOpenDomain    = "open_domain"
	eventSourceOpenUdp       = "open_udp"
	eventSourceOpenMulticast = "open_multicast"
	eventSourceOpenSrt       = "open_srt"
	eventSourceOpenExec      = "open_exec"
	eventSourcePull          = "pull"
	eventSourceClosed        = "closed"
	eventSourceNoPacket      = "nopacket"
	eventSourceReadTimeout   = "read_timeout"
	eventSourceMisaligned    = "misaligned"
	eventSourceRtpLoss       = "rtp_loss"
	//
	errorSourceConnect       = "connect"
	errorSourceParse         = "parse"
	errorSourceInterface     = "interface"
	errorSourceSetBufferSize = "buffersize"
	errorSourceStatus        = "status"
	//
	eventOutputError   = "error"
	eventOutputOpen    = "open"
	eventOutputClosed  = "closed"
	eventOutputStopped = "stopped"
	//
	errorOutputOpen  = "open"
	errorOutputWrite = "write"
)

var logger util.Logger = util.NewGlobalModuleLogger(moduleStreaming, nil)
