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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/onitake/tsgate/auth"
	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/mpegts"
	"github.com/onitake/tsgate/stage"
)

// Status is a snapshot of the processing chain.
type Status struct {
	// Connected is true while the upstream delivers packets
	Connected bool `json:"connected"`
	// Ready is true if all stages accept packets
	Ready bool `json:"ready"`
	// Descrambler is true if a descrambler is configured
	Descrambler bool `json:"descrambler"`
	// Key is true if a descrambling key is active
	Key bool `json:"key"`
	// Whitelist lists the PIDs eligible for descrambling
	Whitelist []uint16 `json:"whitelist"`
	// Active lists the PIDs that have at least one output
	Active []uint16 `json:"active"`
}

// Gateway is the control surface of a running processing chain.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Configure sends a command to the stage that handles it.
	Configure(command stage.Command) error
	// Status returns the current state.
	Status() Status
}

// writeJson sends v as a JSON response with the given status code
func writeJson(writer http.ResponseWriter, status int, v interface{}) {
	response, err := json.Marshal(v)
	if err != nil {
		writer.WriteHeader(http.StatusInternalServerError)
		writer.Write([]byte(http.StatusText(http.StatusInternalServerError)))
		logger.Logkv(
			"event", eventApiError,
			"error", errorApiJsonEncode,
			"message", err.Error(),
		)
		return
	}
	writer.WriteHeader(status)
	writer.Write(response)
}

// writeText sends a plain status line like "202 accepted"
func writeText(writer http.ResponseWriter, status int) {
	writer.WriteHeader(status)
	writer.Write([]byte(fmt.Sprintf("%d %s", status, http.StatusText(status))))
}

// commandStatus maps a configuration error to an HTTP status code
func commandStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, stage.ErrUnhandledCommand):
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

// configure applies a command and logs the outcome
func configure(gateway Gateway, command stage.Command, request *http.Request) int {
	err := gateway.Configure(command)
	if err != nil {
		logger.Logkv(
			"event", eventApiError,
			"error", errorApiCommand,
			"command", command.String(),
			"client", request.RemoteAddr,
			"message", err.Error(),
		)
	} else {
		logger.Logkv(
			"event", eventApiCommand,
			"command", command.String(),
			"client", request.RemoteAddr,
		)
	}
	return commandStatus(err)
}

// healthApi reports the state of the processing chain.
type healthApi struct {
	gateway Gateway
	// auth is an authentication verifier for client requests
	auth auth.Authenticator
}

// NewHealthApi creates a new health API object.
//
// The response is a JSON object with a "status" field that is "ok" when
// packets are flowing, "offline" when the upstream is disconnected and
// "notready" when a stage rejected its flow definition. The remaining
// fields are those of Status.
func NewHealthApi(gateway Gateway, auth auth.Authenticator) http.Handler {
	return &healthApi{
		gateway: gateway,
		auth:    auth,
	}
}

func (api *healthApi) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	// set the content type for all responses
	writer.Header().Add("Content-Type", "application/json")

	// fail-fast: verify that this user can access this resource first
	if !auth.HandleHttpAuthentication(api.auth, request, writer) {
		return
	}

	response := healthResponse{
		Status: api.gateway.Status(),
	}
	switch {
	case !response.Ready:
		response.State = "notready"
	case !response.Connected:
		response.State = "offline"
	default:
		response.State = "ok"
	}
	writeJson(writer, http.StatusOK, &response)
}

type healthResponse struct {
	State string `json:"status"`
	Status
}

// keyApi sets or clears the descrambling key.
type keyApi struct {
	gateway Gateway
	// auth is an authentication verifier for client requests
	auth auth.Authenticator
}

// NewKeyApi creates a key control API object.
//
// The "set" parameter (query string or POST form) installs a new control
// word of 16 hex digits, "clear" removes the key. A rejected control word
// leaves the descrambler without a key. Only POST requests are accepted,
// so keys don't end up in access logs by accident.
func NewKeyApi(gateway Gateway, auth auth.Authenticator) http.Handler {
	return &keyApi{
		gateway: gateway,
		auth:    auth,
	}
}

func (api *keyApi) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	// set the content type for all responses
	writer.Header().Add("Content-Type", "text/plain")

	// fail-fast: verify that this user can access this resource first
	if !auth.HandleHttpAuthentication(api.auth, request, writer) {
		return
	}

	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writeText(writer, http.StatusMethodNotAllowed)
		return
	}
	if err := request.ParseForm(); err != nil {
		writeText(writer, http.StatusBadRequest)
		return
	}
	if _, ok := request.Form["clear"]; ok {
		writeText(writer, configure(api.gateway, stage.ClearKey{}, request))
	} else if cw, ok := request.Form["set"]; ok && len(cw) > 0 {
		writeText(writer, configure(api.gateway, stage.SetKey{ControlWord: cw[0]}, request))
	} else {
		writeText(writer, http.StatusBadRequest)
	}
}

// pidApi manages the descrambling whitelist.
type pidApi struct {
	gateway Gateway
	// auth is an authentication verifier for client requests
	auth auth.Authenticator
}

// NewPidApi creates a whitelist control API object.
//
// A GET request without parameters returns the whitelist and the active
// PIDs as JSON. The "add" and "remove" parameters take a decimal or
// 0x-prefixed hexadecimal PID and change the whitelist.
func NewPidApi(gateway Gateway, auth auth.Authenticator) http.Handler {
	return &pidApi{
		gateway: gateway,
		auth:    auth,
	}
}

func (api *pidApi) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	// fail-fast: verify that this user can access this resource first
	if !auth.HandleHttpAuthentication(api.auth, request, writer) {
		return
	}

	if err := request.ParseForm(); err != nil {
		writer.Header().Add("Content-Type", "text/plain")
		writeText(writer, http.StatusBadRequest)
		return
	}
	var command stage.Command
	if add := request.Form.Get("add"); add != "" {
		pid, err := parsePid(add)
		if err != nil {
			writer.Header().Add("Content-Type", "text/plain")
			writeText(writer, http.StatusBadRequest)
			return
		}
		command = stage.AddPid{Pid: pid}
	} else if remove := request.Form.Get("remove"); remove != "" {
		pid, err := parsePid(remove)
		if err != nil {
			writer.Header().Add("Content-Type", "text/plain")
			writeText(writer, http.StatusBadRequest)
			return
		}
		command = stage.RemovePid{Pid: pid}
	}

	if command == nil {
		status := api.gateway.Status()
		var pids struct {
			Whitelist []uint16 `json:"whitelist"`
			Active    []uint16 `json:"active"`
		}
		pids.Whitelist = status.Whitelist
		pids.Active = status.Active
		writer.Header().Add("Content-Type", "application/json")
		writeJson(writer, http.StatusOK, &pids)
		return
	}
	writer.Header().Add("Content-Type", "text/plain")
	writeText(writer, configure(api.gateway, command, request))
}

// parsePid accepts decimal and 0x-prefixed hexadecimal PIDs
func parsePid(text string) (uint16, error) {
	value, err := strconv.ParseUint(text, 0, 16)
	if err != nil {
		return 0, err
	}
	pid := uint16(value)
	if !mpegts.ValidPid(pid) {
		return 0, mpegts.ErrInvalidPid
	}
	return pid, nil
}

// prometheusApi implements a handler for scraping Prometheus metrics.
type prometheusApi struct {
	// auth is an authentication verifier for client requests
	auth auth.Authenticator
	// handler is the delegate HTTP handler
	handler http.Handler
}

// NewPrometheusApi creates a new Prometheus metrics API object,
// serving metrics to a Prometheus instance.
func NewPrometheusApi(auth auth.Authenticator) http.Handler {
	return &prometheusApi{
		auth:    auth,
		handler: metrics.PromHandler(),
	}
}

// ServeHTTP is the http handler method.
func (api *prometheusApi) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	// fail-fast: verify that this user can access this resource first
	if !auth.HandleHttpAuthentication(api.auth, request, writer) {
		return
	}

	// authentication successful, forward the request to the promhttp handler
	api.handler.ServeHTTP(writer, request)
}

// NewServeMux registers all control endpoints:
//
//	/health   chain status
//	/key      key control
//	/pids     whitelist control
//	/metrics  Prometheus metrics
func NewServeMux(gateway Gateway, auth auth.Authenticator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthApi(gateway, auth))
	mux.Handle("/key", NewKeyApi(gateway, auth))
	mux.Handle("/pids", NewPidApi(gateway, auth))
	mux.Handle("/metrics", NewPrometheusApi(auth))
	return mux
}
