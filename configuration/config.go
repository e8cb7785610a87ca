/* Copyright (c) 2016-2026 Gregor Riepl
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

package configuration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrNoInput is returned when no upstream URL was configured.
	ErrNoInput = errors.New("tsgate: no input configured")
	// ErrInvalidPid is returned for PIDs outside the 13 bit range.
	ErrInvalidPid = errors.New("tsgate: invalid PID")
	// ErrNoCipher is returned when descrambling is enabled with an empty
	// cipher name.
	ErrNoCipher = errors.New("tsgate: descrambler enabled without a cipher")
)

// maxPid is the highest PID that can be carried in a TS header
const maxPid = 0x1fff

// Authentication configures authentication for a resource.
// The exact semantics depend on the resource.
type Authentication struct {
	// Type specifies the authentication type.
	// Only the empty string, 'basic' and 'bearer' are currently supported.
	// The interpretation of the type is as follows:
	// '': Disable authentication and allow all requests to succeed.
	// 'basic': compare the string after the 'Authorization: Basic' header with
	// base64(username + ':' + passwords[username]) and allow the request if they match.
	// 'bearer': compare the string after 'Authentication: Bearer' with
	// passwords[username] and allow the request if they match.
	Type string `json:"type"`
	// Realm specifies the authentication realm that is sent
	// back to the client if the authentication header was missing.
	Realm string `json:"realm"`
	// User specifies a valid user who can access the resource.
	// This is merged with Users.
	User string `json:"user"`
	// Users specifies the list of valid user names.
	// User is merged into this list.
	Users []string `json:"users"`
}

// UserCredentials is a set of credentials for a single user
type UserCredentials struct {
	// Password is the key or password of this user.
	Password string `json:"password"`
}

// Input describes the upstream transport stream.
type Input struct {
	// Remote is a single upstream URL;
	// it will be added to Remotes during parsing.
	Remote string `json:"remote"`
	// Remotes is the list of upstream URLs, tried in order.
	// Supported schemes are file, http, https, tcp, unix, udp, rtp and srt.
	Remotes []string `json:"remotes"`
	// Shuffle randomizes the order of Remotes once at startup,
	// spreading load when several gateways share the same upstreams.
	Shuffle bool `json:"shuffle"`
	// Interface selects the network interface for multicast reception.
	Interface string `json:"interface"`
	// Timeout is the connection timeout in seconds.
	Timeout uint `json:"timeout"`
	// Reconnect is the reconnect delay in seconds.
	// 0 disables reconnecting.
	Reconnect uint `json:"reconnect"`
	// ReadTimeout is the upstream read timeout in seconds.
	ReadTimeout uint `json:"readtimeout"`
	// PacketSize is the datagram size for packet based transports.
	PacketSize uint `json:"packetsize"`
	// FlowDef is the flow definition announced to the processing chain.
	FlowDef string `json:"flowdef"`
}

// Descrambler configures the descrambling stage.
type Descrambler struct {
	// Enabled inserts the descrambler in front of the demultiplexer.
	Enabled bool `json:"enabled"`
	// Cipher is the name of a registered cipher implementation.
	// Defaults to DefaultCipher.
	Cipher string `json:"cipher"`
	// Key is the initial control word as 16 hex digits. Optional.
	Key string `json:"key"`
	// Pids is the initial descrambling whitelist.
	Pids []uint16 `json:"pids"`
}

// Output is a single demultiplexed elementary stream.
type Output struct {
	// Name identifies the output in logs and metrics.
	Name string `json:"name"`
	// Pid selects the packets to forward.
	Pid uint16 `json:"pid"`
	// Remote is the destination URL (udp, tcp or file).
	Remote string `json:"remote"`
	// Queue is the number of packets buffered for this output.
	Queue uint `json:"queue"`
}

// Notification is a single notification definition.
type Notification struct {
	// Event is the event to watch for: pid_set or pid_unset.
	Event string `json:"event"`
	// Type is the kind of callback to send.
	Type string `json:"type"`
	// Url is the remote to access (if Type is url).
	Url string `json:"url"`
	// Authentication specifies credentials to be sent with the notification.
	// If the authentication type is unset, no authentication is sent.
	// Only the first user from the list (or the single 'User') is used, all others are ignored.
	Authentication Authentication `json:"authentication"`
}

// Configuration is a representation of the configurable settings.
// These are normally read from a JSON file and deserialized by
// the builtin marshaler.
type Configuration struct {
	// Listen is the interface the control API listens on.
	// Leave empty to disable the API.
	Listen string `json:"listen"`
	// Log is the log file name. Logs go to standard output if empty.
	Log string `json:"log"`
	// Profile determines if profiling should be enabled.
	// Set to true to turn on the pprof web server.
	Profile bool `json:"profile"`
	// Input is the upstream stream.
	Input Input `json:"input"`
	// Descrambler configures descrambling.
	Descrambler Descrambler `json:"descrambler"`
	// Outputs is the list of demultiplexed outputs.
	Outputs []Output `json:"outputs"`
	// Api specifies credentials required to access the control API.
	Api Authentication `json:"api"`
	// UserList is the built-in list of user accounts, to be used with authentication stanzas.
	// It maps user names to authentication credentials.
	UserList map[string]UserCredentials `json:"userlist"`
	// Notifications defines event callbacks.
	Notifications []Notification `json:"notifications"`
}

// DefaultCipher is the cipher used when none is configured. It only
// clears the scrambling flags and leaves the payload as it is.
const DefaultCipher = "null"

// DefaultConfiguration creates and returns a configuration object
// with default values.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Listen: "localhost:8080",
		Input: Input{
			Timeout:    0,
			Reconnect:  10,
			PacketSize: 1316,
			FlowDef:    "block.mpegts.",
		},
		Descrambler: Descrambler{
			Cipher: DefaultCipher,
		},
	}
}

// LoadConfigurationFile loads a configuration in JSON format from "filename".
func LoadConfigurationFile(filename string) (*Configuration, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return LoadConfiguration(fd)
}

// LoadConfiguration reads JSON data from the Reader argument and returns a parsed configuration from it.
func LoadConfiguration(reader io.Reader) (*Configuration, error) {
	config := DefaultConfiguration()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	// add remote to remotes list, if given
	if len(config.Input.Remote) > 0 {
		config.Input.Remotes = append([]string{config.Input.Remote}, config.Input.Remotes...)
		config.Input.Remote = ""
	}
	if len(config.Input.Remotes) == 0 {
		return nil, ErrNoInput
	}
	mergeUser(&config.Api)
	for i := range config.Notifications {
		mergeUser(&config.Notifications[i].Authentication)
	}
	if config.Descrambler.Enabled && config.Descrambler.Cipher == "" {
		return nil, ErrNoCipher
	}
	for _, pid := range config.Descrambler.Pids {
		if pid > maxPid {
			return nil, fmt.Errorf("descrambler pid %d: %w", pid, ErrInvalidPid)
		}
	}
	for i := range config.Outputs {
		output := &config.Outputs[i]
		if output.Pid > maxPid {
			return nil, fmt.Errorf("output %d pid %d: %w", i, output.Pid, ErrInvalidPid)
		}
		if len(output.Name) == 0 {
			output.Name = fmt.Sprintf("pid%d", output.Pid)
		}
	}

	return config, nil
}

// LoadConfigurationBytes parses the byte array argument as JSON and initialises a configuration from it.
func LoadConfigurationBytes(json []byte) (*Configuration, error) {
	return LoadConfiguration(bytes.NewReader(json))
}

// mergeUser adds the single user to the users list, if given
func mergeUser(auth *Authentication) {
	if len(auth.Type) > 0 && len(auth.User) > 0 {
		auth.Users = append([]string{auth.User}, auth.Users...)
		auth.User = ""
	}
}
