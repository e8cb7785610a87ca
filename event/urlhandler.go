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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onitake/tsgate/auth"
)

const (
	// urlHandlerTimeout limits how long a single notification may take
	urlHandlerTimeout = 10 * time.Second
)

// UrlHandler is an event handler that sends GET requests to a preconfigured HTTP URL.
//
// The PID and the event type are appended as the query parameters
// "pid" and "event". Existing query parameters are preserved.
type UrlHandler struct {
	// Url is the parsed URL
	Url *url.URL
	// Client is the HTTP client used for notifications
	Client *http.Client
	// userauth will be used to generate credentials for client requests
	userauth *auth.UserAuthenticator
}

func NewUrlHandler(urly string, userauth *auth.UserAuthenticator) (*UrlHandler, error) {
	u, err := url.Parse(urly)
	if err != nil {
		return nil, err
	}
	return &UrlHandler{
		Url: u,
		Client: &http.Client{
			Timeout: urlHandlerTimeout,
		},
		userauth: userauth,
	}, nil
}

// notificationUrl builds the request URL for one notification.
func (handler *UrlHandler) notificationUrl(typ Type, pid uint16) *url.URL {
	u := *handler.Url
	query := u.Query()
	query.Set("pid", strconv.Itoa(int(pid)))
	query.Set("event", typ.String())
	u.RawQuery = query.Encode()
	return &u
}

func (handler *UrlHandler) HandleEvent(typ Type, pid uint16) {
	target := handler.notificationUrl(typ, pid)
	logger.Logkv(
		"event", urlHandlerEventNotify,
		"message", fmt.Sprintf("Event received, notifying %s", handler.Url),
		"url", handler.Url.String(),
		"auth", handler.userauth != nil,
		"type", typ.String(),
		"pid", pid,
	)
	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		logger.Logkv(
			"event", urlHandlerEventError,
			"error", urlHandlerErrorGet,
			"message", fmt.Sprintf("Cannot create request: %v", err),
			"url", handler.Url.String(),
		)
		return
	}
	if handler.userauth != nil {
		req.Header.Add("Authorization", handler.userauth.GetLogin())
	}
	res, err := handler.Client.Do(req)
	if err != nil {
		logger.Logkv(
			"event", urlHandlerEventError,
			"error", urlHandlerErrorGet,
			"message", fmt.Sprintf("Error sending GET request: %v", err),
			"url", handler.Url.String(),
			"type", typ.String(),
			"pid", pid,
		)
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		logger.Logkv(
			"event", urlHandlerEventError,
			"error", urlHandlerErrorStatus,
			"message", fmt.Sprintf("Notification rejected: %s", res.Status),
			"url", handler.Url.String(),
			"statuscode", res.StatusCode,
			"type", typ.String(),
			"pid", pid,
		)
	}
}
