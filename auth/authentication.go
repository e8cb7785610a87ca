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

package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/onitake/tsgate/configuration"
)

// Authenticator represents any type that can authenticate users.
type Authenticator interface {
	// Authenticate parses an Authorization header and tries to authenticate the request.
	// Returns true if the authentication succeeded, false otherwise.
	Authenticate(authorization string) bool
	// AddUser adds a new user to the list.
	// Implementations may interpret users and passwords differently.
	AddUser(user, password string)
	// RemoveUser removes a user from the list.
	RemoveUser(user string)
	// GetLogin returns an authentication string that can be sent to a remote system.
	GetLogin(user string) string
	// GetAuthenticateRequest returns a realm or other response that can be sent with a WWW-Authenticate header.
	GetAuthenticateRequest() string
}

// NewAuthenticator creates an authentication service from a credential database and
// an authentication configuration. The implementation depends on the algorithm.
//
// If an invalid authentication type is specified, an authenticator that will always
// deny requests is returned.
// If an empty authentication type is specified, an authenticator that will accept
// all requests is returned.
//
// Note: Empty whitelists allow no users at all!
func NewAuthenticator(auth configuration.Authentication, credentials map[string]configuration.UserCredentials) Authenticator {
	switch auth.Type {
	case "":
		return passAuthenticator{}
	case "basic":
		return newSchemeAuthenticator(basicScheme, auth.Users, credentials, auth.Realm)
	case "bearer":
		return newSchemeAuthenticator(bearerScheme, auth.Users, credentials, "")
	default:
		logger.Logkv(
			"event", eventAuthError,
			"error", errorAuthType,
			"type", auth.Type,
			"message", "Unknown authentication type, denying all requests",
		)
		return denyAuthenticator{}
	}
}

type passAuthenticator struct{}

func (passAuthenticator) Authenticate(authorization string) bool { return true }
func (passAuthenticator) AddUser(user, password string)          {}
func (passAuthenticator) RemoveUser(user string)                 {}
func (passAuthenticator) GetLogin(user string) string            { return "" }
func (passAuthenticator) GetAuthenticateRequest() string         { return "" }

type denyAuthenticator struct{}

func (denyAuthenticator) Authenticate(authorization string) bool { return false }
func (denyAuthenticator) AddUser(user, password string)          {}
func (denyAuthenticator) RemoveUser(user string)                 {}
func (denyAuthenticator) GetLogin(user string) string            { return "" }
func (denyAuthenticator) GetAuthenticateRequest() string         { return "" }

// scheme describes how an Authorization header is formed
type scheme struct {
	// name is the first word of the header value
	name string
	// token converts user credentials into the header token
	token func(user, password string) string
}

var (
	// basicScheme sends base64(user + ':' + password)
	basicScheme = scheme{
		name: "Basic",
		token: func(user, password string) string {
			return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		},
	}
	// bearerScheme sends the password as-is; tokens are generated externally
	bearerScheme = scheme{
		name: "Bearer",
		token: func(user, password string) string {
			return password
		},
	}
)

// schemeAuthenticator compares the token of an Authorization header
// against the tokens of all whitelisted users.
type schemeAuthenticator struct {
	scheme scheme
	// users maps user names to valid authentication tokens
	users map[string]string
	// realm is sent back to the client with an unauthorized response
	realm string
}

// newSchemeAuthenticator creates an Authenticator for the users in whitelist.
// Users without credentials are ignored. If the whitelist is empty, no requests are allowed.
func newSchemeAuthenticator(s scheme, whitelist []string, credentials map[string]configuration.UserCredentials, realm string) *schemeAuthenticator {
	auth := &schemeAuthenticator{
		scheme: s,
		users:  make(map[string]string),
		realm:  realm,
	}
	for _, user := range whitelist {
		if cred, ok := credentials[user]; ok {
			auth.AddUser(user, cred.Password)
		}
	}
	return auth
}

func (auth *schemeAuthenticator) Authenticate(authorization string) bool {
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) < 2 || parts[0] != auth.scheme.name {
		return false
	}
	allowed := false
	for _, token := range auth.users {
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) == 1 {
			allowed = true
		}
	}
	return allowed
}

func (auth *schemeAuthenticator) AddUser(user, password string) {
	auth.users[user] = auth.scheme.token(user, password)
}

func (auth *schemeAuthenticator) RemoveUser(user string) {
	delete(auth.users, user)
}

func (auth *schemeAuthenticator) GetLogin(user string) string {
	if token, ok := auth.users[user]; ok {
		return auth.scheme.name + " " + token
	}
	return ""
}

func (auth *schemeAuthenticator) GetAuthenticateRequest() string {
	if auth.scheme.name != basicScheme.name {
		// no challenge-response, the client just gets a 403
		return ""
	}
	return auth.scheme.name + " realm=\"" + auth.realm + "\" charset=\"UTF-8\""
}

// UserAuthenticator is an authenticator that is bound to a single user.
// It does not implement the Authenticator interface because it doesn't support the user argument.
type UserAuthenticator struct {
	Auth Authenticator
	User string
}

// NewUserAuthenticator creates a new user authenticator from an Authentication configuration and
// and an authenticator.
// If the Authentication does not contain any users, nil is returned. If it contains more than
// one user, the first one is used.
func NewUserAuthenticator(cred configuration.Authentication, auth Authenticator) *UserAuthenticator {
	if len(cred.Users) < 1 {
		return nil
	}
	return &UserAuthenticator{
		Auth: auth,
		User: cred.Users[0],
	}
}

func (auth *UserAuthenticator) GetLogin() string {
	return auth.Auth.GetLogin(auth.User)
}
