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

// Package descramble removes the scrambling from whitelisted TS packets.
//
// The cipher algorithm is not part of this package. Implementations are
// plugged in with RegisterCipher and selected by name. The only cipher
// registered by default is "null", which clears the scrambling control
// bits but leaves the payload unchanged. Streams that are really encrypted
// need a cipher registered by the program that links this package.
package descramble

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ControlWordSize is the length of a control word in bytes.
const ControlWordSize = 8

var (
	// ErrInvalidKeyFormat is returned for control words that are not
	// exactly 16 hexadecimal digits.
	ErrInvalidKeyFormat = errors.New("tsgate: invalid control word")
	// ErrUnknownCipher is returned by LookupCipher for unregistered names.
	ErrUnknownCipher = errors.New("tsgate: unknown cipher")
)

// ControlWord is the raw key material for one descrambling key.
type ControlWord [ControlWordSize]byte

// ParseControlWord decodes a control word from 16 hexadecimal digits.
func ParseControlWord(text string) (ControlWord, error) {
	var cw ControlWord
	if len(text) != hex.EncodedLen(ControlWordSize) {
		return cw, fmt.Errorf("%d characters: %w", len(text), ErrInvalidKeyFormat)
	}
	if _, err := hex.Decode(cw[:], []byte(text)); err != nil {
		return cw, fmt.Errorf("%v: %w", err, ErrInvalidKeyFormat)
	}
	return cw, nil
}

// Cipher descrambles packet payloads in place.
type Cipher interface {
	// Decrypt transforms data in place. The length of data is at most one
	// TS payload and may be zero.
	Decrypt(data []byte)
}

// KeyFactory builds a Cipher from a control word.
type KeyFactory func(cw ControlWord) (Cipher, error)

var (
	ciphersLock sync.RWMutex
	ciphers     = make(map[string]KeyFactory)
)

// RegisterCipher makes a cipher implementation available by name.
// It panics if factory is nil or the name is taken.
func RegisterCipher(name string, factory KeyFactory) {
	ciphersLock.Lock()
	defer ciphersLock.Unlock()
	if factory == nil {
		panic("descramble: RegisterCipher factory is nil")
	}
	if _, dup := ciphers[name]; dup {
		panic("descramble: RegisterCipher called twice for " + name)
	}
	ciphers[name] = factory
}

// LookupCipher returns the factory registered under name.
func LookupCipher(name string) (KeyFactory, error) {
	ciphersLock.RLock()
	defer ciphersLock.RUnlock()
	factory, ok := ciphers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownCipher)
	}
	return factory, nil
}

// Ciphers returns the names of all registered ciphers, sorted.
func Ciphers() []string {
	ciphersLock.RLock()
	defer ciphersLock.RUnlock()
	names := make([]string, 0, len(ciphers))
	for name := range ciphers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nullCipher leaves the payload alone. Useful for streams that are flagged
// as scrambled but carry clear data.
type nullCipher struct{}

func (nullCipher) Decrypt(data []byte) {}

func init() {
	RegisterCipher("null", func(ControlWord) (Cipher, error) {
		return nullCipher{}, nil
	})
}
