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

// KeyStore holds at most one descrambling key.
type KeyStore struct {
	factory KeyFactory
	key     Cipher
}

// NewKeyStore creates an empty key store that builds keys with factory.
func NewKeyStore(factory KeyFactory) *KeyStore {
	return &KeyStore{
		factory: factory,
	}
}

// Set replaces the key with one built from a hexadecimal control word.
//
// The previous key is discarded before the new one is validated, so the
// store is empty after a failed Set.
func (store *KeyStore) Set(text string) error {
	store.key = nil
	cw, err := ParseControlWord(text)
	if err != nil {
		return err
	}
	key, err := store.factory(cw)
	if err != nil {
		return err
	}
	store.key = key
	return nil
}

// Clear discards the key.
func (store *KeyStore) Clear() {
	store.key = nil
}

// Key returns the active key, or nil.
func (store *KeyStore) Key() Cipher {
	return store.key
}

// HasKey tells if a key is active.
func (store *KeyStore) HasKey() bool {
	return store.key != nil
}
