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

package util

import (
	"math/rand"
)

// Shuffled returns a shuffled copy of list, using Knuth's version of the
// Fisher-Yates algorithm. The input is left untouched.
func Shuffled[T any](rnd *rand.Rand, list []T) []T {
	ret := make([]T, len(list))
	copy(ret, list)
	for i := len(ret) - 1; i > 0; i-- {
		// choose index uniformly in [0, i]
		r := rnd.Intn(i + 1)
		ret[r], ret[i] = ret[i], ret[r]
	}
	return ret
}
