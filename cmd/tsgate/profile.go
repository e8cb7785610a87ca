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

package main

import (
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"runtime/debug"
)

const (
	// profileListen is the address of the profiling web server
	profileListen = "localhost:6060"
	//
	eventMainProfile = "profile"
	eventMainReclaim = "reclaim"
	errorMainProfile = "profile"
)

// EnableProfiling starts the pprof web server on a separate port.
// It also serves /reclaim, which forces returning free memory to the OS.
func EnableProfiling() {
	// Enable block profiling (granularity: 100 ms)
	runtime.SetBlockProfileRate(100000000)
	// Register URL to force reclaiming memory
	http.HandleFunc("/reclaim", func(http.ResponseWriter, *http.Request) {
		logger.Logkv(
			"event", eventMainReclaim,
			"message", "Reclaiming memory",
		)
		debug.FreeOSMemory()
	})
	go func() {
		logger.Logkv(
			"event", eventMainProfile,
			"listen", profileListen,
			"message", "Starting profiling server",
		)
		// Start profiling web server
		err := http.ListenAndServe(profileListen, nil)
		logger.Logkv(
			"event", eventMainError,
			"error", errorMainProfile,
			"message", err.Error(),
		)
	}()
}
