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

package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ForkReader reads a stream from the standard output of a child process.
// Lines the process writes to standard error are logged.
type ForkReader struct {
	command *exec.Cmd
	stdout  io.ReadCloser
	// logged is closed when standard error is drained
	logged chan struct{}
	reaper sync.Once
}

// NewForkReader starts command with arguments. The process is killed when
// ctx is cancelled or the reader is closed.
func NewForkReader(ctx context.Context, command string, arguments []string) (*ForkReader, error) {
	cmd := exec.CommandContext(ctx, command, arguments...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Logkv(
		"event", eventForkStarted,
		"pid", cmd.Process.Pid,
		"command", cmd.Path,
		"message", fmt.Sprintf("Fork reader command started: %s %v", command, arguments),
	)
	f := &ForkReader{
		command: cmd,
		stdout:  stdout,
		logged:  make(chan struct{}),
	}
	go f.logStderr(stderr)
	return f, nil
}

// logStderr forwards the child's error output to the log, line by line
func (f *ForkReader) logStderr(stderr io.Reader) {
	defer close(f.logged)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Logkv(
			"event", eventForkChildMessage,
			"command", f.command.Path,
			"message", strings.TrimSpace(scanner.Text()),
		)
	}
	if err := scanner.Err(); err != nil {
		logger.Logkv(
			"event", eventForkError,
			"error", errorForkStderrRead,
			"command", f.command.Path,
			"message", fmt.Sprintf("Error reading from stderr: %v", err),
		)
	}
}

// reap waits for the process and reports how it ended.
// Wait closes the pipes, so it runs only after both have been drained.
func (f *ForkReader) reap() {
	f.reaper.Do(func() {
		<-f.logged
		if err := f.command.Wait(); err != nil {
			logger.Logkv(
				"event", eventForkError,
				"error", errorForkExit,
				"exitcode", f.command.ProcessState.ExitCode(),
				"command", f.command.Path,
				"message", fmt.Sprintf("Process exited with error: %v", err),
			)
			return
		}
		logger.Logkv(
			"event", eventForkExited,
			"command", f.command.Path,
			"message", "Process exited",
		)
	})
}

func (f *ForkReader) Read(p []byte) (int, error) {
	n, err := f.stdout.Read(p)
	if err != nil {
		f.reap()
	}
	return n, err
}

// Close kills the process and waits for it to exit.
func (f *ForkReader) Close() error {
	err := f.command.Process.Kill()
	f.reap()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
