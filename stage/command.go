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

package stage

import "fmt"

// Command is a configuration command for a stage.
//
// The set of commands is closed: only the types in this file implement it.
type Command interface {
	command()
	fmt.Stringer
}

// SetFlowDef announces the format of the packets that follow.
type SetFlowDef struct {
	Def string
}

// SetKey replaces the descrambling key with one built from a
// hexadecimal control word.
type SetKey struct {
	ControlWord string
}

// ClearKey removes the descrambling key.
type ClearKey struct{}

// AddPid adds a PID to the descrambling whitelist.
type AddPid struct {
	Pid uint16
}

// RemovePid removes a PID from the descrambling whitelist.
type RemovePid struct {
	Pid uint16
}

func (SetFlowDef) command() {}
func (SetKey) command()     {}
func (ClearKey) command()   {}
func (AddPid) command()     {}
func (RemovePid) command()  {}

func (c SetFlowDef) String() string {
	return fmt.Sprintf("set_flow_def(%s)", c.Def)
}

// String never includes the control word.
func (c SetKey) String() string {
	return "set_key"
}

func (c ClearKey) String() string {
	return "clear_key"
}

func (c AddPid) String() string {
	return fmt.Sprintf("add_pid(%d)", c.Pid)
}

func (c RemovePid) String() string {
	return fmt.Sprintf("remove_pid(%d)", c.Pid)
}
