// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package daemon

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

// Command verbs accepted on the command file.
const (
	CmdStop     = "stop"
	CmdRestart  = "restart"
	CmdCancel   = "cancel"
	CmdPause    = "pause"
	CmdContinue = "continue"
	CmdUptime   = "uptime"
	CmdCounters = "counters"
	CmdHelp     = "help"
)

// CommandFile is the file-based command channel of a daemon. Operators
// write a single line "command [argument]" into <name>.listen; the daemon
// consumes the file on each polling tick.
type CommandFile struct {
	path string
}

// NewCommandFile returns the command channel for a daemon name.
func NewCommandFile(dir, name string) *CommandFile {
	return &CommandFile{path: filepath.Join(dir, name+".listen")}
}

// Path returns the watched file path.
func (file *CommandFile) Path() string { return file.path }

// Read consumes a pending command, returning empty values when none is
// waiting. The file is claimed with a rename so that a concurrent writer
// cannot be half-read.
func (file *CommandFile) Read() (command, argument string, err error) {
	claimed := file.path + ".claimed"
	if err := os.Rename(file.path, claimed); err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", Error.Wrap(err)
	}

	data, err := ioutil.ReadFile(claimed)
	if removeErr := os.Remove(claimed); err == nil {
		err = removeErr
	}
	if err != nil {
		return "", "", Error.Wrap(err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", "", nil
	}
	command = strings.ToLower(fields[0])
	if len(fields) > 1 {
		argument = strings.Join(fields[1:], " ")
	}
	return command, argument, nil
}

// Write posts a command, replacing any unread one.
func (file *CommandFile) Write(command string) error {
	return Error.Wrap(ioutil.WriteFile(file.path, []byte(command+"\n"), 0644))
}
