package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// Command is the subcommand to execute.
type Command int

const (
	None Command = iota
	Backup
	Version
	Init
	Runs
)

var commandToString = map[Command]string{
	None:    "none",
	Backup:  "backup",
	Version: "version",
	Init:    "init",
	Runs:    "runs",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'backup', 'init', 'runs' or 'version'", s)
}
