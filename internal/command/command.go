// Package command implements the control-port grammar: the password gate
// and the short textual directives accepted once a session is
// authenticated.
package command

import "fmt"

// Kind identifies a parsed command.
type Kind int

const (
	Malformed Kind = iota
	Authenticate
	SetBaudRate
	SaveConfig
	EnterConsole
	EnterOTA
	Quit
	Status
	Help
)

var kindNames = [...]string{
	Malformed:    "malformed",
	Authenticate: "authenticate",
	SetBaudRate:  "baud",
	SaveConfig:   "save",
	EnterConsole: "console",
	EnterOTA:     "ota",
	Quit:         "quit",
	Status:       "status",
	Help:         "help",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is the result of interpreting one input line.
type Command struct {
	Kind     Kind
	Password []byte // Authenticate
	Baud     uint32 // SetBaudRate
}

// Directive is the terminal outcome of a command phase.
type Directive int

const (
	Disconnected Directive = iota
	Console
	OTA
	Exit
)

func (d Directive) String() string {
	switch d {
	case Console:
		return "console"
	case OTA:
		return "ota"
	case Exit:
		return "quit"
	default:
		return "disconnected"
	}
}

// MaxLineLength is the longest line the interpreter assembles; longer
// input is discarded up to the next line boundary.
const MaxLineLength = 128

// HelpText is the reply to the help command.
const HelpText = "commands:\r\n" +
	"  baud <rate>   set serial baud rate\r\n" +
	"  save          persist current settings\r\n" +
	"  status        show serial and firmware state\r\n" +
	"  console       enter serial console\r\n" +
	"  ota           receive a firmware image\r\n" +
	"  quit          close the connection\r\n"
