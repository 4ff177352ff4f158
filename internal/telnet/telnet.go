// Package telnet implements the small subset of telnet option negotiation
// ttybridge needs: a passive filter that politely declines whatever a
// client offers during command mode, and an active handshake run once
// before a console session so that a VT client stops echoing locally and
// sends characters as they are typed.
//
// RFCs of interest: 854 (protocol), 857 (echo), 858 (suppress go ahead),
// 1184 (linemode).
package telnet

import "fmt"

const (
	SE   byte = 240 // Sub negotiation End
	NOP  byte = 241 // No Operation
	GA   byte = 249 // Go Ahead
	SB   byte = 250 // Sub negotiation Begin
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255 // Interpret As Command
)

// Options used by the handshake.
const (
	Echo     byte = 1
	SGA      byte = 3 // Suppress Go Ahead
	Linemode byte = 34
)

var commandNames = map[byte]string{
	SE:   "SE",
	NOP:  "NOP",
	GA:   "GA",
	SB:   "SB",
	WILL: "WILL",
	WONT: "WONT",
	DO:   "DO",
	DONT: "DONT",
	IAC:  "IAC",
}

var optionNames = map[byte]string{
	Echo:     "ECHO",
	SGA:      "SGA",
	Linemode: "LINEMODE",
}

// IsVerb reports whether cmd is one of the four negotiation verbs.
func IsVerb(cmd byte) bool {
	return cmd >= WILL && cmd <= DONT
}

// Negotiation is one IAC <verb> <option> token.
type Negotiation struct {
	Command byte
	Option  byte
}

// Bytes returns the 3-byte wire form.
func (n Negotiation) Bytes() []byte {
	return []byte{IAC, n.Command, n.Option}
}

func (n Negotiation) String() string {
	cmd, ok := commandNames[n.Command]
	if !ok {
		cmd = fmt.Sprintf("CMD(%d)", n.Command)
	}
	opt, ok := optionNames[n.Option]
	if !ok {
		opt = fmt.Sprintf("OPT(%d)", n.Option)
	}
	return cmd + " " + opt
}
