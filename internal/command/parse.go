package command

import (
	"strconv"
	"strings"

	"ttybridge/internal/serial"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
)

type token struct {
	kind tokenKind
	text string
}

// lex splits a line into words and decimal numbers.  Keywords are
// case-insensitive; a token that starts with a digit must be all digits
// to count as a number, otherwise it is a word and fails to match any
// number slot in the grammar.
func lex(line string) []token {
	var toks []token
	for _, f := range strings.Fields(line) {
		kind := tokWord
		if isDigits(f) {
			kind = tokNumber
		}
		toks = append(toks, token{kind: kind, text: strings.ToLower(f)})
	}
	return toks
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// keywords maps single-word commands to their kind.
var keywords = map[string]Kind{
	"save":    SaveConfig,
	"console": EnterConsole,
	"ota":     EnterOTA,
	"quit":    Quit,
	"exit":    Quit,
	"status":  Status,
	"help":    Help,
	"?":       Help,
}

// Parse interprets one authenticated command line.  Anything that does
// not match the grammar is Malformed.
//
//	line    := keyword | baudcmd
//	baudcmd := ("baud" | "baudrate") NUMBER
func Parse(line string) Command {
	toks := lex(line)
	if len(toks) == 0 || toks[0].kind != tokWord {
		return Command{Kind: Malformed}
	}

	switch toks[0].text {
	case "baud", "baudrate":
		if len(toks) != 2 || toks[1].kind != tokNumber {
			return Command{Kind: Malformed}
		}
		v, err := strconv.ParseUint(toks[1].text, 10, 32)
		if err != nil || v < serial.MinBaud || v > serial.MaxBaud {
			return Command{Kind: Malformed}
		}
		return Command{Kind: SetBaudRate, Baud: uint32(v)}
	}

	kind, ok := keywords[toks[0].text]
	if !ok || len(toks) != 1 {
		return Command{Kind: Malformed}
	}
	return Command{Kind: kind}
}
