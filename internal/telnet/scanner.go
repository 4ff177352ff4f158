package telnet

// Kind classifies what a Scanner produced for one input byte.
type Kind int

const (
	KindNone        Kind = iota // byte consumed inside an IAC sequence
	KindData                    // plain data byte
	KindNegotiation             // complete IAC <verb> <option>
	KindCommand                 // complete 2-byte IAC <command>, not a negotiation
)

type scanState int

const (
	stateData scanState = iota
	stateIAC
	stateOption
)

// Scanner separates IAC sequences from data one byte at a time, so that
// tokens split across reads are still recognised.  The zero value is
// ready to use.
type Scanner struct {
	state scanState
	verb  byte
}

// Scan feeds one byte.  For KindData the returned byte is the data; for
// KindNegotiation the Negotiation is filled in; for KindCommand the byte
// is the command that followed IAC.
func (s *Scanner) Scan(b byte) (Kind, byte, Negotiation) {
	switch s.state {
	case stateIAC:
		if IsVerb(b) {
			s.verb = b
			s.state = stateOption
			return KindNone, 0, Negotiation{}
		}
		s.state = stateData
		return KindCommand, b, Negotiation{}
	case stateOption:
		s.state = stateData
		return KindNegotiation, 0, Negotiation{Command: s.verb, Option: b}
	}

	if b == IAC {
		s.state = stateIAC
		return KindNone, 0, Negotiation{}
	}
	return KindData, b, Negotiation{}
}

// Pending reports whether the scanner is in the middle of a sequence.
func (s *Scanner) Pending() bool { return s.state != stateData }
