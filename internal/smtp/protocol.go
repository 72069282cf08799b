package smtp

import (
	"strings"
	"unicode"
)

// Verb is an enumeration of the SMTP command verbs this engine recognizes.
type Verb int

// Recognized SMTP verbs. Anything else parses to VerbUnknown.
const (
	VerbUnknown Verb = iota
	VerbHELO
	VerbEHLO
	VerbSTARTTLS
	VerbMAILFROM
	VerbRCPTTO
	VerbDATA
	VerbRSET
	VerbNOOP
	VerbQUIT
)

func (v Verb) String() string {
	for _, c := range commandTable {
		if c.verb == v {
			return c.text
		}
	}
	return "UNKNOWN"
}

type paramKind int

const (
	paramOptional paramKind = iota
	paramMailAddress
)

var commandTable = []struct {
	verb  Verb
	text  string
	param paramKind
}{
	{VerbHELO, "HELO", paramOptional},
	{VerbEHLO, "EHLO", paramOptional},
	{VerbSTARTTLS, "STARTTLS", paramOptional},
	{VerbMAILFROM, "MAIL FROM", paramMailAddress},
	{VerbRCPTTO, "RCPT TO", paramMailAddress},
	{VerbDATA, "DATA", paramOptional},
	{VerbRSET, "RSET", paramOptional},
	{VerbNOOP, "NOOP", paramOptional},
	{VerbQUIT, "QUIT", paramOptional},
}

// Command is a single parsed SMTP command line.
type Command struct {
	Verb Verb
	// Arg is the command's argument: for MAIL FROM / RCPT TO, the address
	// extracted per the tolerant rule described in ParseCommand; for every
	// other verb, the raw trailing text.
	Arg string
	// HasArg distinguishes, for MAIL FROM / RCPT TO, a command that supplied
	// no address at all (false) from one that supplied an explicit null
	// reverse path "<>"  or any other address (true, with Arg == "").
	HasArg bool
	// Err is set when the line could not be parsed into a known verb at all.
	// A recognized verb with a malformed argument still returns that verb,
	// leaving argument validation to the session state machine.
	Err string
}

func is7BitASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// ParseCommand interprets a single CRLF-stripped SMTP command line.
func ParseCommand(line string) Command {
	if !is7BitASCII(line) {
		return Command{Verb: VerbUnknown, Err: "command contains non 7-bit ASCII"}
	}
	line = strings.TrimRightFunc(line, unicode.IsSpace)
	upper := strings.ToUpper(line)

	matchIdx := -1
	for i, c := range commandTable {
		if strings.HasPrefix(upper, c.text) {
			// Require a word boundary after the verb text so e.g. "HELPDESK"
			// does not match the "HELO" prefix.
			end := len(c.text)
			if len(line) == end || line[end] == ' ' || line[end] == ':' {
				matchIdx = i
				break
			}
		}
	}
	if matchIdx == -1 {
		return Command{Verb: VerbUnknown, Err: "unrecognized command"}
	}
	c := commandTable[matchIdx]

	switch c.param {
	case paramOptional:
		arg := ""
		if len(line) > len(c.text)+1 {
			arg = strings.TrimSpace(line[len(c.text)+1:])
		}
		return Command{Verb: c.verb, Arg: arg}
	case paramMailAddress:
		addr, hasArg := extractAddress(line[len(c.text):])
		return Command{Verb: c.verb, Arg: addr, HasArg: hasArg}
	}
	return Command{Verb: VerbUnknown, Err: "unrecognized command"}
}

// extractAddress implements the tolerant address extraction rule: the
// address is the substring between the first '<' and the last '>'; if angle
// brackets are absent, the whole argument after ':' is used, trimmed. The
// second return value is false only when the command carried no argument
// text whatsoever, distinguishing a missing address from an explicit null
// reverse path "<>".
func extractAddress(rest string) (string, bool) {
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	first := strings.IndexByte(rest, '<')
	last := strings.LastIndexByte(rest, '>')
	if first != -1 && last != -1 && last > first {
		return rest[first+1 : last], true
	}
	return rest, true
}
