// Package smtp implements the inbound SMTP engine: a forgiving, minimal
// state machine that accepts mail for an allow-listed set of recipients and
// hands each accepted message off to a delivery queue without ever touching
// disk or relaying onward over SMTP.
package smtp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"mail-laser/internal/mime"
	"mail-laser/internal/payload"

	"mail-laser/lalog"
)

// MaxCommandLineBytes bounds a single command line, independent of DATA.
const MaxCommandLineBytes = 8 * 1024

// MaxMessageBytes bounds the accumulated size of one DATA payload.
const MaxMessageBytes = 25 * 1024 * 1024

// MaxConsecutiveUnknownCommands is how many unrecognized lines in a row the
// engine tolerates before giving up on the connection.
const MaxConsecutiveUnknownCommands = 10

// stage enumerates the points of a single SMTP conversation.
type stage int

const (
	stageInitial stage = iota
	stageGreeted
	stageMailFrom
	stageRcptTo
	stageData
)

// Enqueuer accepts an accepted message for asynchronous delivery. The
// session never blocks waiting for the outcome.
type Enqueuer interface {
	Enqueue(payload.EmailPayload)
}

// TargetMatcher reports whether addr is one of the allow-listed recipients,
// returning the configured spelling for use in the outgoing payload.
type TargetMatcher interface {
	MatchTarget(addr string) (string, bool)
}

// Session drives a single client connection through the SMTP state machine.
type Session struct {
	ServerName     string
	TLSConfig      *tls.Config
	ConnID         string
	IOTimeout      time.Duration
	Targets        TargetMatcher
	Queue          Enqueuer
	HeaderPrefixes []string
	Logger         *lalog.Logger

	conn        net.Conn
	limitReader *io.LimitedReader
	textReader  *textproto.Reader
	tlsUsed     bool

	st           stage
	from         string
	to           string
	toOrig       string
	unknownCount int
}

// Handle runs the conversation on conn to completion, closing conn before
// returning.
func (s *Session) Handle(conn net.Conn) {
	defer conn.Close()
	s.setupReaders(conn)
	s.greet()
	for {
		line, outcome := s.readLine()
		switch outcome {
		case lineTooLong:
			s.reply("500 Line too long")
			return
		case lineIOError:
			return
		}
		cmd := ParseCommand(line)
		if cmd.Verb == VerbUnknown {
			s.unknownCount++
			if s.unknownCount > MaxConsecutiveUnknownCommands {
				s.reply("554 too many unrecognized commands")
				return
			}
			s.reply("500 unrecognized command")
			continue
		}
		s.unknownCount = 0
		if s.dispatch(cmd) {
			return
		}
	}
}

func (s *Session) setupReaders(conn net.Conn) {
	s.conn = conn
	s.limitReader = io.LimitReader(conn, MaxCommandLineBytes).(*io.LimitedReader)
	s.textReader = textproto.NewReader(bufio.NewReader(s.limitReader))
}

func (s *Session) greet() {
	s.reply("220 %s SMTP Server Ready", s.ServerName)
	s.st = stageInitial
}

// lineReadOutcome distinguishes why a command-line read did not yield a
// usable line, mirroring dataReadOutcome's split for the DATA path: a line
// over MaxCommandLineBytes gets its own client-facing reply, while a genuine
// I/O error (closed connection, timeout) just closes the session quietly.
type lineReadOutcome int

const (
	lineOK lineReadOutcome = iota
	lineTooLong
	lineIOError
)

func (s *Session) readLine() (string, lineReadOutcome) {
	s.limitReader.N = MaxCommandLineBytes
	_ = s.conn.SetReadDeadline(time.Now().Add(s.IOTimeout))
	line, err := s.textReader.ReadLine()
	if s.limitReader.N == 0 {
		return "", lineTooLong
	}
	if err != nil {
		return "", lineIOError
	}
	return line, lineOK
}

// dataReadOutcome distinguishes why a DATA read did not yield a message.
type dataReadOutcome int

const (
	dataOK dataReadOutcome = iota
	dataTooLarge
	dataIOError
)

func (s *Session) readData() (string, dataReadOutcome) {
	s.limitReader.N = MaxMessageBytes
	_ = s.conn.SetReadDeadline(time.Now().Add(s.IOTimeout))
	raw, err := s.textReader.ReadDotBytes()
	if s.limitReader.N == 0 {
		return "", dataTooLarge
	}
	if err != nil {
		return "", dataIOError
	}
	return string(raw), dataOK
}

func (s *Session) reply(format string, a ...interface{}) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.IOTimeout))
	if _, err := fmt.Fprintf(s.conn, format+"\r\n", a...); err != nil {
		s.Logger.MaybeMinorError("Session.reply", err)
	}
}

// dispatch handles one parsed command and reports whether the connection
// should now be closed.
func (s *Session) dispatch(cmd Command) bool {
	switch cmd.Verb {
	case VerbHELO, VerbEHLO:
		s.resetTransaction()
		if cmd.Verb == VerbEHLO {
			s.reply("250-%s greets %s", s.ServerName, cmd.Arg)
			if s.TLSConfig != nil && !s.tlsUsed {
				s.reply("250 STARTTLS")
			} else {
				s.reply("250 OK")
			}
		} else {
			s.reply("250 %s", s.ServerName)
		}
		s.st = stageGreeted
		return false

	case VerbSTARTTLS:
		if s.tlsUsed {
			s.reply("503 STARTTLS already active")
			return false
		}
		return s.handleStartTLS()

	case VerbMAILFROM:
		if s.st != stageGreeted {
			s.reply("503 bad sequence of commands")
			return false
		}
		if !cmd.HasArg {
			s.reply("501 syntax error in MAIL FROM parameters")
			return false
		}
		s.from = cmd.Arg
		s.st = stageMailFrom
		s.reply("250 2.1.0 OK")
		return false

	case VerbRCPTTO:
		if s.st != stageMailFrom && s.st != stageRcptTo {
			s.reply("503 bad sequence of commands")
			return false
		}
		orig, ok := s.Targets.MatchTarget(cmd.Arg)
		if !ok {
			// Per the state table, a non-matching RCPT TO leaves the
			// conversation stage unchanged but clears any recipient
			// already accepted in this transaction.
			s.to = ""
			s.toOrig = ""
			s.reply("550 No such user here")
			return false
		}
		// Only the first matched recipient in a transaction is kept; a
		// further matching RCPT TO is acknowledged but does not overwrite it.
		if s.toOrig == "" {
			s.to = cmd.Arg
			s.toOrig = orig
		}
		s.st = stageRcptTo
		s.reply("250 2.1.5 OK")
		return false

	case VerbDATA:
		if s.st != stageRcptTo {
			s.reply("503 bad sequence of commands")
			return false
		}
		s.reply("354 Start mail input; end with <CRLF>.<CRLF>")
		raw, outcome := s.readData()
		switch outcome {
		case dataIOError:
			return true
		case dataTooLarge:
			s.reply("552 message too large")
			s.resetTransaction()
			s.st = stageGreeted
			return false
		}
		if !s.acceptMessage(raw) {
			s.reply("451 local error in processing")
			s.resetTransaction()
			s.st = stageGreeted
			return false
		}
		s.reply("250 OK: Message accepted for delivery")
		s.resetTransaction()
		s.st = stageGreeted
		return false

	case VerbRSET:
		s.resetTransaction()
		s.st = stageGreeted
		s.reply("250 OK")
		return false

	case VerbNOOP:
		s.reply("250 OK")
		return false

	case VerbQUIT:
		s.reply("221 Bye")
		return true

	default:
		s.reply("500 unrecognized command")
		return false
	}
}

func (s *Session) resetTransaction() {
	s.from = ""
	s.to = ""
	s.toOrig = ""
}

func (s *Session) handleStartTLS() bool {
	if s.TLSConfig == nil {
		s.reply("502 command not implemented")
		return false
	}
	s.reply("220 Go ahead")
	_ = s.conn.SetDeadline(time.Now().Add(s.IOTimeout))
	tlsConn := tls.Server(s.conn, s.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.Logger.MaybeMinorError("Session.handleStartTLS", err)
		return true
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	s.setupReaders(tlsConn)
	s.conn = tlsConn
	s.tlsUsed = true
	s.st = stageInitial
	s.unknownCount = 0
	return false
}

// acceptMessage parses the just-received DATA payload and, on success,
// enqueues the extracted message for delivery. It reports whether
// extraction succeeded; the caller is responsible for the client reply in
// either case.
func (s *Session) acceptMessage(raw string) bool {
	extracted, err := mime.Extract(strings.NewReader(raw), s.HeaderPrefixes)
	if err != nil {
		s.Logger.Warning("Session.acceptMessage", s.ConnID, err, "failed to extract message")
		return false
	}
	msg := payload.EmailPayload{
		Sender:    s.from,
		Recipient: s.toOrig,
		Subject:   extracted.Subject,
		Body:      extracted.TextBody,
		HTMLBody:  extracted.HTMLBody,
		Headers:   extracted.Headers,
	}
	if extracted.SenderName != "" {
		msg.SenderName = extracted.SenderName
	}
	s.Queue.Enqueue(msg)
	return true
}
