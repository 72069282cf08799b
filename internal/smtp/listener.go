package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"mail-laser/lalog"

	"github.com/google/uuid"
)

// IOTimeout bounds every read and write against a connected client.
const IOTimeout = 2 * time.Minute

// Listener is the SMTP front door: it accepts connections and hands each
// one to a fresh Session.
type Listener struct {
	Addr           string
	ServerName     string
	TLSConfig      *tls.Config
	Targets        TargetMatcher
	Queue          Enqueuer
	HeaderPrefixes []string
	Logger         *lalog.Logger

	netListener net.Listener
}

// Initialise validates configuration. It does not bind the listen socket.
func (l *Listener) Initialise() error {
	if l.Addr == "" {
		return fmt.Errorf("smtp: listen address must not be empty")
	}
	if l.ServerName == "" {
		return fmt.Errorf("smtp: server name must not be empty")
	}
	if l.Targets == nil || l.Queue == nil {
		return fmt.Errorf("smtp: target matcher and delivery queue must be configured")
	}
	return nil
}

// StartAndBlock binds the listen socket and accepts connections until the
// socket is closed via Stop, at which point it returns nil.
func (l *Listener) StartAndBlock() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("smtp: listen on %s: %w", l.Addr, err)
	}
	l.netListener = ln
	l.Logger.Info("Listener.StartAndBlock", l.Addr, nil, "accepting SMTP connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("smtp: accept: %w", err)
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	session := &Session{
		ConnID:         uuid.NewString(),
		ServerName:     l.ServerName,
		TLSConfig:      l.TLSConfig,
		IOTimeout:      IOTimeout,
		Targets:        l.Targets,
		Queue:          l.Queue,
		HeaderPrefixes: l.HeaderPrefixes,
		Logger:         l.Logger,
	}
	session.Handle(conn)
}

// Stop closes the listen socket, causing StartAndBlock to return.
func (l *Listener) Stop() {
	if l.netListener != nil {
		if err := l.netListener.Close(); err != nil {
			l.Logger.MaybeMinorError("Listener.Stop", err)
		}
	}
}
