package smtp

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"mail-laser/internal/certgen"
	"mail-laser/internal/payload"
	"mail-laser/lalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTargets map[string]string

func (f fakeTargets) MatchTarget(addr string) (string, bool) {
	orig, ok := f[strings.ToLower(addr)]
	return orig, ok
}

type fakeQueue struct {
	mu       sync.Mutex
	received []payload.EmailPayload
}

func (q *fakeQueue) Enqueue(p payload.EmailPayload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.received = append(q.received, p)
}

func (q *fakeQueue) all() []payload.EmailPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]payload.EmailPayload, len(q.received))
	copy(out, q.received)
	return out
}

func newTestSession(queue Enqueuer) (*Session, net.Conn) {
	return newTestSessionWithTLS(queue, nil)
}

func newTestSessionWithTLS(queue Enqueuer, tlsConfig *tls.Config) (*Session, net.Conn) {
	serverConn, clientConn := net.Pipe()
	s := &Session{
		ServerName: "mail-laser.test",
		TLSConfig:  tlsConfig,
		IOTimeout:  5 * time.Second,
		Targets:    fakeTargets{"ops@example.com": "Ops@Example.com"},
		Queue:      queue,
		Logger:     &lalog.Logger{ComponentName: "smtp-test"},
	}
	go s.Handle(serverConn)
	return s, clientConn
}

func TestSession_FullConversationDeliversAcceptedRecipient(t *testing.T) {
	queue := &fakeQueue{}
	_, client := newTestSession(queue)
	defer client.Close()
	r := bufio.NewReader(client)

	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}
	send := func(cmd string) {
		_, err := client.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
	}

	assert.Contains(t, readLine(), "220")
	send("EHLO client.example.com")
	assert.Contains(t, readLine(), "250-mail-laser.test")
	for {
		line := readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	send("MAIL FROM:<alice@example.com>")
	assert.Contains(t, readLine(), "250 2.1.0")
	send("RCPT TO:<ops@example.com>")
	assert.Contains(t, readLine(), "250 2.1.5")
	send("DATA")
	assert.Contains(t, readLine(), "354")
	send("Subject: hi\r\n\r\nbody text\r\n.")
	assert.Contains(t, readLine(), "250 OK")
	send("QUIT")
	assert.Contains(t, readLine(), "221")

	time.Sleep(50 * time.Millisecond)
	received := queue.all()
	require.Len(t, received, 1)
	assert.Equal(t, "Ops@Example.com", received[0].Recipient)
	assert.Equal(t, "alice@example.com", received[0].Sender)
}

func TestSession_RejectsUnlistedRecipient(t *testing.T) {
	queue := &fakeQueue{}
	_, client := newTestSession(queue)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}
	send := func(cmd string) {
		_, err := client.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
	}

	readLine()
	send("HELO client.example.com")
	readLine()
	send("MAIL FROM:<alice@example.com>")
	readLine()
	send("RCPT TO:<nobody@example.com>")
	assert.Contains(t, readLine(), "550")
}

func TestSession_RejectsOutOfSequenceCommand(t *testing.T) {
	queue := &fakeQueue{}
	_, client := newTestSession(queue)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}
	send := func(cmd string) {
		_, err := client.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
	}

	readLine()
	send("RCPT TO:<ops@example.com>")
	assert.Contains(t, readLine(), "503")
}

func TestSession_RejectsOverlongCommandLine(t *testing.T) {
	queue := &fakeQueue{}
	_, client := newTestSession(queue)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	readLine() // 220 greeting

	// net.Pipe has no buffering, so the write runs in its own goroutine: the
	// session stops reading once the line passes MaxCommandLineBytes, replies,
	// and closes, which leaves the rest of the line unwritten.
	overlong := "MAIL FROM:<" + strings.Repeat("a", MaxCommandLineBytes+1) + "@example.com>\r\n"
	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte(overlong))
		writeErr <- err
	}()

	assert.Contains(t, readLine(), "500 Line too long")
	require.Error(t, <-writeErr)
}

func TestSession_StartTLSUpgradeAndReEHLO(t *testing.T) {
	cert, err := certgen.SelfSigned()
	require.NoError(t, err)
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	queue := &fakeQueue{}
	_, client := newTestSessionWithTLS(queue, tlsConfig)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	readLine() // 220 greeting
	_, err = client.Write([]byte("EHLO client.example.com\r\n"))
	require.NoError(t, err)
	var sawSTARTTLS bool
	for {
		line := readLine()
		if strings.Contains(line, "STARTTLS") {
			sawSTARTTLS = true
		}
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	assert.True(t, sawSTARTTLS)

	_, err = client.Write([]byte("STARTTLS\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readLine(), "220")

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsClient.Handshake())
	tlsReader := bufio.NewReader(tlsClient)

	_, err = tlsClient.Write([]byte("EHLO client.example.com\r\n"))
	require.NoError(t, err)
	var postTLSSawSTARTTLS bool
	for {
		line, rerr := tlsReader.ReadString('\n')
		require.NoError(t, rerr)
		if strings.Contains(line, "STARTTLS") {
			postTLSSawSTARTTLS = true
		}
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	assert.False(t, postTLSSawSTARTTLS)
}
