package smtp

import (
	"bufio"
	"net"
	"testing"
	"time"

	"mail-laser/lalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_StartAndBlockAcceptsConnections(t *testing.T) {
	queue := &fakeQueue{}
	l := &Listener{
		Addr:       "127.0.0.1:0",
		ServerName: "mail-laser.test",
		Targets:    fakeTargets{"ops@example.com": "Ops@Example.com"},
		Queue:      queue,
		Logger:     &lalog.Logger{ComponentName: "listener-test"},
	}
	require.NoError(t, l.Initialise())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	l.Addr = addr

	done := make(chan error, 1)
	go func() { done <- l.StartAndBlock() }()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}
	send := func(cmd string) {
		_, err := conn.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
	}

	assert.Contains(t, readLine(), "220")
	send("QUIT")
	assert.Contains(t, readLine(), "221")
	require.NoError(t, conn.Close())

	l.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
