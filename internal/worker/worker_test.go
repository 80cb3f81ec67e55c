package worker

import (
	"bufio"
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taesko/preforkd/internal/fdtransport"
	"github.com/taesko/preforkd/internal/httpframe"
)

type echoHandler struct {
	gotPeer fdtransport.PeerAddr
	gotPath string
}

func (h *echoHandler) Serve(_ context.Context, _ net.Conn, peer fdtransport.PeerAddr, req *httpframe.Request) *httpframe.Response {
	h.gotPeer = peer
	h.gotPath = req.Path
	return httpframe.NewResponse(req.HTTPVersion, 200, []byte("hello"))
}

// dispatchOneConn dials ln, accepts the resulting connection, and sends it
// over sender as a real worker loop would receive it from a supervisor.
func dispatchOneConn(t *testing.T, ln net.Listener, sender *fdtransport.ControlChannel) net.Conn {
	t.Helper()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	serverConn, err := ln.Accept()
	require.NoError(t, err)
	tcpConn := serverConn.(*net.TCPConn)

	f, err := tcpConn.File()
	require.NoError(t, err)
	defer f.Close()

	payload, err := fdtransport.EncodePeerAddr(fdtransport.PeerAddr{Host: "127.0.0.1", Port: 4242})
	require.NoError(t, err)
	require.NoError(t, sender.Send([]int{int(f.Fd())}, payload))
	tcpConn.Close()

	return clientConn
}

func TestLoopRunServesOneRequestThenBlocksForMore(t *testing.T) {
	sender, receiver, err := fdtransport.NewPair()
	require.NoError(t, err)
	defer sender.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := &echoHandler{}
	loop := &Loop{
		Channel: receiver,
		Handler: h,
		Limits:  httpframe.DefaultLimits,
	}
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run() }()

	clientConn := dispatchOneConn(t, ln, sender)
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Write([]byte("GET /widgets?x=1 HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)

	assert.Equal(t, "/widgets", h.gotPath)
	assert.Equal(t, "127.0.0.1", h.gotPeer.Host)

	sender.Close()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after control channel closed")
	}
}

func TestLoopRunReturnsNilWhenChannelCloses(t *testing.T) {
	sender, receiver, err := fdtransport.NewPair()
	require.NoError(t, err)

	loop := &Loop{Channel: receiver, Handler: &echoHandler{}, Limits: httpframe.DefaultLimits}
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run() }()

	sender.Close()

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after control channel closed")
	}
}

func TestLoopRunDropsMessageWithTooManyDescriptors(t *testing.T) {
	sender, receiver, err := fdtransport.NewPair()
	require.NoError(t, err)
	defer sender.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := &echoHandler{}
	loop := &Loop{Channel: receiver, Handler: h, Limits: httpframe.DefaultLimits}
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run() }()

	pipeFDs := make([]int, 2)
	require.NoError(t, syscall.Pipe(pipeFDs))
	defer syscall.Close(pipeFDs[1])
	payload, err := fdtransport.EncodePeerAddr(fdtransport.PeerAddr{Host: "10.0.0.9", Port: 1})
	require.NoError(t, err)
	require.NoError(t, sender.Send(pipeFDs, payload))

	clientConn := dispatchOneConn(t, ln, sender)
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Write([]byte("GET /after HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)
	assert.Equal(t, "/after", h.gotPath)

	sender.Close()
	<-runDone
}
