//go:build linux

package ael

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingPongServer answers "ping" with "pong" and closes the connection.
// Filter factories, if any, are applied one per HandleConnected window, so
// a chain builds up one level per completed handshake. All callbacks run on
// the server loop goroutine.
type pingPongServer struct {
	loop      *EventLoop
	factories []func(t *testing.T) StreamBufferFilter
	t         *testing.T

	newConns atomic.Int64
	eofs     *countDownLatch

	buffers   map[*StreamBuffer]struct{}
	filterIdx map[*StreamBuffer]int
}

func newPingPongServer(t *testing.T, loop *EventLoop, expectEOFs int, factories ...func(t *testing.T) StreamBufferFilter) *pingPongServer {
	return &pingPongServer{
		loop:      loop,
		factories: factories,
		t:         t,
		eofs:      newCountDownLatch(expectEOFs),
		buffers:   make(map[*StreamBuffer]struct{}),
		filterIdx: make(map[*StreamBuffer]int),
	}
}

func (s *pingPongServer) HandleNewConnection(handle Handle) {
	s.newConns.Add(1)
	sb := NewServerStreamBuffer(s, handle)
	s.buffers[sb] = struct{}{}
	if err := s.loop.Attach(sb); err != nil {
		s.t.Errorf("attach: %v", err)
	}
}

func (s *pingPongServer) HandleConnected(sb *StreamBuffer) {
	if idx := s.filterIdx[sb]; idx < len(s.factories) {
		s.filterIdx[sb] = idx + 1
		sb.AddStreamBufferFilter(s.factories[idx](s.t))
	}
}

func (s *pingPongServer) HandleData(sb *StreamBuffer, dv *DataView) {
	if strings.Contains(dv.String(), "ping") {
		sb.Write(StringDataView("pong"))
		sb.Close()
	}
}

func (s *pingPongServer) HandleEOF(sb *StreamBuffer) {
	delete(s.buffers, sb)
	s.eofs.Dec()
}

// pingClient writes "ping" once fully connected (after its filter chain is
// complete) and closes on "pong".
type pingClient struct {
	factories []func(t *testing.T) StreamBufferFilter
	t         *testing.T

	filterIdx int
	connected bool
	got       []byte
	eof       *countDownLatch
}

func newPingClient(t *testing.T, factories ...func(t *testing.T) StreamBufferFilter) *pingClient {
	return &pingClient{factories: factories, t: t, eof: newCountDownLatch(1)}
}

func (c *pingClient) HandleConnected(sb *StreamBuffer) {
	if c.filterIdx < len(c.factories) {
		idx := c.filterIdx
		c.filterIdx++
		sb.AddStreamBufferFilter(c.factories[idx](c.t))
		return
	}
	c.connected = true
	sb.Write(StringDataView("ping"))
}

func (c *pingClient) HandleData(sb *StreamBuffer, dv *DataView) {
	c.got = append(c.got, dv.Bytes()...)
	if strings.Contains(string(c.got), "pong") {
		sb.Close()
	}
}

func (c *pingClient) HandleEOF(sb *StreamBuffer) {
	c.eof.Dec()
}

func runPingPong(t *testing.T, clients int, factories ...func(t *testing.T) StreamBufferFilter) {
	serverLoop, err := Create()
	require.NoError(t, err)
	clientLoop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	server := newPingPongServer(t, serverLoop, clients, factories...)
	listener, port := newTestListener(t, server)
	require.NoError(t, serverLoop.Attach(listener))

	handlers := make([]*pingClient, 0, clients)
	for i := 0; i < clients; i++ {
		client := newPingClient(t, factories...)
		sb, err := NewClientStreamBuffer(client, "127.0.0.1", port)
		require.NoError(t, err)
		require.NoError(t, clientLoop.Attach(sb))
		handlers = append(handlers, client)
	}

	for i, client := range handlers {
		require.True(t, client.eof.Wait(10*time.Second), "client %d did not reach EOF", i)
	}
	require.True(t, server.eofs.Wait(10*time.Second), "server did not see every EOF")

	for i, client := range handlers {
		assert.True(t, client.connected, "client %d: EOF without HandleConnected", i)
		assert.Equal(t, "pong", string(client.got), "client %d payload", i)
	}
	assert.Equal(t, int64(clients), server.newConns.Load())
}

func TestStreamBuffer_pingPong(t *testing.T) {
	runPingPong(t, 30)
}

func TestStreamBuffer_connectFailure(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	client := newPingClient(t)
	sb, err := NewClientStreamBuffer(client, "127.0.0.1", unusedPort(t))
	require.NoError(t, err)
	require.NoError(t, loop.Attach(sb))

	require.True(t, client.eof.Wait(5*time.Second), "no EOF for failed connect")
	assert.False(t, client.connected, "HandleConnected fired for a failed connect")
	assert.Empty(t, client.got)
}

// sinkHandler records nothing; used where only the write side matters.
type sinkHandler struct {
	eof *countDownLatch
}

func (h *sinkHandler) HandleConnected(*StreamBuffer)       {}
func (h *sinkHandler) HandleData(*StreamBuffer, *DataView) {}
func (h *sinkHandler) HandleEOF(*StreamBuffer)             { h.eof.Dec() }

func TestStreamBuffer_writeOrderingPreserved(t *testing.T) {
	peer, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := peer.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	port := uint16(peer.Addr().(*net.TCPAddr).Port)
	handler := &sinkHandler{eof: newCountDownLatch(1)}
	sb, err := NewClientStreamBuffer(handler, "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, loop.Attach(sb))

	// Mixed sizes, including chunks large enough to force partial sends
	// and starvation re-arming.
	rng := rand.New(rand.NewSource(1))
	var want bytes.Buffer
	for i := 0; i < 40; i++ {
		size := 1 + rng.Intn(64)
		if i%8 == 0 {
			size = 256 * 1024
		}
		chunk := make([]byte, size)
		rng.Read(chunk)
		want.Write(chunk)
		sb.Write(NewDataView(chunk))
	}
	sb.Close()

	require.True(t, handler.eof.Wait(10*time.Second), "writer did not close")

	select {
	case data := <-received:
		require.NotNil(t, data)
		require.Equal(t, want.Len(), len(data))
		assert.True(t, bytes.Equal(want.Bytes(), data), "delivered bytes differ from written bytes")
	case <-time.After(10 * time.Second):
		t.Fatal("peer never finished reading")
	}
}

func TestStreamBuffer_refusesZeroLengthAndPostCloseWrites(t *testing.T) {
	peer, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	go func() {
		conn, err := peer.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
	}()

	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	port := uint16(peer.Addr().(*net.TCPAddr).Port)
	handler := &sinkHandler{eof: newCountDownLatch(1)}
	sb, err := NewClientStreamBuffer(handler, "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, loop.Attach(sb))

	sb.Write(NewDataView(nil)) // refused, no effect
	sb.Write(StringDataView("data"))
	sb.Close()
	sb.Write(StringDataView("after close")) // refused

	require.True(t, handler.eof.Wait(5*time.Second))
}

func TestStreamBuffer_serverSeesManyClients(t *testing.T) {
	serverLoop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	const clients = 10

	server := newPingPongServer(t, serverLoop, clients)
	listener, port := newTestListener(t, server)
	require.NoError(t, serverLoop.Attach(listener))

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for i := 0; i < clients; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		reply, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(reply))
		require.NoError(t, conn.Close())
	}

	require.True(t, server.eofs.Wait(10*time.Second))
	assert.Equal(t, int64(clients), server.newConns.Load())
}
