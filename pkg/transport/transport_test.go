package transport

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agon-emu/agon-link/pkg/protocol"
)

func exchange(t *testing.T, addr Addr) {
	t.Helper()

	l, err := Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	if addr.Kind == KindTCP && strings.HasSuffix(addr.Target, ":0") {
		addr = TCPAddr(l.Addr())
	}

	done := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()

		m, err := conn.Recv()
		if err != nil {
			done <- err
			return
		}
		if _, ok := m.(protocol.Hello); !ok {
			done <- errors.New("expected HELLO")
			return
		}
		if err := conn.Send(protocol.HelloAck{Version: protocol.Version, Capabilities: "{}"}); err != nil {
			done <- err
			return
		}
		m, err = conn.Recv()
		if err != nil {
			done <- err
			return
		}
		done <- conn.Send(protocol.UartData{0x43, 0x44})
		_ = m
	}()

	conn, err := Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(protocol.Hello{Version: 1, Flags: 0}))

	m, err := conn.Recv()
	require.NoError(t, err)
	ack, ok := m.(protocol.HelloAck)
	require.True(t, ok)
	assert.Equal(t, byte(protocol.Version), ack.Version)

	require.NoError(t, conn.Send(protocol.UartData{0x41, 0x42}))

	m, err = conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.UartData{0x43, 0x44}, m)

	require.NoError(t, <-done)
}

func TestUnixSocketExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.sock")
	exchange(t, UnixAddr(path))
}

func TestTCPExchange(t *testing.T) {
	exchange(t, TCPAddr("127.0.0.1:0"))
}

func TestUnixListenerReplacesStalePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	l, err := Listen(UnixAddr(path))
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket path removed on close")
}

func TestTryRecv(t *testing.T) {
	l, err := Listen(TCPAddr("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := Dial(TCPAddr(l.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()

	_, err = conn.TryRecv()
	assert.True(t, errors.Is(err, ErrNoMessage))

	require.NoError(t, peer.Send(protocol.Vsync{}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := conn.TryRecv()
		if err == nil {
			assert.Equal(t, protocol.Vsync{}, m)
			break
		}
		require.True(t, errors.Is(err, ErrNoMessage))
		require.True(t, time.Now().Before(deadline), "message never arrived")
		time.Sleep(time.Millisecond)
	}
}

func TestRecvTimeout(t *testing.T) {
	l, err := Listen(TCPAddr("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err == nil {
			// Hold the connection open without sending.
			time.Sleep(500 * time.Millisecond)
			conn.Close()
		}
	}()

	conn, err := Dial(TCPAddr(l.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadTimeout(50*time.Millisecond))
	_, err = conn.Recv()
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestRecvConnectionClosed(t *testing.T) {
	l, err := Listen(TCPAddr("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := Dial(TCPAddr(l.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Recv()
	assert.True(t, errors.Is(err, protocol.ErrConnectionClosed))
}

func TestWebSocketDialRejected(t *testing.T) {
	_, err := Dial(WebSocketAddr(12345))
	require.Error(t, err)
}

func TestWebSocketExchange(t *testing.T) {
	l, err := Listen(Addr{Kind: KindWebSocket, Target: "127.0.0.1:0"})
	require.NoError(t, err)
	defer l.Close()

	u := url.URL{Scheme: "ws", Host: strings.TrimPrefix(l.Addr(), "ws://"), Path: "/"}

	type result struct {
		msg protocol.Message
		err error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			got <- result{err: err}
			return
		}
		defer conn.Close()
		m, err := conn.Recv()
		if err != nil {
			got <- result{err: err}
			return
		}
		if err := conn.Send(protocol.Cts(true)); err != nil {
			got <- result{err: err}
			return
		}
		got <- result{msg: m}
	}()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer ws.Close()

	// Text frames must be ignored by the server side.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ignore me")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(protocol.UartData{0x10, 0x20})))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, protocol.UartData{0x10, 0x20}, r.msg)

	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	m, _, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.Cts(true), m)
}

func TestWebSocketCloseSurfacesClosed(t *testing.T) {
	l, err := Listen(Addr{Kind: KindWebSocket, Target: "127.0.0.1:0"})
	require.NoError(t, err)
	defer l.Close()

	u := url.URL{Scheme: "ws", Host: strings.TrimPrefix(l.Addr(), "ws://"), Path: "/"}

	errCh := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		_, err = conn.Recv()
		errCh <- err
	}()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ws.Close()

	assert.True(t, errors.Is(<-errCh, protocol.ErrConnectionClosed))
}
