package transport

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agon-emu/agon-link/pkg/protocol"
)

// wsListener serves the HTTP upgrade and hands upgraded connections to
// Accept. The WebSocket handshake happens at accept time, before the
// protocol handshake.
type wsListener struct {
	nl     net.Listener
	srv    *http.Server
	conns  chan *websocket.Conn
	done   chan struct{}
	closed sync.Once
}

func listenWebSocket(a Addr) (Listener, error) {
	nl, err := net.Listen("tcp", a.Target)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		nl:    nl,
		conns: make(chan *websocket.Conn),
		done:  make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if tc, ok := ws.NetConn().(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		select {
		case l.conns <- ws:
		case <-l.done:
			ws.Close()
		}
	})

	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(nl)

	return l, nil
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case ws := <-l.conns:
		return newWSConn(ws), nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closed.Do(func() { close(l.done) })
	return l.srv.Close()
}

func (l *wsListener) Addr() string { return "ws://" + l.nl.Addr().String() }

// wsConn adapts a gorilla connection to the Conn interface. WebSocket is
// message-oriented already, so a dedicated reader goroutine feeds a channel
// instead of exposing a splittable stream; ping frames are answered by the
// library's default handler and text frames are dropped.
type wsConn struct {
	ws *websocket.Conn

	wmu          sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration

	msgs      chan protocol.Message
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		msgs: make(chan protocol.Message, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.errs <- mapWSErr(err)
			close(c.msgs)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, _, err := protocol.Decode(data)
		if err != nil {
			c.errs <- err
			close(c.msgs)
			return
		}
		select {
		case c.msgs <- m:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(m protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(m)); err != nil {
		return mapWSErr(err)
	}
	return nil
}

func (c *wsConn) Recv() (protocol.Message, error) {
	if c.readTimeout > 0 {
		timer := time.NewTimer(c.readTimeout)
		defer timer.Stop()
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return nil, c.readErr()
			}
			return m, nil
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
	m, ok := <-c.msgs
	if !ok {
		return nil, c.readErr()
	}
	return m, nil
}

func (c *wsConn) TryRecv() (protocol.Message, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return nil, c.readErr()
		}
		return m, nil
	default:
		return nil, ErrNoMessage
	}
}

func (c *wsConn) readErr() error {
	select {
	case err := <-c.errs:
		// Keep the error for later callers.
		c.errs <- err
		return err
	default:
		return protocol.ErrConnectionClosed
	}
}

func (c *wsConn) SetReadTimeout(d time.Duration) error {
	c.readTimeout = d
	return nil
}

func (c *wsConn) SetWriteTimeout(d time.Duration) error {
	c.writeTimeout = d
	return nil
}

// Shutdown sends a close frame; WebSocket has no half-open write state.
func (c *wsConn) Shutdown() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(time.Second)
	return c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

func mapWSErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.ErrConnectionClosed
	}
	if errors.Is(err, net.ErrClosed) {
		return protocol.ErrConnectionClosed
	}
	if isTimeout(err) {
		return ErrTimeout
	}
	return err
}
