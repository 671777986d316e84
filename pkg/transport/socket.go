package transport

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agon-emu/agon-link/pkg/protocol"
)

// streamConn carries framed messages over a Unix or TCP byte stream. The
// read and write sides are independent so a reader goroutine can block in
// Recv while the session sends.
type streamConn struct {
	c net.Conn
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newStreamConn(c net.Conn) *streamConn {
	if tc, ok := c.(*net.TCPConn); ok {
		// Small control frames should not sit in Nagle's buffer.
		tc.SetNoDelay(true)
	}
	return &streamConn{
		c: c,
		r: bufio.NewReader(c),
		w: bufio.NewWriter(c),
	}
}

func (s *streamConn) Send(m protocol.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.c.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	if err := protocol.WriteMessage(s.w, m); err != nil {
		return mapNetErr(err)
	}
	return mapNetErr(s.w.Flush())
}

func (s *streamConn) Recv() (protocol.Message, error) {
	if s.readTimeout > 0 {
		if err := s.c.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, err
		}
	}
	m, err := protocol.ReadMessage(s.r)
	if err != nil {
		return nil, mapNetErr(err)
	}
	return m, nil
}

func (s *streamConn) TryRecv() (protocol.Message, error) {
	// Peek at the length header under an immediate deadline so a partial
	// frame is never consumed; once the header is visible, read the whole
	// message under the normal timeout.
	if s.r.Buffered() < 2 {
		if err := s.c.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return nil, err
		}
		_, err := s.r.Peek(2)
		s.c.SetReadDeadline(time.Time{})
		if err != nil {
			if isTimeout(err) {
				return nil, ErrNoMessage
			}
			return nil, mapNetErr(err)
		}
	}
	return s.Recv()
}

func (s *streamConn) SetReadTimeout(d time.Duration) error {
	s.readTimeout = d
	if d == 0 {
		return s.c.SetReadDeadline(time.Time{})
	}
	return nil
}

func (s *streamConn) SetWriteTimeout(d time.Duration) error {
	s.writeTimeout = d
	if d == 0 {
		return s.c.SetWriteDeadline(time.Time{})
	}
	return nil
}

func (s *streamConn) Shutdown() error {
	if cw, ok := s.c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *streamConn) Close() error { return s.c.Close() }

// streamListener wraps a net.Listener; for Unix sockets it owns the path.
type streamListener struct {
	l    net.Listener
	path string
}

func listenStream(a Addr) (Listener, error) {
	switch a.Kind {
	case KindUnix:
		// A previous process may have left the socket file behind.
		_ = os.Remove(a.Target)
		l, err := net.Listen("unix", a.Target)
		if err != nil {
			return nil, err
		}
		return &streamListener{l: l, path: a.Target}, nil
	default:
		l, err := net.Listen("tcp", a.Target)
		if err != nil {
			return nil, err
		}
		return &streamListener{l: l}, nil
	}
}

func dialStream(a Addr) (Conn, error) {
	network := "tcp"
	if a.Kind == KindUnix {
		network = "unix"
	}
	c, err := net.Dial(network, a.Target)
	if err != nil {
		return nil, err
	}
	return newStreamConn(c), nil
}

func (l *streamListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(c), nil
}

func (l *streamListener) Close() error {
	err := l.l.Close()
	if l.path != "" {
		_ = os.Remove(l.path)
	}
	return err
}

func (l *streamListener) Addr() string { return l.l.Addr().String() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, protocol.ErrConnectionClosed) {
		return protocol.ErrConnectionClosed
	}
	return err
}
