// Package transport provides a uniform message-granular connection
// abstraction over Unix-domain sockets, TCP streams and WebSocket binary
// frames. All three carry the same protocol envelope unmodified.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/agon-emu/agon-link/pkg/protocol"
)

// DefaultSocketPath is the default Unix socket path for the VDP link.
const DefaultSocketPath = "/tmp/agon-vdp.sock"

// ErrNoMessage is returned by TryRecv when nothing is available.
var ErrNoMessage = errors.New("no message available")

// ErrTimeout is returned when a receive deadline expires, so callers can
// keep polling.
var ErrTimeout = errors.New("receive timed out")

// Kind selects the concrete transport backing an Addr.
type Kind int

const (
	KindUnix Kind = iota
	KindTCP
	KindWebSocket
)

// Addr names a link endpoint: a socket path, a host:port, or a WebSocket
// port.
type Addr struct {
	Kind   Kind
	Target string
}

// UnixAddr returns a Unix-domain socket address.
func UnixAddr(path string) Addr { return Addr{Kind: KindUnix, Target: path} }

// TCPAddr returns a TCP address in host:port form.
func TCPAddr(hostport string) Addr { return Addr{Kind: KindTCP, Target: hostport} }

// WebSocketAddr returns a WebSocket server address for the given port.
func WebSocketAddr(port int) Addr {
	return Addr{Kind: KindWebSocket, Target: fmt.Sprintf("0.0.0.0:%d", port)}
}

func (a Addr) String() string {
	switch a.Kind {
	case KindWebSocket:
		return "ws://" + a.Target
	default:
		return a.Target
	}
}

// Conn is a message-granular connection to the peer. Stream-backed
// connections allow one goroutine to Recv while another Sends.
type Conn interface {
	// Send encodes and writes one message, flushed.
	Send(m protocol.Message) error
	// Recv blocks for the next message. End of stream is reported as
	// protocol.ErrConnectionClosed; an expired read timeout as ErrTimeout.
	Recv() (protocol.Message, error)
	// TryRecv returns the next message if one is available, else
	// ErrNoMessage.
	TryRecv() (protocol.Message, error)
	// SetReadTimeout bounds each subsequent Recv; zero disables.
	SetReadTimeout(d time.Duration) error
	// SetWriteTimeout bounds each subsequent Send; zero disables.
	SetWriteTimeout(d time.Duration) error
	// Shutdown half-closes the write side where the transport supports it.
	Shutdown() error
	Close() error
}

// Listener accepts peer connections for one transport.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Listen binds a listener for the given address.
func Listen(a Addr) (Listener, error) {
	switch a.Kind {
	case KindUnix, KindTCP:
		return listenStream(a)
	case KindWebSocket:
		return listenWebSocket(a)
	default:
		return nil, fmt.Errorf("unsupported transport kind %d", a.Kind)
	}
}

// Dial connects to a listening peer. WebSocket is server-only and is
// rejected here.
func Dial(a Addr) (Conn, error) {
	switch a.Kind {
	case KindUnix, KindTCP:
		return dialStream(a)
	case KindWebSocket:
		return nil, errors.New("websocket transport is server-only")
	default:
		return nil, fmt.Errorf("unsupported transport kind %d", a.Kind)
	}
}
