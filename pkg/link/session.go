// Package link implements the session runtime bridging the eZ80 and VDP
// sides: handshake, the multiplexed pump loop, VSYNC cadence, UART TX
// batching, CTS backpressure and reconnection handling.
package link

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/protocol"
	"github.com/agon-emu/agon-link/pkg/transport"
)

const (
	// txInterval bounds how often pending TX bytes are flushed into a
	// single UART_DATA frame.
	txInterval = 100 * time.Microsecond
	// VsyncInterval is the ~60 Hz cadence of VSYNC frames.
	VsyncInterval = 16666 * time.Microsecond
	// idleSleep is the pump's nap when an iteration did no work.
	idleSleep = time.Millisecond
	// busySleep keeps the poll granularity under the TX interval.
	busySleep = 100 * time.Microsecond
	// sessionReadTimeout keeps the reader goroutine responsive to the
	// shutdown flag.
	sessionReadTimeout = 50 * time.Millisecond
	// handshakeTimeout bounds the wait for the peer's first message so a
	// wedged peer cannot stall the accept or reconnect loop.
	handshakeTimeout = 5 * time.Second
)

// Renderer is the display collaborator the connector side drives. The
// fabric does not care how it is realised.
type Renderer interface {
	// SignalVblank notifies the renderer of the frame tick.
	SignalVblank()
	// PushByte hands the renderer a UART byte from the CPU.
	PushByte(b byte)
	// PullByte fetches one pending byte the renderer wants to send to the
	// CPU, if any.
	PullByte() (byte, bool)
	// ClearToSend reports whether the renderer can accept more bytes.
	ClearToSend() bool
	// Shutdown tells the renderer the session is over.
	Shutdown()
}

// startReader runs the dedicated per-session reader: blocking receives
// posted to a channel until EOF, error or shutdown. The pump drains the
// channel without blocking, which keeps stream ordering intact.
func startReader(conn transport.Conn, shutdown *atomic.Bool, done <-chan struct{}) <-chan protocol.Message {
	msgs := make(chan protocol.Message, 64)
	conn.SetReadTimeout(sessionReadTimeout)

	go func() {
		defer close(msgs)
		for !shutdown.Load() {
			m, err := conn.Recv()
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					continue
				}
				if !errors.Is(err, protocol.ErrConnectionClosed) {
					log.Debug().Err(err).Msg("session read error")
				}
				return
			}
			select {
			case msgs <- m:
			case <-done:
				return
			}
		}
	}()

	return msgs
}

// nextVsyncDeadline advances the schedule by exact intervals rather than
// slipping, clamping to now when the clock overshot by more than one
// interval.
func nextVsyncDeadline(last, now time.Time, interval time.Duration) time.Time {
	next := last.Add(interval)
	if now.Sub(next) > interval {
		return now
	}
	return next
}

// awaitHello runs the passive half of the handshake: expect HELLO, answer
// HELLO_ACK with the given capabilities.
func awaitHello(conn transport.Conn, capabilities string) error {
	conn.SetReadTimeout(handshakeTimeout)
	m, err := conn.Recv()
	if err != nil {
		return err
	}
	hello, ok := m.(protocol.Hello)
	if !ok {
		return protocol.FormatError("expected HELLO from peer")
	}
	log.Info().Uint8("version", hello.Version).Uint8("flags", hello.Flags).Msg("peer HELLO")

	if err := conn.Send(protocol.HelloAck{Version: protocol.Version, Capabilities: capabilities}); err != nil {
		return err
	}
	log.Info().Msg("handshake complete")
	return nil
}

// sendHello runs the active half of the handshake: send HELLO, expect
// HELLO_ACK.
func sendHello(conn transport.Conn) error {
	if err := conn.Send(protocol.Hello{Version: protocol.Version, Flags: 0}); err != nil {
		return err
	}
	conn.SetReadTimeout(handshakeTimeout)
	m, err := conn.Recv()
	if err != nil {
		return err
	}
	ack, ok := m.(protocol.HelloAck)
	if !ok {
		return protocol.FormatError("expected HELLO_ACK from peer")
	}
	log.Info().Uint8("version", ack.Version).Str("capabilities", ack.Capabilities).Msg("peer HELLO_ACK")
	log.Info().Msg("handshake complete")
	return nil
}
