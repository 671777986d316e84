package link

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/gpio"
	"github.com/agon-emu/agon-link/pkg/protocol"
	"github.com/agon-emu/agon-link/pkg/transport"
)

// Server is the listener-side session host: the emulator process. It
// accepts one VDP peer at a time and keeps accepting across disconnects;
// the shared UART state and GPIO survive the gaps.
type Server struct {
	listener     transport.Listener
	state        *UartState
	vsyncPin     *gpio.Pin
	shutdown     *atomic.Bool
	capabilities string

	// OnFirstConnect runs once, on the first accepted peer. The emulator
	// host uses it to start the CPU lazily.
	OnFirstConnect func()

	started bool
}

// NewServer wires a server around a bound listener.
func NewServer(l transport.Listener, state *UartState, vsyncPin *gpio.Pin, shutdown *atomic.Bool, capabilities string) *Server {
	return &Server{
		listener:     l,
		state:        state,
		vsyncPin:     vsyncPin,
		shutdown:     shutdown,
		capabilities: capabilities,
	}
}

// Serve accepts peers until the shutdown flag is set. Per-session errors
// are isolated: the session ends and the loop accepts again.
func (s *Server) Serve() error {
	for !s.shutdown.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			log.Error().Err(err).Msg("accept error")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		log.Info().Msg("VDP connected")
		if !s.started {
			s.started = true
			if s.OnFirstConnect != nil {
				s.OnFirstConnect()
			}
		}

		if err := s.runSession(conn); err != nil {
			log.Warn().Err(err).Msg("VDP session error")
		}
		conn.Close()

		if s.shutdown.Load() {
			break
		}
		log.Info().Msg("VDP disconnected, waiting for reconnection")
	}
	return nil
}

// runSession performs the handshake and runs the pump for one peer.
func (s *Server) runSession(conn transport.Conn) error {
	if err := awaitHello(conn, s.capabilities); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	msgs := startReader(conn, s.shutdown, done)

	lastTx := time.Now()
	var vsyncCount uint64
	peerGone := false

	for !s.shutdown.Load() && !peerGone {
		worked := false

		// Drain everything the reader has posted, routing by variant.
	drain:
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					peerGone = true
					break drain
				}
				worked = true
				switch m := m.(type) {
				case protocol.UartData:
					log.Trace().Int("len", len(m)).Str("data", hex.EncodeToString(m)).Msg("<- UART_DATA")
					s.state.QueueRx(m)
				case protocol.Vsync:
					vsyncCount++
					if vsyncCount%60 == 0 {
						log.Trace().Uint64("count", vsyncCount).Msg("<- VSYNC")
					}
					s.vsyncPin.Pulse()
				case protocol.Cts:
					log.Trace().Bool("ready", bool(m)).Msg("<- CTS")
					s.state.SetCts(bool(m))
				case protocol.Shutdown:
					log.Info().Msg("VDP requested shutdown")
					peerGone = true
					break drain
				default:
					log.Warn().Type("msg", m).Msg("unexpected message from VDP")
				}
			default:
				break drain
			}
		}

		// Batch pending TX bytes into one frame per interval, bounded by
		// the UART frame cap.
		if time.Since(lastTx) >= txInterval {
			if tx := s.state.DrainTx(protocol.MaxUartData); len(tx) > 0 {
				log.Trace().Int("len", len(tx)).Str("data", hex.EncodeToString(tx)).Msg("-> UART_DATA")
				if err := conn.Send(protocol.UartData(tx)); err != nil {
					log.Warn().Err(err).Msg("session write error")
					break
				}
				worked = true
			}
			lastTx = time.Now()
		}

		if worked {
			time.Sleep(busySleep)
		} else {
			time.Sleep(idleSleep)
		}
	}

	// Best-effort goodbye so the peer can fall back to reconnecting.
	_ = conn.Send(protocol.Shutdown{})
	return nil
}
