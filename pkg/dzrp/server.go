package dzrp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/debugger"
)

const (
	// responseTimeout bounds waits for state-bearing debugger replies.
	responseTimeout = 5 * time.Second
	// pongTimeout bounds waits for plain acknowledgements.
	pongTimeout = time.Second
	// connReadTimeout keeps the connection loop responsive to async pause
	// events and the shutdown flag.
	connReadTimeout = 50 * time.Millisecond
	// acceptPollInterval is how often the accept loop rechecks shutdown.
	acceptPollInterval = 100 * time.Millisecond
	// pauseStateTimeout bounds how long a pause event waits for the State
	// that normally follows it before being reported with the previous PC.
	pauseStateTimeout = 250 * time.Millisecond
)

// Server bridges one DeZog IDE connection at a time to the emulator's
// debugger channels.
type Server struct {
	cmds     chan<- debugger.Cmd
	resps    <-chan debugger.Resp
	shutdown *atomic.Bool
	port     int

	// breakpointIDs maps CPU address to the IDE's breakpoint id. The id
	// counter wraps; the IDE owns the id space, so collisions overwrite.
	breakpointIDs map[uint32]uint16
	nextBPID      uint16

	// lastPC is the most recent PC seen in a State response, used when a
	// pause event needs a PC of its own.
	lastPC uint32

	// pendingPause holds a pause event awaiting the State that follows it
	// on the channel, so its notification carries that State's PC rather
	// than a stale one. Zero means none pending.
	pendingPause debugger.PauseReason
	pendingSince time.Time
}

// NewServer builds a DZRP server speaking to the given debugger endpoint.
func NewServer(ep debugger.Endpoint, shutdown *atomic.Bool, port int) *Server {
	return &Server{
		cmds:          ep.Cmds,
		resps:         ep.Resps,
		shutdown:      shutdown,
		port:          port,
		breakpointIDs: make(map[uint32]uint16),
		nextBPID:      1,
	}
}

// SeedBreakpoints installs triggers before any IDE connects.
func (s *Server) SeedBreakpoints(addrs []uint32) {
	for _, addr := range addrs {
		s.cmds <- debugger.AddTrigger{Trigger: debugger.Trigger{
			Address: addr,
			Actions: []debugger.Cmd{
				debugger.Pause{Reason: debugger.PauseBreakpoint},
				debugger.GetState{},
			},
		}}
		s.waitForPong(nil)
		log.Info().Str("address", fmt.Sprintf("0x%06x", addr)).Msg("seeded breakpoint")
	}
}

// Run binds the listener and serves IDE connections until shutdown.
func (s *Server) Run() {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("DZRP bind failed")
		return
	}
	defer listener.Close()

	tcpListener := listener.(*net.TCPListener)
	log.Info().Str("addr", addr).Msg("DZRP listening")

	for !s.shutdown.Load() {
		tcpListener.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := tcpListener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.Error().Err(err).Msg("DZRP accept error")
			continue
		}
		log.Info().Str("peer", conn.RemoteAddr().String()).Msg("DZRP connection")
		s.handleConn(conn)
		conn.Close()
		log.Info().Msg("DZRP connection closed")
	}
	log.Info().Msg("DZRP server shutdown")
}

// handleConn runs one IDE session: strictly serial command handling with
// async pause notifications interleaved.
func (s *Server) handleConn(conn net.Conn) {
	buf := make([]byte, 65536)
	var pending []byte

	for !s.shutdown.Load() {
		// Relay any unsolicited debugger events while idle.
		if !s.checkResponses(conn) {
			return
		}

		conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("DZRP read error")
			}
			return
		}
		pending = append(pending, buf[:n]...)

		for {
			msg, consumed, ok := nextMessage(pending)
			if !ok {
				break
			}
			pending = pending[consumed:]

			resp, closing := s.handleMessage(conn, msg)
			if resp != nil {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if _, err := conn.Write(resp); err != nil {
					return
				}
			}
			if closing {
				return
			}
		}
	}
}

// nextMessage parses one complete framed message from the front of data.
func nextMessage(data []byte) (Message, int, bool) {
	if len(data) < 4 {
		return Message{}, 0, false
	}
	length := int(readU32(data, 0))
	total := 4 + length
	if len(data) < total {
		return Message{}, 0, false
	}
	msg, ok := ParseMessage(data[4:total])
	if !ok {
		return Message{}, 0, false
	}
	return msg, total, true
}

// handleMessage dispatches one IDE request. The bool result is true when
// the connection should close.
func (s *Server) handleMessage(conn net.Conn, msg Message) ([]byte, bool) {
	switch msg.Cmd {
	case CmdInit:
		return msg.Response(initResponse()), false

	case CmdClose:
		return msg.Response(nil), true

	case CmdLoopback:
		return msg.Response(msg.Payload), false

	case CmdAddBreakpoint:
		bpID := s.nextBPID
		if len(msg.Payload) >= 2 {
			bpID = readU16(msg.Payload, 0)
		}
		s.nextBPID++

		if len(msg.Payload) < 7 {
			return msg.Response([]byte{1}), false
		}
		address := readU24(msg.Payload, 4)
		s.breakpointIDs[address] = bpID

		s.forward(conn, msg)

		resp := []byte{0}
		resp = appendU16(resp, bpID)
		return msg.Response(resp), false

	case CmdRemoveBreakpoint:
		if len(msg.Payload) >= 3 {
			delete(s.breakpointIDs, readU24(msg.Payload, 0))
		}
		s.forward(conn, msg)
		return msg.Response(nil), false

	case CmdGetRegisters:
		s.cmds <- debugger.GetRegisters{}
		if resp, ok := s.waitForResponse(conn); ok {
			if payload, ok := responsePayload(resp); ok {
				return msg.Response(payload), false
			}
		}
		return msg.Response(nil), false

	case CmdSetRegister, CmdWriteMem:
		s.forward(conn, msg)
		return msg.Response(nil), false

	case CmdReadMem:
		if cmds := commandsFor(msg); cmds != nil {
			for _, c := range cmds {
				s.cmds <- c
			}
			if resp, ok := s.waitForResponse(conn); ok {
				if payload, ok := responsePayload(resp); ok {
					return msg.Response(payload), false
				}
			}
		}
		return msg.Response(nil), false

	case CmdContinue:
		s.cmds <- debugger.Continue{}
		s.waitForResponse(conn)
		return msg.Response(nil), false

	case CmdPause:
		// The pause event arrives async as a notification; no wait here.
		s.cmds <- debugger.Pause{Reason: debugger.PauseRequested}
		s.cmds <- debugger.GetState{}
		return msg.Response(nil), false

	case CmdStepInto, CmdStepOver:
		s.forwardAwaitState(conn, msg)
		return msg.Response(nil), false

	default:
		log.Warn().Uint8("cmd", msg.Cmd).Msg("unknown DZRP command")
		return msg.Response(nil), false
	}
}

// forward sends the translated commands and waits for the plain
// acknowledgement.
func (s *Server) forward(conn net.Conn, msg Message) {
	cmds := commandsFor(msg)
	if cmds == nil {
		return
	}
	for _, c := range cmds {
		s.cmds <- c
	}
	s.waitForPong(conn)
}

// forwardAwaitState sends the translated commands and tracks the PC from
// the resulting State reply.
func (s *Server) forwardAwaitState(conn net.Conn, msg Message) {
	cmds := commandsFor(msg)
	if cmds == nil {
		return
	}
	for _, c := range cmds {
		s.cmds <- c
	}
	s.waitForResponse(conn)
}

// observe folds one debugger event into the notification bookkeeping. The
// emulator emits Paused strictly before the State carrying the pause PC,
// so a pause is held back until that State (or a Resumed) is seen; only
// then does its notification go out, with the right PC.
func (s *Server) observe(conn net.Conn, resp debugger.Resp) {
	switch r := resp.(type) {
	case debugger.State:
		s.lastPC = r.File.PC
		s.flushPause(conn)
	case debugger.Resumed:
		s.flushPause(conn)
	case debugger.Paused:
		s.flushPause(conn)
		s.pendingPause = r.Reason
		s.pendingSince = time.Now()
	}
}

// flushPause emits the deferred pause notification, if any.
func (s *Server) flushPause(conn net.Conn) {
	if s.pendingPause == 0 {
		return
	}
	s.notifyPause(conn, s.pendingPause)
	s.pendingPause = 0
}

// waitForResponse blocks for the next debugger reply, folding unsolicited
// pause events into notifications in the meantime. On timeout the caller
// falls back to an empty-success reply rather than stalling the IDE.
func (s *Server) waitForResponse(conn net.Conn) (debugger.Resp, bool) {
	deadline := time.NewTimer(responseTimeout)
	defer deadline.Stop()

	for {
		select {
		case resp, ok := <-s.resps:
			if !ok {
				s.shutdown.Store(true)
				return nil, false
			}
			s.observe(conn, resp)
			if _, paused := resp.(debugger.Paused); paused {
				continue
			}
			return resp, true
		case <-deadline.C:
			s.flushPause(conn)
			log.Warn().Msg("timed out waiting for debugger response")
			return nil, false
		}
	}
}

// waitForPong blocks for the plain acknowledgement, tracking State PCs and
// pause events seen along the way. conn may be nil before any IDE is
// attached.
func (s *Server) waitForPong(conn net.Conn) {
	deadline := time.NewTimer(pongTimeout)
	defer deadline.Stop()

	for {
		select {
		case resp, ok := <-s.resps:
			if !ok {
				s.shutdown.Store(true)
				return
			}
			s.observe(conn, resp)
			if _, pong := resp.(debugger.Pong); pong {
				return
			}
		case <-deadline.C:
			s.flushPause(conn)
			log.Warn().Msg("timed out waiting for debugger ack")
			return
		}
	}
}

// checkResponses drains pending debugger events without blocking. Returns
// false when the debugger channel is gone.
func (s *Server) checkResponses(conn net.Conn) bool {
	for {
		select {
		case resp, ok := <-s.resps:
			if !ok {
				s.shutdown.Store(true)
				return false
			}
			s.observe(conn, resp)
		default:
			// A pause whose State never arrived still gets reported,
			// with the best PC available.
			if s.pendingPause != 0 && time.Since(s.pendingSince) >= pauseStateTimeout {
				s.flushPause(conn)
			}
			return true
		}
	}
}

// notifyPause emits an NTF_PAUSE carrying the last known PC.
func (s *Server) notifyPause(conn net.Conn, reason debugger.PauseReason) {
	if conn == nil {
		return
	}
	ntf := Notification(NtfPause, pausePayload(reason, s.lastPC))
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(ntf); err != nil {
		log.Debug().Err(err).Msg("failed to write pause notification")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
