package link

import (
	"sync"
	"sync/atomic"
)

// UartState is the shared UART state between the CPU thread and the session
// pump. It lives for the whole emulator process and survives VDP
// reconnects; each queue has its own lock.
type UartState struct {
	txMu sync.Mutex
	tx   []byte

	rxMu sync.Mutex
	rx   []byte

	cts atomic.Bool
}

// NewUartState returns an empty state with CTS ready.
func NewUartState() *UartState {
	s := &UartState{}
	s.cts.Store(true)
	return s
}

// QueueTx appends one CPU-produced byte for the pump to batch toward the
// VDP.
func (s *UartState) QueueTx(b byte) {
	s.txMu.Lock()
	s.tx = append(s.tx, b)
	s.txMu.Unlock()
}

// DrainTx atomically takes up to max pending TX bytes, preserving order.
// The cap keeps a burst from exceeding the UART frame limit; leftover
// bytes go out on the next flush.
func (s *UartState) DrainTx(max int) []byte {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if len(s.tx) == 0 {
		return nil
	}
	if max >= len(s.tx) {
		out := s.tx
		s.tx = nil
		return out
	}
	out := s.tx[:max:max]
	s.tx = s.tx[max:]
	return out
}

// PendingTx reports the number of queued TX bytes.
func (s *UartState) PendingTx() int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return len(s.tx)
}

// QueueRx appends VDP-produced bytes for the CPU to consume.
func (s *UartState) QueueRx(data []byte) {
	if len(data) == 0 {
		return
	}
	s.rxMu.Lock()
	s.rx = append(s.rx, data...)
	s.rxMu.Unlock()
}

// NextRx pops the oldest received byte, if any.
func (s *UartState) NextRx() (byte, bool) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	if len(s.rx) == 0 {
		return 0, false
	}
	b := s.rx[0]
	s.rx = s.rx[1:]
	return b, true
}

// SetCts records the VDP-authoritative clear-to-send flag.
func (s *UartState) SetCts(ready bool) { s.cts.Store(ready) }

// Cts reports whether the VDP is ready for more UART data.
func (s *UartState) Cts() bool { return s.cts.Load() }

// Port returns the CPU-facing serial view of this state.
func (s *UartState) Port() *SerialPort { return &SerialPort{state: s} }

// SerialPort is the CPU side of the shared UART. The CPU's UART emulation
// must consult ClearToSend before committing a byte; Send itself never
// drops.
type SerialPort struct {
	state *UartState
}

// Send queues one byte toward the VDP.
func (p *SerialPort) Send(b byte) { p.state.QueueTx(b) }

// Recv pops the next byte received from the VDP, if any.
func (p *SerialPort) Recv() (byte, bool) { return p.state.NextRx() }

// ClearToSend reports the current CTS flag.
func (p *SerialPort) ClearToSend() bool { return p.state.Cts() }
