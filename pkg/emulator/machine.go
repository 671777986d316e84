// Package emulator provides a minimal eZ80-shaped core for the link hosts:
// a flat 24-bit memory, the register file, trigger evaluation and the
// debugger command loop. It retires no-ops instead of decoding
// instructions; the full CPU is an external collaborator behind the same
// interfaces.
package emulator

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agon-emu/agon-link/pkg/debugger"
	"github.com/agon-emu/agon-link/pkg/gpio"
)

// MemSize is the 24-bit flat address space.
const MemSize = 1 << 24

// DefaultClockHz is the stock eZ80 clock rate.
const DefaultClockHz = 18_432_000

const (
	opsPerBatch = 8192
	cyclesPerOp = 4
)

// SerialLink is the UART the machine drives. The UART emulation consults
// ClearToSend before committing a byte; the link fabric never drops.
type SerialLink interface {
	Send(b byte)
	Recv() (byte, bool)
	ClearToSend() bool
}

// Config wires a machine to its collaborators.
type Config struct {
	Serial   SerialLink
	Vsync    *gpio.Pin
	ClockHz  int
	ZeroRAM  bool
	Shutdown *atomic.Bool
}

// Machine is the CPU stand-in: it owns memory and registers, honors
// debugger commands and triggers, and moves UART bytes.
type Machine struct {
	mem    []byte
	regs   debugger.RegisterFile
	serial SerialLink

	clockHz  int
	shutdown *atomic.Bool

	triggers   map[uint32]debugger.Trigger
	paused     bool
	resumeSkip bool

	outMu   sync.Mutex
	out     []byte
	rxCount atomic.Uint64
	vsyncs  atomic.Uint64
}

// New builds a machine. RAM starts random unless ZeroRAM is set, matching
// real hardware coming up cold.
func New(cfg Config) *Machine {
	m := &Machine{
		mem:      make([]byte, MemSize),
		serial:   cfg.Serial,
		clockHz:  cfg.ClockHz,
		shutdown: cfg.Shutdown,
		triggers: make(map[uint32]debugger.Trigger),
	}
	if m.clockHz <= 0 {
		m.clockHz = DefaultClockHz
	}
	if !cfg.ZeroRAM {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		rnd.Read(m.mem)
	}
	m.regs.ADL = true
	if cfg.Vsync != nil {
		cfg.Vsync.OnRise(func() { m.vsyncs.Add(1) })
	}
	return m
}

// VsyncCount reports how many VSYNC interrupts the machine has taken.
func (m *Machine) VsyncCount() uint64 { return m.vsyncs.Load() }

// RxCount reports how many UART bytes the machine has consumed.
func (m *Machine) RxCount() uint64 { return m.rxCount.Load() }

// QueueSerialOut stages bytes the guest wants to transmit. They drain to
// the serial link only while CTS is ready.
func (m *Machine) QueueSerialOut(data []byte) {
	m.outMu.Lock()
	m.out = append(m.out, data...)
	m.outMu.Unlock()
}

// Run executes the machine until the shutdown flag is set. conn carries
// the debugger channel pair; a zero Connection runs without a debugger.
func (m *Machine) Run(conn debugger.Connection) {
	for m.shutdown == nil || !m.shutdown.Load() {
		if !m.drainCmds(conn) {
			return
		}

		if m.paused {
			time.Sleep(time.Millisecond)
			continue
		}

		start := time.Now()
		executed := 0
		for ; executed < opsPerBatch && !m.paused; executed++ {
			m.stepOne(conn)
		}

		m.pumpSerial()
		m.throttle(start, executed)
	}
}

// drainCmds applies all pending debugger commands. Returns false when the
// command channel is closed.
func (m *Machine) drainCmds(conn debugger.Connection) bool {
	if conn.Cmds == nil {
		return true
	}
	for {
		select {
		case cmd, ok := <-conn.Cmds:
			if !ok {
				return false
			}
			m.apply(cmd, conn)
		default:
			return true
		}
	}
}

// stepOne evaluates any trigger at the current PC, then retires one op.
func (m *Machine) stepOne(conn debugger.Connection) {
	if !m.resumeSkip {
		if trig, ok := m.triggers[m.regs.PC]; ok {
			for _, action := range trig.Actions {
				m.apply(action, conn)
			}
			if trig.Once {
				delete(m.triggers, trig.Address)
			}
			if m.paused {
				return
			}
		}
	}
	m.resumeSkip = false
	m.exec()
}

// exec retires one op: PC advances through the 24-bit space, R counts.
func (m *Machine) exec() {
	m.regs.PC = (m.regs.PC + 1) & 0xffffff
	m.regs.R = (m.regs.R + 1) & 0x7f
}

// apply performs one debugger command and emits its response.
func (m *Machine) apply(cmd debugger.Cmd, conn debugger.Connection) {
	switch cmd := cmd.(type) {
	case debugger.Pause:
		m.paused = true
		m.respond(conn, debugger.Paused{Reason: cmd.Reason})
	case debugger.Continue:
		m.paused = false
		m.resumeSkip = true
		m.respond(conn, debugger.Resumed{})
	case debugger.Step, debugger.StepOver:
		m.resumeSkip = false
		m.exec()
		m.respond(conn, debugger.State{File: m.regs, Paused: m.paused})
	case debugger.GetRegisters:
		m.respond(conn, debugger.Registers{File: m.regs})
	case debugger.GetState:
		m.respond(conn, debugger.State{File: m.regs, Paused: m.paused})
	case debugger.GetMemory:
		start := cmd.Start & 0xffffff
		end := start + cmd.Len
		if end > MemSize {
			end = MemSize
		}
		data := make([]byte, end-start)
		copy(data, m.mem[start:end])
		m.respond(conn, debugger.Memory{Start: start, Data: data})
	case debugger.WriteMemory:
		start := cmd.Start & 0xffffff
		copy(m.mem[start:], cmd.Data)
		m.respond(conn, debugger.Pong{})
	case debugger.SetRegister:
		m.setRegister(cmd.Index, cmd.Value)
		m.respond(conn, debugger.Pong{})
	case debugger.AddTrigger:
		m.triggers[cmd.Trigger.Address] = cmd.Trigger
		m.respond(conn, debugger.Pong{})
	case debugger.DeleteTrigger:
		delete(m.triggers, cmd.Address)
		m.respond(conn, debugger.Pong{})
	}
}

func (m *Machine) respond(conn debugger.Connection, r debugger.Resp) {
	if conn.Resps != nil {
		conn.Resps <- r
	}
}

// setRegister writes by DZRP register index. The alternate set and IM are
// not modelled.
func (m *Machine) setRegister(index byte, value uint32) {
	switch index {
	case 0:
		m.regs.PC = value & 0xffffff
	case 1:
		m.regs.SP = value & 0xffffff
	case 2:
		m.regs.AF = uint16(value)
	case 3:
		m.regs.BC = value & 0xffffff
	case 4:
		m.regs.DE = value & 0xffffff
	case 5:
		m.regs.HL = value & 0xffffff
	case 6:
		m.regs.IX = value & 0xffffff
	case 7:
		m.regs.IY = value & 0xffffff
	case 12:
		m.regs.I = byte(value)
	case 13:
		m.regs.R = byte(value) & 0x7f
	}
}

// pumpSerial consumes inbound UART bytes and drains staged output while
// the peer is clear to send.
func (m *Machine) pumpSerial() {
	if m.serial == nil {
		return
	}
	for {
		_, ok := m.serial.Recv()
		if !ok {
			break
		}
		m.rxCount.Add(1)
	}

	m.outMu.Lock()
	for len(m.out) > 0 && m.serial.ClearToSend() {
		m.serial.Send(m.out[0])
		m.out = m.out[1:]
	}
	m.outMu.Unlock()
}

// throttle sleeps off the difference between wall time and the cycle
// budget of the retired batch.
func (m *Machine) throttle(start time.Time, ops int) {
	want := time.Duration(ops*cyclesPerOp) * time.Second / time.Duration(m.clockHz)
	if elapsed := time.Since(start); elapsed < want {
		time.Sleep(want - elapsed)
	}
}
