// Package vdp contains a text-only renderer for the connector host: it
// interprets the VDU byte stream from the CPU, prints text to a writer and
// queues protocol responses back.
package vdp

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// TextRenderer implements the link fabric's Renderer over a plain text
// output. Safe for the session pump and the keyboard feeder to share.
type TextRenderer struct {
	mu sync.Mutex
	// tx holds bytes queued toward the CPU.
	tx []byte
	// terminal is set once the guest switches the VDP to terminal mode.
	terminal bool
	// pending collects a partial VDU command; want counts the bytes still
	// expected for it.
	pending []byte
	want    int

	out io.Writer
}

// NewTextRenderer builds a renderer printing to out.
func NewTextRenderer(out io.Writer) *TextRenderer {
	return &TextRenderer{out: out}
}

// TerminalMode reports whether the guest has entered terminal mode.
func (t *TextRenderer) TerminalMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// SignalVblank is a no-op: there is no frame buffer to flip.
func (t *TextRenderer) SignalVblank() {}

// Shutdown is a no-op for the text renderer.
func (t *TextRenderer) Shutdown() {}

// ClearToSend always accepts input; text output cannot back up.
func (t *TextRenderer) ClearToSend() bool { return true }

// PullByte pops the next queued response byte toward the CPU.
func (t *TextRenderer) PullByte() (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tx) == 0 {
		return 0, false
	}
	b := t.tx[0]
	t.tx = t.tx[1:]
	return b, true
}

// PushByte feeds one VDU byte from the CPU through the interpreter.
func (t *TextRenderer) PushByte(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.want > 0 {
		t.pending = append(t.pending, b)
		t.want--
		if t.want == 0 {
			t.finishCommand()
		}
		return
	}

	switch {
	case b == 0x0a:
		fmt.Fprintln(t.out)
	case b == 0x0d:
		// Carriage return folded into the newline above.
	case b == 0x11:
		// Colour: one parameter byte follows.
		t.pending = append(t.pending[:0], b)
		t.want = 1
	case b == 0x17:
		// System control: subcommand follows.
		t.pending = append(t.pending[:0], b)
		t.want = 1
	case b == 0x08 || (b >= 0x20 && b != 0x7f):
		fmt.Fprintf(t.out, "%c", b)
	case b == 0x00 || b == 0x01 || b == 0x07 || b == 0x09 || b == 0x1e:
		// Init, bell, cursor moves: nothing to render.
	default:
		log.Debug().Uint8("byte", b).Msg("unknown VDU byte")
	}
}

// finishCommand handles a fully assembled VDU command, possibly asking for
// more parameter bytes.
func (t *TextRenderer) finishCommand() {
	switch t.pending[0] {
	case 0x11:
		// Colour changes don't render in text mode.
	case 0x17:
		switch t.pending[1] {
		case 0:
			t.finishSystemCommand()
		default:
			log.Debug().Uint8("sub", t.pending[1]).Msg("unknown VDU 0x17 subcommand")
		}
	}
}

// finishSystemCommand handles VDU 0x17,0 (video system) commands.
func (t *TextRenderer) finishSystemCommand() {
	if len(t.pending) < 3 {
		t.want = 1
		return
	}
	switch t.pending[2] {
	case 0x80:
		// General poll echoes a byte back.
		if len(t.pending) < 4 {
			t.want = 1
			return
		}
		t.queue(0x80, 1, t.pending[3])
	case 0x86:
		// Mode info: 640x400, 80x25 text, 1 page.
		t.queue(0x86, 7, 640&0xff, 640>>8, 400&0xff, 400>>8, 80, 25, 1)
	case 0x87:
		// RTC read, mode 0 only; the text VDP has no clock.
		if len(t.pending) < 4 {
			t.want = 1
			return
		}
		if t.pending[3] == 0 {
			t.queue(0x87, 6, 0, 0, 0, 0, 0, 0)
		}
	case 0xff:
		log.Info().Msg("entering VDP terminal mode")
		t.terminal = true
	default:
		log.Debug().Uint8("cmd", t.pending[2]).Msg("unknown VDU 0x17,0 command")
	}
}

// queue stages response bytes toward the CPU. Caller holds the lock.
func (t *TextRenderer) queue(bytes ...byte) {
	t.tx = append(t.tx, bytes...)
}

// keyPacket builds one keyboard event: cmd, len, keycode, modifiers, vkey,
// keydown.
func keyPacket(ascii byte, down bool) []byte {
	state := byte(0)
	if down {
		state = 1
	}
	return []byte{0x81, 4, ascii, 0, 0, state}
}

// KeyEventsForLine converts a line of input into key event packets, or
// queues the raw bytes directly when in terminal mode.
func (t *TextRenderer) KeyEventsForLine(line string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal {
		t.tx = append(t.tx, line...)
		t.tx = append(t.tx, 0x0a)
		return nil
	}

	var events [][]byte
	for _, ch := range []byte(line) {
		events = append(events, keyPacket(ch, true))
		events = append(events, keyPacket(ch, false))
	}
	events = append(events, keyPacket('\r', true))
	events = append(events, keyPacket('\r', false))
	return events
}

// QueueOutput stages an outbound packet (e.g. a key event) toward the CPU.
func (t *TextRenderer) QueueOutput(data []byte) {
	t.mu.Lock()
	t.tx = append(t.tx, data...)
	t.mu.Unlock()
}
