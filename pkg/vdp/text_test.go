package vdp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(t *TextRenderer, data ...byte) {
	for _, b := range data {
		t.PushByte(b)
	}
}

func drain(t *TextRenderer) []byte {
	var out []byte
	for {
		b, ok := t.PullByte()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

func TestPrintableOutput(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextRenderer(&buf)

	feed(r, 'H', 'e', 'l', 'l', 'o', 0x0d, 0x0a)
	assert.Equal(t, "Hello\n", buf.String())
}

func TestColourByteSwallowsParameter(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextRenderer(&buf)

	feed(r, 0x11, 'A', 'B')
	assert.Equal(t, "B", buf.String(), "colour parameter must not print")
}

func TestGeneralPoll(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextRenderer(&buf)

	feed(r, 0x17, 0x00, 0x80, 0x5a)
	assert.Equal(t, []byte{0x80, 1, 0x5a}, drain(r))
}

func TestModeInfo(t *testing.T) {
	r := NewTextRenderer(&bytes.Buffer{})

	feed(r, 0x17, 0x00, 0x86)
	got := drain(r)
	require.Len(t, got, 9)
	assert.Equal(t, byte(0x86), got[0])
	assert.Equal(t, byte(7), got[1])
	width := int(got[2]) | int(got[3])<<8
	height := int(got[4]) | int(got[5])<<8
	assert.Equal(t, 640, width)
	assert.Equal(t, 400, height)
	assert.Equal(t, byte(80), got[6])
	assert.Equal(t, byte(25), got[7])
}

func TestRTCRead(t *testing.T) {
	r := NewTextRenderer(&bytes.Buffer{})

	feed(r, 0x17, 0x00, 0x87, 0x00)
	assert.Equal(t, []byte{0x87, 6, 0, 0, 0, 0, 0, 0}, drain(r))
}

func TestTerminalMode(t *testing.T) {
	r := NewTextRenderer(&bytes.Buffer{})
	require.False(t, r.TerminalMode())

	feed(r, 0x17, 0x00, 0xff)
	assert.True(t, r.TerminalMode())

	// Terminal mode forwards lines as raw bytes instead of key events.
	events := r.KeyEventsForLine("ls")
	assert.Nil(t, events)
	assert.Equal(t, []byte{'l', 's', 0x0a}, drain(r))
}

func TestKeyEventsForLine(t *testing.T) {
	r := NewTextRenderer(&bytes.Buffer{})

	events := r.KeyEventsForLine("ab")
	// Down and up per character plus the trailing Enter.
	require.Len(t, events, 6)
	assert.Equal(t, []byte{0x81, 4, 'a', 0, 0, 1}, events[0])
	assert.Equal(t, []byte{0x81, 4, 'a', 0, 0, 0}, events[1])
	assert.Equal(t, []byte{0x81, 4, '\r', 0, 0, 1}, events[4])
	assert.Equal(t, []byte{0x81, 4, '\r', 0, 0, 0}, events[5])
}

func TestQueueOutput(t *testing.T) {
	r := NewTextRenderer(&bytes.Buffer{})
	r.QueueOutput([]byte{1, 2})
	r.QueueOutput([]byte{3})
	assert.Equal(t, []byte{1, 2, 3}, drain(r))
}
