// Package protocol implements the framed message envelope exchanged between
// the eZ80 and VDP sides over any transport.
//
// Wire format: [len:u16-LE][type:u8][payload...] where len counts the type
// byte plus the payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the protocol version carried in HELLO / HELLO_ACK.
const Version = 1

// MaxUartData is the maximum payload size of a UART_DATA message.
const MaxUartData = 1024

// Message type identifiers.
const (
	TypeUartData byte = 0x01
	TypeVsync    byte = 0x02
	TypeCts      byte = 0x03
	TypeHello    byte = 0x10
	TypeHelloAck byte = 0x11
	TypeShutdown byte = 0x20
)

// ErrConnectionClosed is returned when the peer has closed the byte stream.
var ErrConnectionClosed = errors.New("connection closed")

// FormatError reports a malformed envelope or payload.
type FormatError string

func (e FormatError) Error() string { return "invalid format: " + string(e) }

// UnknownTypeError reports an unrecognized message type id.
type UnknownTypeError byte

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: 0x%02x", byte(e))
}

// PayloadTooLargeError reports a length field exceeding the payload cap.
type PayloadTooLargeError int

func (e PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes", int(e))
}

// Message is one of the closed set of frames carried on the eZ80/VDP link.
type Message interface {
	typeID() byte
}

// UartData carries raw UART bytes in either direction.
type UartData []byte

// Vsync is the vertical-blank tick from VDP to eZ80.
type Vsync struct{}

// Cts is the clear-to-send flow control flag from VDP to eZ80.
type Cts bool

// Hello opens the handshake; sent by the connecting side.
type Hello struct {
	Version byte
	Flags   byte
}

// HelloAck answers a Hello; capabilities is advisory JSON.
type HelloAck struct {
	Version      byte
	Capabilities string
}

// Shutdown requests session teardown, in either direction.
type Shutdown struct{}

func (UartData) typeID() byte { return TypeUartData }
func (Vsync) typeID() byte    { return TypeVsync }
func (Cts) typeID() byte      { return TypeCts }
func (Hello) typeID() byte    { return TypeHello }
func (HelloAck) typeID() byte { return TypeHelloAck }
func (Shutdown) typeID() byte { return TypeShutdown }

// Encode serializes a message into its wire envelope.
func Encode(m Message) []byte {
	var payload []byte
	switch m := m.(type) {
	case UartData:
		payload = m
	case Cts:
		if m {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case Hello:
		payload = []byte{m.Version, m.Flags}
	case HelloAck:
		payload = append([]byte{m.Version}, m.Capabilities...)
	case Vsync, Shutdown:
	}

	buf := make([]byte, 0, 3+len(payload))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(1+len(payload)))
	buf = append(buf, m.typeID())
	buf = append(buf, payload...)
	return buf
}

// Decode parses one message from the front of buf, returning the message and
// the number of bytes consumed (2 + len).
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 3 {
		return nil, 0, FormatError("message too short")
	}
	length := int(binary.LittleEndian.Uint16(buf))
	if length == 0 {
		return nil, 0, FormatError("zero-length message")
	}
	if length > MaxUartData+1 {
		return nil, 0, PayloadTooLargeError(length)
	}
	total := 2 + length
	if len(buf) < total {
		return nil, 0, FormatError(fmt.Sprintf("incomplete message: have %d bytes, need %d", len(buf), total))
	}
	msg, err := parse(buf[2], buf[3:total])
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func parse(typ byte, payload []byte) (Message, error) {
	switch typ {
	case TypeUartData:
		data := make([]byte, len(payload))
		copy(data, payload)
		return UartData(data), nil
	case TypeVsync:
		return Vsync{}, nil
	case TypeCts:
		if len(payload) < 1 {
			return nil, FormatError("CTS message missing payload")
		}
		return Cts(payload[0] != 0), nil
	case TypeHello:
		if len(payload) < 2 {
			return nil, FormatError("HELLO message too short")
		}
		return Hello{Version: payload[0], Flags: payload[1]}, nil
	case TypeHelloAck:
		if len(payload) < 1 {
			return nil, FormatError("HELLO_ACK message too short")
		}
		return HelloAck{Version: payload[0], Capabilities: string(payload[1:])}, nil
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return nil, UnknownTypeError(typ)
	}
}

// ReadMessage reads one framed message from r: two length bytes first, then
// exactly len more. End of stream is reported as ErrConnectionClosed.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, mapReadErr(err)
	}
	length := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if length == 0 {
		return nil, FormatError("zero-length message")
	}
	if length > MaxUartData+1 {
		return nil, PayloadTooLargeError(length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, mapReadErr(err)
	}
	return parse(body[0], body[1:])
}

// WriteMessage writes the full encoded frame to w in a single call.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(Encode(m))
	return err
}

func mapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}
