package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		UartData{0x41, 0x42, 0x43},
		Vsync{},
		Cts(true),
		Cts(false),
		Hello{Version: 1, Flags: 0},
		HelloAck{Version: 1, Capabilities: `{"type":"cli","cols":80}`},
		Shutdown{},
	}
	for _, m := range msgs {
		encoded := Encode(m)
		decoded, consumed, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, m, decoded)
		assert.Equal(t, len(encoded), consumed)
	}
}

func TestWireFormat(t *testing.T) {
	// [len:u16-LE][type:u8][payload...]
	encoded := Encode(UartData{0x41})
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 0x41}, encoded)
}

func TestEnvelopeSize(t *testing.T) {
	data := make([]byte, 100)
	assert.Len(t, Encode(UartData(data)), 3+len(data))
}

func TestDecodeShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{0x02, 0x00})
	var fe FormatError
	require.ErrorAs(t, err, &fe)
}

func TestDecodeZeroLength(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x00, 0x01})
	var fe FormatError
	require.ErrorAs(t, err, &fe)
}

func TestDecodeOversized(t *testing.T) {
	buf := make([]byte, 3)
	// length = MaxUartData+2, one past the cap
	buf[0] = byte((MaxUartData + 2) & 0xff)
	buf[1] = byte((MaxUartData + 2) >> 8)
	buf[2] = TypeUartData
	_, _, err := Decode(buf)
	var tooBig PayloadTooLargeError
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, MaxUartData+2, int(tooBig))
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte{0x01, 0x00, 0x7f})
	var unknown UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, byte(0x7f), byte(unknown))
}

func TestDecodeTruncatedPayload(t *testing.T) {
	// Claims 5 bytes of body but only 2 present.
	_, _, err := Decode([]byte{0x05, 0x00, TypeUartData, 0x41})
	var fe FormatError
	require.ErrorAs(t, err, &fe)
}

func TestDecodeMalformedFixedPayloads(t *testing.T) {
	cases := [][]byte{
		{0x01, 0x00, TypeCts},   // CTS without flag byte
		{0x02, 0x00, TypeHello, 0x01}, // HELLO with one byte
		{0x01, 0x00, TypeHelloAck},    // HELLO_ACK without version
	}
	for _, c := range cases {
		_, _, err := Decode(c)
		var fe FormatError
		require.ErrorAs(t, err, &fe, "buf %v", c)
	}
}

func TestStreamingDecode(t *testing.T) {
	want := []Message{
		UartData{0x31, 0x32},
		Vsync{},
		Cts(true),
	}
	var stream bytes.Buffer
	for _, m := range want {
		stream.Write(Encode(m))
	}

	r := bytes.NewReader(stream.Bytes())
	for _, m := range want {
		got, err := ReadMessage(r)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	assert.Equal(t, 0, r.Len(), "no residual bytes")

	_, err := ReadMessage(r)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestReadMessageTruncatedStream(t *testing.T) {
	encoded := Encode(UartData{0x41, 0x42, 0x43})
	_, err := ReadMessage(bytes.NewReader(encoded[:4]))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestUartDataDecodesToCopy(t *testing.T) {
	encoded := Encode(UartData{0x41})
	decoded, _, err := Decode(encoded)
	require.NoError(t, err)
	encoded[3] = 0x7a
	assert.Equal(t, UartData{0x41}, decoded)
}
