package link

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/protocol"
	"github.com/agon-emu/agon-link/pkg/transport"
)

// reconnectDelay paces the connector's dial retries.
const reconnectDelay = time.Second

// Client is the connector-side session host: the VDP process. It dials the
// emulator, drives the renderer, and reconnects forever until told to quit.
type Client struct {
	addr     transport.Addr
	renderer Renderer
	shutdown *atomic.Bool
}

// NewClient wires a connector around a renderer.
func NewClient(addr transport.Addr, r Renderer, shutdown *atomic.Bool) *Client {
	return &Client{addr: addr, renderer: r, shutdown: shutdown}
}

// Run dials, handshakes and pumps, reconnecting after every session until
// the shutdown flag is set.
func (c *Client) Run() {
	for !c.shutdown.Load() {
		conn, err := c.dial()
		if err != nil {
			// Only happens when shutdown interrupted the retry loop.
			return
		}
		log.Info().Str("addr", c.addr.String()).Msg("connected to eZ80")

		if err := c.runSession(conn); err != nil {
			log.Warn().Err(err).Msg("session error")
		}
		conn.Close()

		if c.shutdown.Load() {
			break
		}
		log.Info().Msg("disconnected, reconnecting")
	}
	c.renderer.Shutdown()
}

func (c *Client) dial() (transport.Conn, error) {
	return retry.DoWithData(
		func() (transport.Conn, error) { return transport.Dial(c.addr) },
		retry.Attempts(0),
		retry.Delay(reconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return !c.shutdown.Load() }),
	)
}

// runSession handshakes and runs the connector pump: inbound drain, TX
// batching, CTS change notification and the VSYNC cadence.
func (c *Client) runSession(conn transport.Conn) error {
	if err := sendHello(conn); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	msgs := startReader(conn, c.shutdown, done)

	now := time.Now()
	lastTx := now
	nextVsync := now.Add(VsyncInterval)
	var vsyncCount uint64
	var lastCts *bool
	peerGone := false

	for !c.shutdown.Load() && !peerGone {
		worked := false

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
					for _, b := range m {
						c.renderer.PushByte(b)
					}
				case protocol.Shutdown:
					log.Info().Msg("eZ80 requested shutdown")
					peerGone = true
					break drain
				default:
					log.Warn().Type("msg", m).Msg("unexpected message from eZ80")
				}
			default:
				break drain
			}
		}

		// Surface CTS changes to the CPU side.
		cts := c.renderer.ClearToSend()
		if lastCts == nil || *lastCts != cts {
			log.Trace().Bool("ready", cts).Msg("-> CTS")
			if err := conn.Send(protocol.Cts(cts)); err != nil {
				break
			}
			lastCts = &cts
			worked = true
		}

		// Batch renderer output toward the CPU.
		if time.Since(lastTx) >= txInterval {
			tx := c.collectTx()
			if len(tx) > 0 {
				log.Trace().Int("len", len(tx)).Str("data", hex.EncodeToString(tx)).Msg("-> UART_DATA")
				if err := conn.Send(protocol.UartData(tx)); err != nil {
					log.Warn().Err(err).Msg("session write error")
					break
				}
				worked = true
			}
			lastTx = time.Now()
		}

		// VSYNC cadence at ~60 Hz, schedule-advancing rather than slipping.
		if n := time.Now(); !n.Before(nextVsync) {
			vsyncCount++
			if vsyncCount%60 == 0 {
				log.Trace().Uint64("count", vsyncCount).Msg("-> VSYNC")
			}
			if err := conn.Send(protocol.Vsync{}); err != nil {
				log.Warn().Err(err).Msg("session write error")
				break
			}
			c.renderer.SignalVblank()
			nextVsync = nextVsyncDeadline(nextVsync, n, VsyncInterval)
			worked = true
		}

		if worked {
			time.Sleep(busySleep)
		} else {
			time.Sleep(idleSleep)
		}
	}

	_ = conn.Send(protocol.Shutdown{})
	return nil
}

// collectTx drains the renderer's pending bytes, bounded by the UART frame
// cap.
func (c *Client) collectTx() []byte {
	var out []byte
	for len(out) < protocol.MaxUartData {
		b, ok := c.renderer.PullByte()
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}
