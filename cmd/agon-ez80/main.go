// Command agon-ez80 hosts the emulator side of the link: it listens for a
// VDP peer, starts the CPU lazily on the first attach, and optionally
// exposes the DZRP debug server to an IDE.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/debugger"
	"github.com/agon-emu/agon-link/pkg/dzrp"
	"github.com/agon-emu/agon-link/pkg/emulator"
	"github.com/agon-emu/agon-link/pkg/gpio"
	"github.com/agon-emu/agon-link/pkg/link"
	"github.com/agon-emu/agon-link/pkg/transport"
)

// Configuration flags
var (
	socketPath = flag.String("socket", transport.DefaultSocketPath, "Unix socket path for the VDP link")
	tcpSpec    = flag.String("tcp", "", "Listen on TCP (port or host:port) instead of the Unix socket")
	wsPort     = flag.Int("websocket", 0, "Listen for WebSocket connections on this port")
	debugOn    = flag.Bool("debugger", false, "Enable the DZRP debug server")
	dzrpPort   = flag.Int("port", dzrp.DefaultPort, "DZRP debug server port")
	unlimited  = flag.Bool("unlimited-cpu", false, "Don't limit the CPU clock rate")
	zeroRAM    = flag.Bool("zero", false, "Initialize RAM with zeroes instead of random values")
	verbose    = flag.Bool("v", false, "Show connection and protocol events")
	trace      = flag.Bool("vv", false, "Show all protocol messages")
	traceUart  = flag.Bool("vvv", false, "Show individual UART frames")
	logFile    = flag.String("log", "", "Write logs to a file instead of stderr")
)

// hexAddrs collects repeatable --breakpoint flags.
type hexAddrs []uint32

func (h *hexAddrs) String() string {
	parts := make([]string, len(*h))
	for i, a := range *h {
		parts[i] = fmt.Sprintf("0x%06x", a)
	}
	return strings.Join(parts, ",")
}

func (h *hexAddrs) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 24)
	if err != nil {
		return err
	}
	*h = append(*h, uint32(v))
	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level := zerolog.InfoLevel
	switch {
	case *traceUart, *trace:
		level = zerolog.TraceLevel
	case *verbose:
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", *logFile, err)
			os.Exit(1)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func listenAddr() transport.Addr {
	if *wsPort != 0 {
		return transport.WebSocketAddr(*wsPort)
	}
	if *tcpSpec != "" {
		spec := *tcpSpec
		if !strings.Contains(spec, ":") {
			spec = "0.0.0.0:" + spec
		}
		return transport.TCPAddr(spec)
	}
	return transport.UnixAddr(*socketPath)
}

func main() {
	var breakpoints hexAddrs
	flag.Var(&breakpoints, "breakpoint", "Set an initial breakpoint (hex address, repeatable)")
	flag.Parse()
	setupLogging()

	addr := listenAddr()
	listener, err := transport.Listen(addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr.String()).Msg("failed to bind")
	}
	log.Info().Str("addr", addr.String()).Msg("listening for VDP")

	state := link.NewUartState()
	vsyncPin := gpio.NewPin()
	var shutdown atomic.Bool

	clockHz := emulator.DefaultClockHz
	if *unlimited {
		clockHz = 1_000_000_000
	}

	server := link.NewServer(listener, state, vsyncPin, &shutdown, `{"type":"ez80","version":"1.0"}`)
	server.OnFirstConnect = func() {
		machine := emulator.New(emulator.Config{
			Serial:   state.Port(),
			Vsync:    vsyncPin,
			ClockHz:  clockHz,
			ZeroRAM:  *zeroRAM,
			Shutdown: &shutdown,
		})

		var conn debugger.Connection
		if *debugOn {
			var ep debugger.Endpoint
			conn, ep = debugger.NewPair()
			debug := dzrp.NewServer(ep, &shutdown, *dzrpPort)
			go func() {
				debug.SeedBreakpoints(breakpoints)
				debug.Run()
			}()
		}

		go machine.Run(conn)
		log.Info().Msg("eZ80 CPU started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		shutdown.Store(true)
		listener.Close()
	}()

	server.Serve()
	listener.Close()
}
