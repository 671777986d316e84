// Command agon-vdp hosts the connector side of the link: a text VDP that
// dials the emulator, renders the VDU stream to stdout and turns stdin
// lines into keyboard events.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agon-emu/agon-link/pkg/link"
	"github.com/agon-emu/agon-link/pkg/transport"
	"github.com/agon-emu/agon-link/pkg/vdp"
)

// Configuration flags
var (
	socketPath = flag.String("socket", transport.DefaultSocketPath, "Unix socket path of the emulator")
	tcpSpec    = flag.String("tcp", "", "Connect over TCP (host:port) instead of the Unix socket")
	verbose    = flag.Bool("v", false, "Show connection and protocol events")
	trace      = flag.Bool("vv", false, "Show all protocol messages")
	traceUart  = flag.Bool("vvv", false, "Show individual UART frames")
	logFile    = flag.String("log", "", "Write logs to a file instead of stderr")
)

// keyEventInterval paces key event packets so the guest's keyboard buffer
// keeps up.
const keyEventInterval = 10 * time.Millisecond

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

func main() {
	flag.Parse()
	setupLogging()

	addr := transport.UnixAddr(*socketPath)
	if *tcpSpec != "" {
		addr = transport.TCPAddr(*tcpSpec)
	}

	renderer := vdp.NewTextRenderer(os.Stdout)
	var shutdown atomic.Bool

	// Feed stdin lines to the renderer as paced key events.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			for _, packet := range renderer.KeyEventsForLine(scanner.Text()) {
				renderer.QueueOutput(packet)
				time.Sleep(keyEventInterval)
			}
		}
		log.Info().Msg("stdin closed, shutting down")
		shutdown.Store(true)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		shutdown.Store(true)
	}()

	log.Info().Str("addr", addr.String()).Msg("connecting to eZ80")
	client := link.NewClient(addr, renderer, &shutdown)
	client.Run()
}
