package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ebfe/scard"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	keyFile := flag.String("key-file", "", "path to a 32-hex key file used to authenticate")
	keyHex := flag.String("key", "", "optional 32-hex key (overrides -key-file)")
	keyTypeName := flag.String("key-type", "dp", "key type: dp, uid or originality")
	dump := flag.Bool("dump", true, "dump user memory")
	transportKind := flag.String("transport", "pcsc", "transport: pcsc, pn532 or emulator")
	passthrough := flag.String("passthrough", "direct", "PC/SC passthrough: direct or acr122")
	serialPort := flag.String("serial", "/dev/ttyUSB0", "PN532 serial port")
	baud := flag.Int("baud", 115200, "PN532 baud rate")
	flag.Parse()

	// Configure slog
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	keyType, err := ulaes.ParseKeyType(*keyTypeName)
	if err != nil {
		log.Fatalf("-key-type: %v", err)
	}

	cfg := &readerConfig{keyType: keyType, dump: *dump}
	switch {
	case *keyHex != "":
		key, err := ulaes.ParseKeyHex(*keyHex)
		if err != nil {
			log.Fatalf("-key invalid: %v", err)
		}
		cfg.key = key
		cfg.keyLabel = "(inline)"
	case *keyFile != "":
		key, err := ulaes.LoadKeyHexFile(*keyFile)
		if err != nil {
			log.Fatalf("-key-file error: %v", err)
		}
		cfg.key = key
		cfg.keyLabel = *keyFile
	}

	switch *transportKind {
	case "pcsc":
		mode, err := ulaes.ParsePassthroughMode(*passthrough)
		if err != nil {
			log.Fatalf("-passthrough: %v", err)
		}
		watchPCSC(mode, cfg)
	case "pn532":
		tr := ulaes.OpenPN532(*serialPort, *baud)
		defer tr.Close()
		fmt.Printf("Using PN532 on %s @ %d\n", *serialPort, *baud)
		readAndPrint(tr, cfg)
	case "emulator":
		tag, err := emulator.New([]byte{0x04, 0x51, 0x7A, 0x22, 0x6E, 0x10, 0x90})
		if err != nil {
			log.Fatalf("emulator: %v", err)
		}
		fmt.Println("Using software tag")
		readAndPrint(emulator.NewTransport(tag), cfg)
	default:
		log.Fatalf("-transport must be pcsc, pn532 or emulator")
	}
}

// watchPCSC reads every tag presented to the selected reader until interrupted.
func watchPCSC(mode ulaes.PassthroughMode, cfg *readerConfig) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("EstablishContext failed: %v", err)
	}
	defer ctx.Release()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		ctx.Release()
		os.Exit(0)
	}()

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		log.Fatalf("No readers found: %v", err)
	}

	readerIndex := 0
	reader := readers[0]
	args := flag.Args()
	if len(args) > 0 {
		arg := args[0]
		if v, err := strconv.Atoi(arg); err == nil {
			if v >= 0 && v < len(readers) {
				readerIndex = v
				reader = readers[readerIndex]
			} else {
				log.Printf("Reader index out of range (0..%d), using 0", len(readers)-1)
			}
		} else {
			// Treat as a substring match on the reader name.
			found := false
			for i, r := range readers {
				if strings.Contains(r, arg) {
					readerIndex = i
					reader = r
					found = true
					break
				}
			}
			if !found {
				log.Printf("Reader name not found (%s), using 0", arg)
			}
		}
	}
	fmt.Printf("Using reader [%d]: %s (%s)\n", readerIndex, reader, mode)

	states := []scard.ReaderState{{
		Reader:       reader,
		CurrentState: scard.StateUnaware,
	}}
	cardPresent := false

	fmt.Println("Waiting for tag scans...")
	for {
		if err := ctx.GetStatusChange(states, time.Second); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			log.Printf("GetStatusChange error: %v", err)
			continue
		}

		rs := states[0]
		if (rs.EventState&scard.StatePresent) != 0 && !cardPresent {
			cardPresent = true
			readCard(ctx, reader, mode, cfg)
			fmt.Println("Waiting for next scan...")
		} else if (rs.EventState&scard.StateEmpty) != 0 && cardPresent {
			cardPresent = false
		}

		states[0].CurrentState = rs.EventState
	}
}

func readCard(ctx *scard.Context, reader string, mode ulaes.PassthroughMode, cfg *readerConfig) {
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		log.Printf("Connect failed: %v", err)
		return
	}
	defer card.Disconnect(scard.LeaveCard)
	readAndPrint(ulaes.NewPCSCTransport(card, mode), cfg)
}
