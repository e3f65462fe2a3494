package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

func main() {
	var (
		uidHex    = flag.String("uid", "04517A226E1090", "14-char hex string (7-byte tag UID)")
		keyHex    = flag.String("key", "000102030405060708090A0B0C0D0E0F", "32-hex data protection key of the software tag")
		keyFile   = flag.String("key-file", "", "path to a .hex key file (overrides -key)")
		cmac      = flag.Bool("cmac", true, "enable CMAC secure messaging on the tag")
		auth0     = flag.Uint("auth0", 0x04, "AUTH0 page of the tag")
		apduMode  = flag.String("apdu", "", "route through an emulated PC/SC reader: direct or acr122")
		message   = flag.String("write", "hello wristband", "text written to user memory")
		verbose   = flag.Bool("v", false, "Enable debug logging")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	// Setup logging
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

	uid, err := hex.DecodeString(*uidHex)
	if err != nil || len(uid) != 7 {
		fmt.Fprintf(os.Stderr, "Error: UID must be 14 hex characters (7 bytes)\n")
		os.Exit(1)
	}
	if *auth0 > 0xFF {
		fmt.Fprintf(os.Stderr, "Error: auth0 must be <= 0xFF, got %d\n", *auth0)
		os.Exit(1)
	}

	var key []byte
	if *keyFile != "" {
		key, err = ulaes.LoadKeyHexFile(*keyFile)
	} else {
		key, err = ulaes.ParseKeyHex(*keyHex)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
		os.Exit(1)
	}

	cfg0 := ulaes.ConfigWord{Raw: [4]byte{0x00, 0x00, 0x00, 0x3C}}.WithAuth0(byte(*auth0)).WithCMAC(*cmac)
	emu, err := emulator.New(uid,
		emulator.WithKey(ulaes.DataProtectionKey, key),
		emulator.WithConfig(cfg0.Raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tag: %v\n", err)
		os.Exit(1)
	}

	trace := &tracer{}
	var tr ulaes.Transport
	if *apduMode != "" {
		mode, err := ulaes.ParsePassthroughMode(*apduMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		tr = ulaes.NewPCSCTransport(&tracingCard{card: emulator.NewCard(emu, mode), trace: trace}, mode)
	} else {
		tr = &tracingTransport{Transport: emulator.NewTransport(emu), trace: trace}
	}

	fmt.Printf("Tag:     %s\n", hexUpper(uid))
	fmt.Printf("Config:  %s\n", cfg0)
	fmt.Println()

	if err := runSession(ulaes.New(tr), key, *cmac, []byte(*message)); err != nil {
		trace.print()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	trace.print()
}

// runSession performs connect, authenticate, serial number read and a user
// memory round trip.
func runSession(tag *ulaes.Tag, key []byte, cmac bool, message []byte) error {
	version, err := tag.Connect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("Version: %s\n", version)

	if err := tag.Authenticate(key, ulaes.DataProtectionKey, cmac); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	sess := tag.Session()
	fmt.Printf("Session: %s state=%s cmac=%v\n", sess.ID(), tag.State(), sess.CMACEnabled())

	serial, err := tag.ReadSerialNumber()
	if err != nil {
		return fmt.Errorf("read serial number: %w", err)
	}
	fmt.Printf("UID:     %s\n", hexUpper(serial))

	if len(message) > ulaes.UserMemoryBytes {
		message = message[:ulaes.UserMemoryBytes]
	}
	if err := tag.WriteUserMemory(message); err != nil {
		return fmt.Errorf("write user memory: %w", err)
	}
	data, err := tag.ReadUserMemory()
	if err != nil {
		return fmt.Errorf("read user memory: %w", err)
	}
	fmt.Printf("Memory:  %q\n", string(data[:len(message)]))
	fmt.Printf("Counter: %d\n", sess.Counter())
	fmt.Println()
	return nil
}
