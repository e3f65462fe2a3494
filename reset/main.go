package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/stustapay/stustapay-sub000/internal/config"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "", "path to config.yaml (default: next to the executable, then cwd)")
	keepUIDKey := flag.Bool("keep-uid-key", false, "leave the UID retrieval key in place")
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

	// Load config
	path := *configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	fmt.Printf("Using config: %s\n", path)

	cfg, err := config.LoadWithMode(path, config.ValidationAccess)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	keys, err := cfg.LoadKeys()
	if err != nil {
		log.Fatalf("key load failed: %v", err)
	}
	fmt.Printf("Data protection key: %s\n", cfg.Keys.DataProtectionKeyFile)

	tr, desc, err := cfg.OpenTransport()
	if err != nil {
		log.Fatal(err)
	}
	tag := ulaes.New(tr)
	defer tag.Close()
	fmt.Printf("Using %s\n", desc)

	fmt.Println("Resetting wristband to factory defaults...")
	if err := resetTag(tag, keys, !*keepUIDKey); err != nil {
		log.Fatalf("reset tag failed: %v", err)
	}

	fmt.Println("Wristband successfully reset to factory defaults!")
}
