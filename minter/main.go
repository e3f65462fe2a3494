package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/stustapay/stustapay-sub000/internal/config"
	"github.com/stustapay/stustapay-sub000/internal/provision"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "", "path to config.yaml (default: next to the executable, then cwd)")
	batchID := flag.String("batch-id", "", "batch ID (optional)")
	notes := flag.String("notes", "", "notes (optional)")
	skipRegister := flag.Bool("skip-register", false, "do not register the wristband with the API")
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

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	keys, err := cfg.LoadKeys()
	if err != nil {
		log.Fatalf("key load failed: %v", err)
	}

	fmt.Printf("Data protection key: %s\n", cfg.Keys.DataProtectionKeyFile)
	if cfg.Keys.UidRetrievalKeyFile != "" {
		fmt.Printf("UID retrieval key: %s\n", cfg.Keys.UidRetrievalKeyFile)
	}
	currentLabel := "factory zeros"
	if cfg.Keys.CurrentKeyFile != "" {
		currentLabel = cfg.Keys.CurrentKeyFile
	}
	fmt.Printf("Current key: %s\n", currentLabel)

	plan := provision.Plan{
		DataProtectionKey: keys.DataProtection,
		UidRetrievalKey:   keys.UidRetrieval,
		Auth0:             byte(*cfg.Protection.Auth0),
		CMAC:              *cfg.Protection.CMAC,
	}
	fmt.Printf("Target: AUTH0=0x%02X CMAC=%v\n", plan.Auth0, plan.CMAC)

	tr, desc, err := cfg.OpenTransport()
	if err != nil {
		log.Fatal(err)
	}
	tag := ulaes.New(tr)
	defer tag.Close()
	fmt.Printf("Using %s\n", desc)

	version, err := tag.Connect()
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	fmt.Printf("Tag: %s\n", version)

	fmt.Println("Provisioning wristband...")
	res, err := provision.Mint(tag, plan, []provision.Candidate{{Key: keys.Current, Label: currentLabel}})
	if err != nil {
		log.Fatalf("provision failed: %v", err)
	}
	uid := strings.ToLower(hexUpper(res.UID))
	fmt.Printf("Authenticated with: %s\n", res.AuthedWith)
	fmt.Printf("Config: %s -> %s\n", res.Before, res.After)
	fmt.Printf("Provisioned UID: %s\n", uid)

	if *skipRegister || strings.TrimSpace(cfg.API.Endpoint) == "" {
		fmt.Println("Registration skipped.")
		return
	}

	reg := WristbandRegistration{
		UID:     uid,
		Auth0:   int(res.After.Auth0()),
		CMAC:    res.After.CMACEnabled(),
		BatchID: strings.TrimSpace(*batchID),
		Notes:   strings.TrimSpace(*notes),
	}
	fmt.Printf("Registering wristband with API: %s\n", cfg.API.Endpoint)
	requestID, err := registerWristband(cfg.API.Endpoint, cfg.API.Token, reg)
	if err != nil {
		log.Fatalf("register wristband failed (request %s): %v", requestID, err)
	}

	fmt.Println("Wristband registered successfully!")
	fmt.Printf("  UID: %s\n", uid)
	fmt.Printf("  Request: %s\n", requestID)
	if reg.BatchID != "" {
		fmt.Printf("  Batch: %s\n", reg.BatchID)
	}
}

func hexUpper(b []byte) string {
	return fmt.Sprintf("%X", b)
}
