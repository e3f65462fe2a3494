package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/stustapay/stustapay-sub000/internal/config"
	"github.com/stustapay/stustapay-sub000/internal/prompt"
	"github.com/stustapay/stustapay-sub000/internal/provision"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

var keyRoles = []ulaes.KeyType{ulaes.DataProtectionKey, ulaes.UidRetrievalKey}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "", "path to config.yaml (default: next to the executable, then cwd)")
	keysDir := flag.String("keys-dir", "../keys", "directory with candidate .hex key files")
	probe := flag.Bool("probe", false, "only diagnose the byte order of the configured data protection key")
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

	fmt.Println("=== Ultralight AES Key Swap Tool ===")
	fmt.Println()

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			fail("Error resolving config path: %v", err)
		}
	}
	cfg, err := config.LoadWithMode(path, config.ValidationAccess)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	keys, err := cfg.LoadKeys()
	if err != nil {
		fail("Error loading keys: %v", err)
	}

	tr, desc, err := cfg.OpenTransport()
	if err != nil {
		fail("Error opening transport: %v", err)
	}
	tag := ulaes.New(tr)
	defer tag.Close()
	fmt.Printf("Using %s\n", desc)

	if _, err := tag.Connect(); err != nil {
		fail("Error connecting to tag: %v", err)
	}

	if *probe {
		runProbe(tag, keys.DataProtection)
		return
	}

	// Build key list: all-zero + configured keys + key files
	candidates := []provision.Candidate{
		{Key: make([]byte, ulaes.KeySize), Label: "all-zero"},
		{Key: keys.DataProtection, Label: "config data protection key"},
	}
	if keys.UidRetrieval != nil {
		candidates = append(candidates, provision.Candidate{Key: keys.UidRetrieval, Label: "config uid retrieval key"})
	}
	if keyFiles, err := ulaes.LoadAllHexKeys(*keysDir); err == nil {
		for _, kf := range keyFiles {
			candidates = append(candidates, provision.Candidate{Key: kf.Key, Label: kf.Name})
		}
	}

	// Probe each key
	fmt.Println("Probing keys...")
	known := make(map[ulaes.KeyType]*provision.Auth)
	for _, kt := range keyRoles {
		if _, err := tag.Connect(); err != nil {
			fail("Error reconnecting: %v", err)
		}
		auth, err := provision.AuthenticateWithFallback(tag, kt, candidates)
		if err != nil {
			if errors.Is(err, ulaes.ErrTagLost) {
				fail("Tag lost while probing: %v", err)
			}
			continue
		}
		known[kt] = auth
	}

	fmt.Println()
	fmt.Println("Key status:")
	items := make([]string, 0, len(keyRoles))
	for _, kt := range keyRoles {
		status := keyStatus(known[kt])
		fmt.Printf("  %-15s | %s\n", kt, status)
		items = append(items, fmt.Sprintf("%-15s [%s]", kt, status))
	}
	fmt.Println()

	idx := prompt.SelectMenu("Select key to change:", items)
	if idx < 0 {
		fail("Invalid selection.")
	}
	target := keyRoles[idx]

	// Writing key pages needs an authenticated (or traceable) session.
	auth := known[ulaes.DataProtectionKey]
	if auth == nil {
		auth = known[ulaes.UidRetrievalKey]
	}
	if auth == nil {
		fail("Error: no key authenticates. Cannot proceed.")
	}
	authKT := ulaes.DataProtectionKey
	if known[ulaes.DataProtectionKey] == nil {
		authKT = ulaes.UidRetrievalKey
	}

	keyItems := make([]string, 0, len(candidates)+1)
	for _, c := range candidates {
		keyItems = append(keyItems, c.Label)
	}
	keyItems = append(keyItems, "enter key (hidden)")
	newIdx := prompt.SelectMenu("Select new key:", keyItems)
	if newIdx < 0 {
		fail("Invalid selection.")
	}
	var newKey []byte
	newLabel := keyItems[newIdx]
	if newIdx == len(candidates) {
		if newKey, err = prompt.ReadKey("New key (32 hex): "); err != nil {
			fail("Error: %v", err)
		}
	} else {
		newKey = candidates[newIdx].Key
	}

	fmt.Println()
	ok, err := prompt.Confirm(fmt.Sprintf("Replace %s key with %s?", target, newLabel))
	if err != nil {
		fail("Error reading input: %v", err)
	}
	if !ok {
		fmt.Println("Cancelled.")
		return
	}

	fmt.Println()
	fmt.Println("Changing key...")
	if _, err := tag.Connect(); err != nil {
		fail("Error reconnecting: %v", err)
	}
	if err := tag.Authenticate(auth.Candidate.Key, authKT, auth.CMAC); err != nil {
		fail("Authentication failed: %v", err)
	}
	if err := tag.WriteKey(target, newKey); err != nil {
		fail("Key change failed: %v", err)
	}
	fmt.Println("Key change successful!")

	// Verify by re-authenticating with the new key
	fmt.Println("Verifying...")
	if _, err := tag.Connect(); err != nil {
		fail("Error reconnecting: %v", err)
	}
	if err := tag.Authenticate(newKey, target, auth.CMAC); err != nil {
		fail("Verification failed: Cannot authenticate with new key: %v", err)
	}

	fmt.Println()
	fmt.Printf("SUCCESS: %s key replaced with %s\n", target, newLabel)
	fmt.Printf("Authenticated with: %s (%s)\n", authKT, auth.Candidate.Label)
}

func keyStatus(auth *provision.Auth) string {
	switch {
	case auth == nil:
		return "unknown"
	case auth.Candidate.Label == "all-zero":
		return "default (all-zero)"
	default:
		mode := "plain"
		if auth.CMAC {
			mode = "cmac"
		}
		return fmt.Sprintf("provisioned (%s, %s)", auth.Candidate.Label, mode)
	}
}

func runProbe(tag *ulaes.Tag, key []byte) {
	fmt.Println("Probing data protection key byte orderings...")
	for _, r := range ulaes.ProbeKeyOrderings(tag, key, ulaes.DataProtectionKey) {
		switch {
		case r.Success:
			fmt.Printf("  %-22s OK\n", r.Ordering)
		case r.Step != "":
			fmt.Printf("  %-22s X (failed at %s)\n", r.Ordering, r.Step)
		default:
			fmt.Printf("  %-22s X (%v)\n", r.Ordering, r.Err)
		}
	}
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
