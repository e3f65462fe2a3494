package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/stustapay/stustapay-sub000/internal/config"
	"github.com/stustapay/stustapay-sub000/internal/prompt"
	"github.com/stustapay/stustapay-sub000/internal/provision"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

type auth0Choice struct {
	label string
	page  byte
}

var auth0Choices = []auth0Choice{
	{"Disabled (0x3C)", provision.FactoryAuth0},
	{"Protect user memory, config and keys (0x04)", ulaes.UserMemoryStart},
	{"Protect config and keys (0x29)", ulaes.ConfigPage},
	{"Protect key pages only (0x30)", ulaes.DataProtectionKeyPage},
}

func auth0Label(page byte) string {
	for _, c := range auth0Choices {
		if c.page == page {
			return c.label
		}
	}
	return fmt.Sprintf("Custom (0x%02X)", page)
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "", "path to config.yaml (default: next to the executable, then cwd)")
	keysDir := flag.String("keys-dir", "../keys", "directory with candidate .hex key files")
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

	fmt.Println("=== Ultralight AES Permissions Editor ===")
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

	// Build key list: configured key, all-zero, key files
	candidates := []provision.Candidate{
		{Key: keys.DataProtection, Label: cfg.Keys.DataProtectionKeyFile},
		{Key: make([]byte, ulaes.KeySize), Label: "all-zero"},
	}
	if keyFiles, err := ulaes.LoadAllHexKeys(*keysDir); err == nil {
		for _, kf := range keyFiles {
			candidates = append(candidates, provision.Candidate{Key: kf.Key, Label: kf.Name})
		}
	}

	fmt.Println("Probing data protection key...")
	auth, err := provision.AuthenticateWithFallback(tag, ulaes.DataProtectionKey, candidates)
	if err != nil {
		fmt.Println("Error: Cannot authenticate with the data protection key")
		fail("Please ensure the correct key is configured or available in %s: %v", *keysDir, err)
	}
	fmt.Printf("Data protection key: %s (cmac=%v)\n", auth.Candidate.Label, auth.CMAC)
	fmt.Println()

	current, err := tag.ReadConfig()
	if err != nil {
		fail("Error reading config: %v", err)
	}
	fmt.Printf("Current config: %s\n", current)
	fmt.Printf("  AUTH0: %s\n", auth0Label(current.Auth0()))
	fmt.Printf("  CMAC:  %s\n", onOff(current.CMACEnabled()))
	fmt.Println()

	// Edit AUTH0
	items := make([]string, 0, len(auth0Choices)+1)
	for _, c := range auth0Choices {
		item := c.label
		if c.page == current.Auth0() {
			item += " (current)"
		}
		items = append(items, item)
	}
	items = append(items, "Custom...")
	idx := prompt.SelectMenu("Select AUTH0:", items)
	if idx < 0 {
		fail("Invalid selection.")
	}
	var newAuth0 byte
	if idx < len(auth0Choices) {
		newAuth0 = auth0Choices[idx].page
	} else {
		newAuth0 = readCustomAuth0()
	}

	// Edit CMAC
	cmacItems := []string{"Off", "On"}
	for i := range cmacItems {
		if current.CMACEnabled() == (i == 1) {
			cmacItems[i] += " (current)"
		}
	}
	newCMAC := prompt.SelectMenu("CMAC secure messaging:", cmacItems) == 1

	// Show summary
	fmt.Println("\n=== Summary ===")
	fmt.Printf("  AUTH0: %s -> %s\n", auth0Label(current.Auth0()), auth0Label(newAuth0))
	fmt.Printf("  CMAC:  %s -> %s\n", onOff(current.CMACEnabled()), onOff(newCMAC))
	if newCMAC != current.CMACEnabled() {
		fmt.Println("  (the CMAC flag applies from the next authentication)")
	}
	fmt.Println()

	ok, err := prompt.Confirm("Apply these changes?")
	if err != nil {
		fail("Error reading input: %v", err)
	}
	if !ok {
		fmt.Println("Cancelled.")
		return
	}

	fmt.Println("\nWriting config...")
	if err := tag.SetCMAC(newCMAC); err != nil {
		fail("SetCMAC failed: %v", err)
	}
	if err := tag.SetAuth0(newAuth0); err != nil {
		fail("SetAuth0 failed: %v", err)
	}
	fmt.Println("Change successful!")
	fmt.Println()

	// Verify by re-reading the config in a fresh session
	fmt.Println("Verifying changes...")
	if _, err := tag.Connect(); err != nil {
		fail("Error reconnecting: %v", err)
	}
	if err := tag.Authenticate(auth.Candidate.Key, ulaes.DataProtectionKey, newCMAC); err != nil {
		fail("Authentication failed: %v", err)
	}
	verify, err := tag.ReadConfig()
	if err != nil {
		fmt.Printf("Warning: Could not verify config: %v\n", err)
		return
	}
	fmt.Printf("Config: %s\n", verify)
	fmt.Println()
	fmt.Println("SUCCESS: Tag permissions updated!")
}

func readCustomAuth0() byte {
	fmt.Print("AUTH0 page (hex, 00..3C): ")
	var input string
	if _, err := fmt.Scanln(&input); err != nil {
		fail("Error reading input: %v", err)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(input)), "0x"), 16, 8)
	if err != nil || v > provision.FactoryAuth0 {
		fail("Invalid AUTH0 %q", input)
	}
	return byte(v)
}

func onOff(b bool) string {
	if b {
		return "On"
	}
	return "Off"
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
