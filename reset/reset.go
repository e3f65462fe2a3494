package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/stustapay/stustapay-sub000/internal/config"
	"github.com/stustapay/stustapay-sub000/internal/provision"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

// resetTag reverses what minter did.
//
// Steps:
//  1. Connect and probe the version
//  2. Authenticate with the data protection key, falling back to zeros
//  3. Open AUTH0 (0x3C) and disable CMAC
//  4. Reset the UID retrieval key to zeros (unless kept)
//  5. Reset the data protection key to zeros
//  6. Reconnect with the zero key and verify the config
func resetTag(tag *ulaes.Tag, keys *config.Keys, resetUID bool) error {
	// 1) Connect
	version, err := tag.Connect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("Tag: %s\n", version)

	// 2-6) Authenticate, reset and verify
	zeroKey := make([]byte, ulaes.KeySize)
	candidates := []provision.Candidate{{Key: keys.DataProtection, Label: "data protection key"}}
	if !bytes.Equal(keys.DataProtection, zeroKey) {
		candidates = append(candidates, provision.Candidate{Key: zeroKey, Label: "factory zeros"})
	}
	res, err := provision.Reset(tag, candidates, resetUID)
	if err != nil {
		return err
	}

	// Print summary
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("RESET SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Tag UID: %X\n", res.UID)
	fmt.Printf("Authenticated with: %s\n", res.AuthedWith)
	fmt.Println("\nKeys reset:")
	fmt.Println("  ✓ Data protection key → factory zeros")
	if resetUID {
		fmt.Println("  ✓ UID retrieval key → factory zeros")
	} else {
		fmt.Println("  - UID retrieval key kept")
	}
	fmt.Println("\nConfig:")
	fmt.Printf("  before: %s\n", res.Before)
	fmt.Printf("  after:  %s\n", res.After)
	fmt.Println(strings.Repeat("=", 60))
	return nil
}
