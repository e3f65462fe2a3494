package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

type readerConfig struct {
	key      []byte
	keyLabel string
	keyType  ulaes.KeyType
	dump     bool
}

// readAndPrint connects to the tag behind tr and prints what the configured
// key can see. The transport is left open for the caller to close.
func readAndPrint(tr ulaes.Transport, cfg *readerConfig) {
	tag := ulaes.New(tr)

	version, err := tag.Connect()
	if err != nil {
		log.Printf("Connect failed: %v", err)
		return
	}
	fmt.Printf("Version: %s\n", version)

	// Without authentication the config page is only visible below AUTH0.
	cmacHint, cmacKnown := false, false
	if word, err := tag.ReadConfig(); err == nil {
		fmt.Printf("Config (plain): %s\n", word)
		cmacHint, cmacKnown = word.CMACEnabled(), true
	} else if errors.Is(err, ulaes.ErrAuthenticationRequired) {
		fmt.Println("Config (plain): protected")
	} else {
		log.Printf("Config read error: %v", err)
	}

	if cfg.key == nil {
		printUserMemory(tag, cfg)
		return
	}

	mode, err := authenticate(tag, cfg, cmacHint, cmacKnown)
	fmt.Printf("Auth %s key (%s): %s\n", cfg.keyType, cfg.keyLabel, okX(err == nil))
	if err != nil {
		if step, cause, ok := ulaes.ClassifyAuthError(err); ok {
			fmt.Printf("  failed at %s: %v\n", step, cause)
		} else {
			log.Printf("Auth error: %v", err)
		}
		printUserMemory(tag, cfg)
		return
	}
	sess := tag.Session()
	fmt.Printf("Session: %s mode=%s state=%s\n", sess.ID(), mode, tag.State())

	if auth0, ok := tag.Auth0(); ok {
		fmt.Printf("AUTH0: %s\n", auth0Label(auth0))
	}
	if cmac, ok := tag.CMACRequired(); ok {
		fmt.Printf("CMAC required: %v\n", cmac)
	}

	serial, err := tag.ReadSerialNumber()
	if err != nil {
		log.Printf("Serial number error: %v", err)
	} else {
		fmt.Printf("UID: %s\n", hexUpper(serial))
	}

	printUserMemory(tag, cfg)
	fmt.Printf("Counter after read: %d\n", tag.Session().Counter())
}

// authenticate uses the CMAC flag when it is known. Otherwise it tries CMAC
// first and falls back to plain, reconnecting between attempts. A plain-mode
// tag rejects the MACed config read that follows a CMAC handshake.
func authenticate(tag *ulaes.Tag, cfg *readerConfig, cmac, known bool) (string, error) {
	if known {
		return modeName(cmac), tag.Authenticate(cfg.key, cfg.keyType, cmac)
	}
	err := tag.Authenticate(cfg.key, cfg.keyType, true)
	if err == nil {
		return modeName(true), nil
	}
	if errors.Is(err, ulaes.ErrTagLost) {
		return modeName(true), err
	}
	if _, err := tag.Connect(); err != nil {
		return modeName(false), err
	}
	return modeName(false), tag.Authenticate(cfg.key, cfg.keyType, false)
}

func modeName(cmac bool) string {
	if cmac {
		return "cmac"
	}
	return "plain"
}

func printUserMemory(tag *ulaes.Tag, cfg *readerConfig) {
	if !cfg.dump {
		return
	}
	data, err := tag.ReadUserMemory()
	if err != nil {
		if code, ok := ulaes.IsNAK(err); ok {
			fmt.Printf("User memory: NAK 0x%X\n", code)
			return
		}
		log.Printf("User memory error: %v", err)
		return
	}
	fmt.Printf("User memory (%d bytes):\n", len(data))
	printPages(ulaes.UserMemoryStart, data)
}
