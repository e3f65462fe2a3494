// Package provision holds the multi-step tag workflows shared by the tools:
// finding a working key, minting a wristband and reversing that.
package provision

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

// FactoryAuth0 disables page protection.
const FactoryAuth0 = 0x3C

// Candidate is a key worth trying, with a label for output.
type Candidate struct {
	Key   []byte
	Label string
}

// Auth describes which candidate and mode authenticated.
type Auth struct {
	Candidate Candidate
	CMAC      bool
}

// AuthenticateWithFallback tries every candidate, CMAC mode first and then
// plain, reconnecting before each retry. A mode that does not match the
// tag's CMAC flag fails on the config read that follows the handshake.
// Tag loss aborts immediately.
func AuthenticateWithFallback(tag *ulaes.Tag, kt ulaes.KeyType, candidates []Candidate) (*Auth, error) {
	var lastErr error
	first := true
	for _, c := range candidates {
		if len(c.Key) != ulaes.KeySize {
			continue
		}
		for _, cmac := range []bool{true, false} {
			if !first {
				if _, err := tag.Connect(); err != nil {
					return nil, fmt.Errorf("reconnect: %w", err)
				}
			}
			first = false
			err := tag.Authenticate(c.Key, kt, cmac)
			if err == nil {
				slog.Debug("candidate authenticated", "key", c.Label, "cmac", cmac)
				return &Auth{Candidate: c, CMAC: cmac}, nil
			}
			if errors.Is(err, ulaes.ErrTagLost) || errors.Is(err, ulaes.ErrNotConnected) {
				return nil, err
			}
			slog.Debug("candidate rejected", "key", c.Label, "cmac", cmac, "error", err)
			lastErr = err
		}
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: no candidate keys", ulaes.ErrInvalidParameters)
	}
	return nil, fmt.Errorf("no candidate key authenticated: %w", lastErr)
}

// Plan is the target state of a minted wristband.
type Plan struct {
	DataProtectionKey []byte
	// UidRetrievalKey is optional; nil leaves the key untouched.
	UidRetrievalKey []byte
	Auth0           byte
	CMAC            bool
}

// Result reports what Mint and Reset observed.
type Result struct {
	UID        []byte
	Before     ulaes.ConfigWord
	After      ulaes.ConfigWord
	AuthedWith string
}

// Mint provisions a connected tag:
//  1. Authenticate with one of current (factory key first, then target key)
//  2. Write the UID retrieval key, if configured
//  3. Write the data protection key
//  4. Set CMAC, then AUTH0
//  5. Reconnect and authenticate with the new key to verify
//  6. Read the serial number
func Mint(tag *ulaes.Tag, plan Plan, current []Candidate) (*Result, error) {
	if len(plan.DataProtectionKey) != ulaes.KeySize {
		return nil, fmt.Errorf("data protection key: %w", ulaes.ErrInvalidKeySize)
	}
	if plan.UidRetrievalKey != nil && len(plan.UidRetrievalKey) != ulaes.KeySize {
		return nil, fmt.Errorf("uid retrieval key: %w", ulaes.ErrInvalidKeySize)
	}
	if int(plan.Auth0) < ulaes.UserMemoryStart {
		return nil, fmt.Errorf("%w: auth0 0x%02X would lock the UID pages", ulaes.ErrInvalidParameters, plan.Auth0)
	}

	candidates := append(append([]Candidate(nil), current...), Candidate{Key: plan.DataProtectionKey, Label: "target"})
	auth, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, candidates)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	res := &Result{AuthedWith: auth.Candidate.Label}
	if res.Before, err = tag.ReadConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if plan.UidRetrievalKey != nil {
		if err := tag.WriteKey(ulaes.UidRetrievalKey, plan.UidRetrievalKey); err != nil {
			return nil, fmt.Errorf("write uid retrieval key: %w", err)
		}
	}
	if !bytes.Equal(auth.Candidate.Key, plan.DataProtectionKey) {
		if err := tag.WriteKey(ulaes.DataProtectionKey, plan.DataProtectionKey); err != nil {
			return nil, fmt.Errorf("write data protection key: %w", err)
		}
	}
	if err := tag.SetCMAC(plan.CMAC); err != nil {
		return nil, fmt.Errorf("set cmac: %w", err)
	}
	if err := tag.SetAuth0(plan.Auth0); err != nil {
		return nil, fmt.Errorf("set auth0: %w", err)
	}

	if err := verify(tag, plan.DataProtectionKey, plan.CMAC, res); err != nil {
		return nil, err
	}
	if got := res.After; got.Auth0() != plan.Auth0 || got.CMACEnabled() != plan.CMAC {
		return nil, fmt.Errorf("verify: config is %s after minting", got)
	}
	return res, nil
}

// Reset restores factory protection on a connected tag: AUTH0 0x3C, CMAC
// off and all-zero keys. It authenticates with any of current, which
// should list the provisioned key and the factory key.
func Reset(tag *ulaes.Tag, current []Candidate, resetUID bool) (*Result, error) {
	auth, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, current)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	res := &Result{AuthedWith: auth.Candidate.Label}
	if res.Before, err = tag.ReadConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := tag.SetAuth0(FactoryAuth0); err != nil {
		return nil, fmt.Errorf("open auth0: %w", err)
	}
	if err := tag.SetCMAC(false); err != nil {
		return nil, fmt.Errorf("disable cmac: %w", err)
	}
	zeroKey := make([]byte, ulaes.KeySize)
	if resetUID {
		if err := tag.WriteKey(ulaes.UidRetrievalKey, zeroKey); err != nil {
			return nil, fmt.Errorf("reset uid retrieval key: %w", err)
		}
	}
	if err := tag.WriteKey(ulaes.DataProtectionKey, zeroKey); err != nil {
		return nil, fmt.Errorf("reset data protection key: %w", err)
	}

	if err := verify(tag, zeroKey, false, res); err != nil {
		return nil, err
	}
	if got := res.After; got.Auth0() != FactoryAuth0 || got.CMACEnabled() {
		return nil, fmt.Errorf("verify: config is %s after reset", got)
	}
	return res, nil
}

// verify reconnects, authenticates with key and records the config and
// serial number the new session sees.
func verify(tag *ulaes.Tag, key []byte, cmac bool, res *Result) error {
	if _, err := tag.Connect(); err != nil {
		return fmt.Errorf("verify: reconnect: %w", err)
	}
	if err := tag.Authenticate(key, ulaes.DataProtectionKey, cmac); err != nil {
		return fmt.Errorf("verify: authenticate with new key: %w", err)
	}
	var err error
	if res.After, err = tag.ReadConfig(); err != nil {
		return fmt.Errorf("verify: read config: %w", err)
	}
	if res.UID, err = tag.ReadSerialNumber(); err != nil {
		return fmt.Errorf("verify: read serial number: %w", err)
	}
	return nil
}
