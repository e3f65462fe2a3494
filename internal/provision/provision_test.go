package provision

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

var (
	testUID = []byte{0x04, 0x51, 0x7A, 0x22, 0x6E, 0x10, 0x90}
	dpKey   = []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E, 0x1F}
	uidKey  = []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF}
	zeroKey = make([]byte, 16)
)

func connect(t *testing.T, opts ...emulator.Option) (*ulaes.Tag, *emulator.Tag, *emulator.Transport) {
	t.Helper()
	emu, err := emulator.New(testUID, opts...)
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	tr := emulator.NewTransport(emu)
	tag := ulaes.New(tr)
	if _, err := tag.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tag, emu, tr
}

func TestMintFactoryTag(t *testing.T) {
	tag, emu, _ := connect(t)
	plan := Plan{DataProtectionKey: dpKey, UidRetrievalKey: uidKey, Auth0: 0x04, CMAC: true}

	res, err := Mint(tag, plan, []Candidate{{Key: zeroKey, Label: "factory"}})
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	if res.AuthedWith != "factory" {
		t.Fatalf("expected factory key, got %q", res.AuthedWith)
	}
	if diff := cmp.Diff(testUID, res.UID); diff != "" {
		t.Fatalf("uid mismatch (-want +got):\n%s", diff)
	}
	if res.Before.Raw != [4]byte{0x00, 0x00, 0x00, 0x3C} {
		t.Fatalf("unexpected config before: %s", res.Before)
	}
	if diff := cmp.Diff([]byte{0x02, 0x00, 0x00, 0x04}, emu.Page(ulaes.ConfigPage)); diff != "" {
		t.Fatalf("config page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(dpKey, emu.Key(ulaes.DataProtectionKey)); diff != "" {
		t.Fatalf("data protection key mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(uidKey, emu.Key(ulaes.UidRetrievalKey)); diff != "" {
		t.Fatalf("uid retrieval key mismatch (-want +got):\n%s", diff)
	}
	if got := tag.State(); got != ulaes.StateAuthenticated {
		t.Fatalf("expected authenticated after verification, got %s", got)
	}
	if !tag.Session().CMACEnabled() {
		t.Fatalf("verification session is not in CMAC mode")
	}
}

func TestMintIsRepeatable(t *testing.T) {
	tag, _, _ := connect(t,
		emulator.WithKey(ulaes.DataProtectionKey, dpKey),
		emulator.WithConfig([4]byte{0x02, 0x00, 0x00, 0x04}))
	plan := Plan{DataProtectionKey: dpKey, Auth0: 0x04, CMAC: true}

	res, err := Mint(tag, plan, []Candidate{{Key: zeroKey, Label: "factory"}})
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	if res.AuthedWith != "target" {
		t.Fatalf("expected target key, got %q", res.AuthedWith)
	}
}

func TestMintRejectsPlanBeforeTouchingTag(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want error
	}{
		{"short dp key", Plan{DataProtectionKey: dpKey[:8], Auth0: 0x10}, ulaes.ErrInvalidKeySize},
		{"short uid key", Plan{DataProtectionKey: dpKey, UidRetrievalKey: uidKey[:4], Auth0: 0x10}, ulaes.ErrInvalidKeySize},
		{"uid pages locked", Plan{DataProtectionKey: dpKey, Auth0: 0x02}, ulaes.ErrInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, _, tr := connect(t)
			before := len(tr.Sent())
			if _, err := Mint(tag, tt.plan, []Candidate{{Key: zeroKey}}); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(tr.Sent()) != before {
				t.Fatalf("plan validation sent commands to the tag")
			}
		})
	}
}

func TestResetRestoresFactoryState(t *testing.T) {
	tag, emu, _ := connect(t,
		emulator.WithKey(ulaes.DataProtectionKey, dpKey),
		emulator.WithKey(ulaes.UidRetrievalKey, uidKey),
		emulator.WithConfig([4]byte{0x02, 0x00, 0x00, 0x04}))

	res, err := Reset(tag, []Candidate{{Key: dpKey, Label: "dp"}, {Key: zeroKey, Label: "factory"}}, true)
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if res.AuthedWith != "dp" {
		t.Fatalf("expected dp key, got %q", res.AuthedWith)
	}
	if diff := cmp.Diff([]byte{0x00, 0x00, 0x00, FactoryAuth0}, emu.Page(ulaes.ConfigPage)); diff != "" {
		t.Fatalf("config page mismatch (-want +got):\n%s", diff)
	}
	for _, kt := range []ulaes.KeyType{ulaes.DataProtectionKey, ulaes.UidRetrievalKey} {
		if diff := cmp.Diff(zeroKey, emu.Key(kt)); diff != "" {
			t.Fatalf("%s key not reset (-want +got):\n%s", kt, diff)
		}
	}
}

func TestResetKeepsUidKeyWhenAsked(t *testing.T) {
	tag, emu, _ := connect(t,
		emulator.WithKey(ulaes.DataProtectionKey, dpKey),
		emulator.WithKey(ulaes.UidRetrievalKey, uidKey))

	if _, err := Reset(tag, []Candidate{{Key: dpKey, Label: "dp"}}, false); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if diff := cmp.Diff(uidKey, emu.Key(ulaes.UidRetrievalKey)); diff != "" {
		t.Fatalf("uid key changed (-want +got):\n%s", diff)
	}
}

func TestAuthenticateWithFallbackTriesModesAndKeys(t *testing.T) {
	tag, _, _ := connect(t, emulator.WithKey(ulaes.DataProtectionKey, dpKey))

	auth, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, []Candidate{
		{Key: zeroKey, Label: "factory"},
		{Key: []byte{0x01}, Label: "malformed"},
		{Key: dpKey, Label: "dp"},
	})
	if err != nil {
		t.Fatalf("AuthenticateWithFallback returned error: %v", err)
	}
	if auth.Candidate.Label != "dp" || auth.CMAC {
		t.Fatalf("unexpected result %+v", auth)
	}
}

func TestAuthenticateWithFallbackReportsLastFailure(t *testing.T) {
	tag, _, _ := connect(t, emulator.WithKey(ulaes.DataProtectionKey, dpKey))

	_, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, []Candidate{{Key: zeroKey, Label: "factory"}})
	if !errors.Is(err, ulaes.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, nil); !errors.Is(err, ulaes.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters without candidates, got %v", err)
	}
}

func TestAuthenticateWithFallbackStopsOnTagLoss(t *testing.T) {
	tag, _, tr := connect(t)
	tr.RemoveTag()

	_, err := AuthenticateWithFallback(tag, ulaes.DataProtectionKey, []Candidate{{Key: zeroKey}, {Key: dpKey}})
	if !errors.Is(err, ulaes.ErrTagLost) {
		t.Fatalf("expected ErrTagLost, got %v", err)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Fatalf("expected a single GET_VERSION before the loss, got %d commands", n)
	}
}
