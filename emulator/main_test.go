package main

import (
	"bytes"
	"testing"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

func TestRunSessionTracesEveryExchange(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, ulaes.KeySize)
	uid := []byte{0x04, 0x51, 0x7A, 0x22, 0x6E, 0x10, 0x90}
	for _, apdu := range []string{"", "direct", "acr122"} {
		t.Run("apdu="+apdu, func(t *testing.T) {
			emu, err := emulator.New(uid,
				emulator.WithKey(ulaes.DataProtectionKey, key),
				emulator.WithConfig([4]byte{0x02, 0x00, 0x00, 0x04}))
			if err != nil {
				t.Fatalf("emulator.New: %v", err)
			}
			trace := &tracer{}
			var tr ulaes.Transport = &tracingTransport{Transport: emulator.NewTransport(emu), trace: trace}
			if apdu != "" {
				mode, err := ulaes.ParsePassthroughMode(apdu)
				if err != nil {
					t.Fatalf("ParsePassthroughMode: %v", err)
				}
				tr = ulaes.NewPCSCTransport(&tracingCard{card: emulator.NewCard(emu, mode), trace: trace}, mode)
			}

			if err := runSession(ulaes.New(tr), key, true, []byte("hello")); err != nil {
				t.Fatalf("runSession returned error: %v", err)
			}
			if !bytes.Equal(emu.Page(ulaes.UserMemoryStart), []byte("hell")) {
				t.Fatalf("user memory not written: % X", emu.Page(ulaes.UserMemoryStart))
			}
			// version, two auth passes, config read, serial read, page writes and memory reads
			if len(trace.entries) < 5 {
				t.Fatalf("expected a full trace, got %d entries", len(trace.entries))
			}
			for i, e := range trace.entries {
				if e.err != nil {
					t.Fatalf("exchange %d failed: %v", i, e.err)
				}
			}
		})
	}
}
