package ulaes_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

func TestPCSCTransportAgainstEmulatedReader(t *testing.T) {
	for _, mode := range []ulaes.PassthroughMode{ulaes.PassthroughDirect, ulaes.PassthroughACR122} {
		t.Run(mode.String(), func(t *testing.T) {
			emu, err := emulator.New(testUID,
				emulator.WithKey(ulaes.DataProtectionKey, dpKey),
				emulator.WithConfig(cfgCMAC))
			if err != nil {
				t.Fatalf("emulator.New: %v", err)
			}
			card := emulator.NewCard(emu, mode)
			tag := ulaes.New(ulaes.NewPCSCTransport(card, mode))

			if _, err := tag.Connect(); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if err := tag.WritePage(0x06, []byte{1, 2, 3, 4}); err != nil {
				t.Fatalf("WritePage: %v", err)
			}
			data, err := tag.ReadPages(0x06)
			if err != nil {
				t.Fatalf("ReadPages: %v", err)
			}
			if !bytes.Equal(data[:4], []byte{1, 2, 3, 4}) {
				t.Fatalf("read back % X", data)
			}

			// Reconnecting inside a CMAC session resets the card first.
			if _, err := tag.Connect(); err != nil {
				t.Fatalf("reconnect: %v", err)
			}
			if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
				t.Fatalf("Authenticate after reconnect: %v", err)
			}

			card.RemoveTag()
			if _, err := tag.ReadPages(0x06); !errors.Is(err, ulaes.ErrTagLost) {
				t.Fatalf("expected ErrTagLost after removal, got %v", err)
			}
			if got := tag.State(); got != ulaes.StateIdle {
				t.Fatalf("expected state idle, got %s", got)
			}
		})
	}
}

// droppingCard answers the next InCommunicateThru with a PN53x timeout
// while the tag behind it stays powered.
type droppingCard struct {
	*emulator.Card
	drop bool
}

func (c *droppingCard) Transmit(raw []byte) ([]byte, error) {
	if c.drop {
		c.drop = false
		return []byte{0xD5, 0x43, 0x01, 0x90, 0x00}, nil
	}
	return c.Card.Transmit(raw)
}

func TestPCSCReconnectAfterCommunicateThruTimeout(t *testing.T) {
	emu, err := emulator.New(testUID,
		emulator.WithKey(ulaes.DataProtectionKey, dpKey),
		emulator.WithConfig(cfgCMAC))
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	card := &droppingCard{Card: emulator.NewCard(emu, ulaes.PassthroughACR122)}
	tr := ulaes.NewPCSCTransport(card, ulaes.PassthroughACR122)
	tag := ulaes.New(tr)

	if _, err := tag.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	card.drop = true
	if _, err := tag.ReadPages(0x04); !errors.Is(err, ulaes.ErrTagLost) {
		t.Fatalf("expected ErrTagLost, got %v", err)
	}
	if got := tag.State(); got != ulaes.StateIdle {
		t.Fatalf("expected state idle, got %s", got)
	}
	if !tr.IsConnected() {
		t.Fatalf("reader connection dropped on a PN53x timeout")
	}

	if _, err := tag.Connect(); err != nil {
		t.Fatalf("reconnect after tag loss: %v", err)
	}
	if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
		t.Fatalf("Authenticate after tag loss: %v", err)
	}
	if _, err := tag.ReadPages(0x04); err != nil {
		t.Fatalf("ReadPages after tag loss: %v", err)
	}
}

type statusCard struct {
	resp []byte
}

func (c statusCard) Transmit([]byte) ([]byte, error) {
	return c.resp, nil
}

func TestPCSCTransportReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		mode ulaes.PassthroughMode
		resp []byte
		want error
	}{
		{"status word", ulaes.PassthroughDirect, []byte{0x6A, 0x82}, ulaes.ErrIO},
		{"pn53x timeout", ulaes.PassthroughACR122, []byte{0xD5, 0x43, 0x01, 0x90, 0x00}, ulaes.ErrTagLost},
		{"pn53x error", ulaes.PassthroughACR122, []byte{0xD5, 0x43, 0x02, 0x90, 0x00}, ulaes.ErrIO},
		{"pn53x garbage", ulaes.PassthroughACR122, []byte{0x00, 0x90, 0x00}, ulaes.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := ulaes.NewPCSCTransport(statusCard{resp: tt.resp}, tt.mode)
			_, err := tr.Transceive([]byte{ulaes.CmdGetVersion})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParsePassthroughMode(t *testing.T) {
	for in, want := range map[string]ulaes.PassthroughMode{
		"":       ulaes.PassthroughDirect,
		"direct": ulaes.PassthroughDirect,
		"acr122": ulaes.PassthroughACR122,
	} {
		got, err := ulaes.ParsePassthroughMode(in)
		if err != nil || got != want {
			t.Fatalf("ParsePassthroughMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ulaes.ParsePassthroughMode("usb"); !errors.Is(err, ulaes.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}
