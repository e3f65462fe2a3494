package ulaes_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

// fakePN532 answers host frames written to it, with the emulated tag
// behind InCommunicateThru.
type fakePN532 struct {
	tag     *emulator.Tag
	out     bytes.Buffer
	noTag   bool
	status  byte
	closed  bool
	samSeen bool
	rfOffs  int
}

func pn532Frame(data []byte) []byte {
	out := []byte{0x00, 0x00, 0xFF, byte(len(data)), byte(0x100 - len(data))}
	var sum byte
	for _, b := range data {
		sum += b
	}
	out = append(out, data...)
	return append(out, byte(0x100-int(sum)), 0x00)
}

func (f *fakePN532) Write(b []byte) (int, error) {
	i := bytes.Index(b, []byte{0x00, 0x00, 0xFF})
	if i < 0 {
		return len(b), nil // wakeup preamble
	}
	n := int(b[i+3])
	data := b[i+5 : i+5+n]
	if data[0] != 0xD4 {
		return len(b), nil
	}
	f.out.Write([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00})
	code, params := data[1], data[2:]
	var resp []byte
	switch code {
	case 0x14:
		f.samSeen = true
	case 0x32:
		if len(params) == 2 && params[0] == 0x01 && params[1] == 0x00 {
			f.rfOffs++
			f.tag.Reset()
		}
	case 0x4A:
		if f.noTag {
			resp = []byte{0x00}
		} else {
			resp = append([]byte{0x01, 0x01, 0x00, 0x44, 0x00, 0x07}, testUID...)
		}
	case 0x42:
		if f.status != 0 {
			resp = []byte{f.status}
		} else {
			resp = append([]byte{0x00}, f.tag.Handle(params)...)
		}
	}
	f.out.Write(pn532Frame(append([]byte{0xD5, code + 1}, resp...)))
	return len(b), nil
}

func (f *fakePN532) Read(b []byte) (int, error) {
	if f.out.Len() == 0 {
		return 0, nil
	}
	return f.out.Read(b)
}

func (f *fakePN532) Close() error {
	f.closed = true
	return nil
}

func TestPN532TransportAgainstEmulator(t *testing.T) {
	emu, err := emulator.New(testUID,
		emulator.WithKey(ulaes.DataProtectionKey, dpKey),
		emulator.WithConfig(cfgCMAC))
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	port := &fakePN532{tag: emu}
	tr := ulaes.NewPN532Transport(port)
	tag := ulaes.New(tr)

	if _, err := tag.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !port.samSeen {
		t.Fatalf("SAMConfiguration was not sent")
	}
	if !bytes.Equal(tr.UID(), testUID) {
		t.Fatalf("selected uid % X", tr.UID())
	}
	if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	uid, err := tag.ReadSerialNumber()
	if err != nil {
		t.Fatalf("ReadSerialNumber: %v", err)
	}
	if !bytes.Equal(uid, testUID) {
		t.Fatalf("serial number % X", uid)
	}

	// A second Connect on a live session power-cycles the field so the
	// tag forgets its authentication.
	if _, err := tag.Connect(); err != nil {
		t.Fatalf("reconnect with session: %v", err)
	}
	if port.rfOffs != 1 {
		t.Fatalf("expected one RF field reset, got %d", port.rfOffs)
	}
	if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
		t.Fatalf("Authenticate after field reset: %v", err)
	}

	port.status = 0x01
	if _, err := tag.ReadPages(0x04); !errors.Is(err, ulaes.ErrTagLost) {
		t.Fatalf("expected ErrTagLost on PN532 timeout, got %v", err)
	}
	if tr.IsConnected() {
		t.Fatalf("transport still connected after tag loss")
	}

	// The timed-out tag still holds its CMAC session; reconnecting has to
	// switch the field off before the plain GET_VERSION.
	port.status = 0
	if _, err := tag.Connect(); err != nil {
		t.Fatalf("reconnect after tag loss: %v", err)
	}
	if port.rfOffs != 2 {
		t.Fatalf("expected a second RF field reset, got %d", port.rfOffs)
	}
	if err := tag.Authenticate(dpKey, ulaes.DataProtectionKey, true); err != nil {
		t.Fatalf("Authenticate after tag loss: %v", err)
	}
	if _, err := tag.ReadPages(0x04); err != nil {
		t.Fatalf("ReadPages after tag loss: %v", err)
	}
	if err := tag.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.closed {
		t.Fatalf("port not closed")
	}
}

func TestPN532EmptyField(t *testing.T) {
	tr := ulaes.NewPN532Transport(&fakePN532{noTag: true})
	if err := tr.Connect(); !errors.Is(err, ulaes.ErrTagLost) {
		t.Fatalf("expected ErrTagLost, got %v", err)
	}
}

func TestPN532SilentPort(t *testing.T) {
	tr := ulaes.NewPN532Transport(&silentPort{})
	if err := tr.Connect(); !errors.Is(err, ulaes.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

type silentPort struct{}

func (silentPort) Read([]byte) (int, error)    { return 0, nil }
func (silentPort) Write(b []byte) (int, error) { return len(b), nil }
func (silentPort) Close() error                { return nil }
