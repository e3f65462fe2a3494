package ulaes

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadKeyHexFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "dp.hex")
	content := "# data protection key\n\n00112233445566778899AABBCCDDEEFF\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := LoadKeyHexFile(path)
	if err != nil {
		t.Fatalf("LoadKeyHexFile returned error: %v", err)
	}
	want := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	if !bytes.Equal(key, want) {
		t.Fatalf("expected %X, got %X", want, key)
	}
}

func TestLoadKeyHexFileErrors(t *testing.T) {
	tmp := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty", "\n\n", "key file is empty"},
		{"short", "0011\n", "32 hex chars"},
		{"not hex", "ZZ112233445566778899AABBCCDDEEFF\n", "invalid hex key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmp, tt.name+".hex")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write key: %v", err)
			}
			_, err := LoadKeyHexFile(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseKeyHexAcceptsSeparators(t *testing.T) {
	key, err := ParseKeyHex("00:11:22:33 44:55:66:77 88:99:AA:BB CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("ParseKeyHex returned error: %v", err)
	}
	if key[15] != 0xFF {
		t.Fatalf("unexpected key %X", key)
	}
	if _, err := ParseKeyHex("0011"); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestLoadAllHexKeysSkipsInvalid(t *testing.T) {
	tmp := t.TempDir()
	files := map[string]string{
		"dp.hex":    "00112233445566778899AABBCCDDEEFF\n",
		"uid.HEX":   "FFEEDDCCBBAA99887766554433221100\n",
		"bad.hex":   "nope\n",
		"notes.txt": "00112233445566778899AABBCCDDEEFF\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(tmp, "sub.hex"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	keys, err := LoadAllHexKeys(tmp)
	if err != nil {
		t.Fatalf("LoadAllHexKeys returned error: %v", err)
	}
	if out := logs.String(); !strings.Contains(out, "bad.hex") || !strings.Contains(out, "32 hex chars") {
		t.Fatalf("expected a warning naming bad.hex and its error, got %q", out)
	}
	if strings.Contains(logs.String(), "notes.txt") {
		t.Fatalf("non-key files must be ignored silently: %q", logs.String())
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %+v", len(keys), keys)
	}
	if keys[0].Name != "dp.hex" || keys[1].Name != "uid.HEX" {
		t.Fatalf("unexpected key files %q, %q", keys[0].Name, keys[1].Name)
	}
}
