package ulaes

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// KeyFile represents a key loaded from a .hex file.
type KeyFile struct {
	Name string // File name (e.g., "dp.hex")
	Key  []byte // 16-byte AES key
}

// ParseKeyHex decodes a 32-character hex key. Spaces and colons are ignored.
func ParseKeyHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	if len(s) != 2*KeySize {
		return nil, fmt.Errorf("%w: key must be %d hex chars, got %d", ErrInvalidKeySize, 2*KeySize, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %v", err)
	}
	return key, nil
}

// LoadKeyHexFile loads a 16-byte AES key from a .hex file.
// The first non-empty line that is not a # comment holds the key.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseKeyHex(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// LoadAllHexKeys loads all .hex key files from a directory, sorted by name.
// Files that do not hold a valid key are skipped with a warning, so one bad
// file does not hide the others.
func LoadAllHexKeys(dir string) ([]KeyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []KeyFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ".hex" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		key, err := LoadKeyHexFile(path)
		if err != nil {
			slog.Warn("skipping key file", "path", path, "error", err)
			continue
		}
		keys = append(keys, KeyFile{Name: e.Name(), Key: key})
	}
	return keys, nil
}
