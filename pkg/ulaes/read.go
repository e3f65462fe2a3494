package ulaes

import (
	"fmt"
	"log/slog"
)

// Memory layout. Key pages hold the DataProtection and UidRetrieval keys,
// four pages each.
const (
	PageSize        = 4
	TotalPages      = 60
	UserMemoryStart = 0x04
	UserMemoryBytes = 144
	ReadLength      = 16

	DataProtectionKeyPage = 0x30
	UidRetrievalKeyPage   = 0x34
)

// UserMemoryEnd is the last user memory page.
const UserMemoryEnd = UserMemoryStart + UserMemoryBytes/PageSize - 1

func checkPage(page byte) error {
	if int(page) >= TotalPages {
		return fmt.Errorf("%w: page 0x%02X out of range (0..0x%02X)", ErrInvalidParameters, page, TotalPages-1)
	}
	return nil
}

// GetVersion re-probes the product info through the current session.
func (t *Tag) GetVersion() (*Version, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	resp, err := t.sendSecured([]byte{CmdGetVersion})
	if err != nil {
		return nil, err
	}
	return ParseVersion(resp)
}

// ReadPages reads 16 bytes (4 pages) starting at page.
func (t *Tag) ReadPages(page byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	return t.readPages(page)
}

func (t *Tag) readPages(page byte) ([]byte, error) {
	if err := checkPage(page); err != nil {
		return nil, err
	}
	resp, err := t.sendSecured([]byte{CmdRead, page})
	if err != nil {
		return nil, err
	}
	if len(resp) != ReadLength {
		return nil, fmt.Errorf("read page 0x%02X: %w: got %d bytes", page, ErrIO, len(resp))
	}
	return resp, nil
}

// WritePage writes one 4-byte page.
func (t *Tag) WritePage(page byte, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	return t.writePage(page, data)
}

func (t *Tag) writePage(page byte, data []byte) error {
	if err := checkPage(page); err != nil {
		return err
	}
	if len(data) != PageSize {
		return fmt.Errorf("%w: page data must be %d bytes, got %d", ErrInvalidParameters, PageSize, len(data))
	}
	cmd := make([]byte, 0, 2+PageSize)
	cmd = append(cmd, CmdWrite, page)
	cmd = append(cmd, data...)
	resp, err := t.sendSecured(cmd)
	if err != nil {
		return err
	}
	if len(resp) != 1 || resp[0] != ACK {
		return fmt.Errorf("write page 0x%02X: %w: expected ACK, got % X", page, ErrIO, resp)
	}
	return nil
}

// ReadSerialNumber returns the 7-byte UID from pages 0 and 1.
func (t *Tag) ReadSerialNumber() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	data, err := t.readPages(0x00)
	if err != nil {
		return nil, err
	}
	uid := make([]byte, 0, 7)
	uid = append(uid, data[0:3]...)
	uid = append(uid, data[4:8]...)
	return uid, nil
}

// ReadUserMemory reads the whole user memory area.
func (t *Tag) ReadUserMemory() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, UserMemoryBytes)
	for page := UserMemoryStart; page <= UserMemoryEnd; page += ReadLength / PageSize {
		data, err := t.readPages(byte(page))
		if err != nil {
			return nil, fmt.Errorf("read user memory at page 0x%02X: %w", page, err)
		}
		out = append(out, data...)
	}
	return out[:UserMemoryBytes], nil
}

// WriteUserMemory writes data from the first user page on, zero-padding
// the last page.
func (t *Tag) WriteUserMemory(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if len(data) > UserMemoryBytes {
		return fmt.Errorf("%w: %d bytes exceed user memory (%d)", ErrInvalidParameters, len(data), UserMemoryBytes)
	}
	for off := 0; off < len(data); off += PageSize {
		chunk := make([]byte, PageSize)
		copy(chunk, data[off:])
		page := byte(UserMemoryStart + off/PageSize)
		if err := t.writePage(page, chunk); err != nil {
			return fmt.Errorf("write user memory at page 0x%02X: %w", page, err)
		}
	}
	slog.Debug("user memory written", "bytes", len(data))
	return nil
}

// WriteKey stores a 16-byte AES key in the key pages of kt. The tag keeps
// keys in reversed byte order: key[15] is the first byte of the first page.
func (t *Tag) WriteKey(kt KeyType, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	var first byte
	switch kt {
	case DataProtectionKey:
		first = DataProtectionKeyPage
	case UidRetrievalKey:
		first = UidRetrievalKeyPage
	default:
		return fmt.Errorf("%w: %s key is not writable", ErrInvalidParameters, kt)
	}
	if err := t.requireWriteAccess(first); err != nil {
		return err
	}

	stored := ReverseKey(key)
	defer zero(stored)
	for i := 0; i < KeySize/PageSize; i++ {
		if err := t.writePage(first+byte(i), stored[i*PageSize:(i+1)*PageSize]); err != nil {
			return fmt.Errorf("write %s key: %w", kt, err)
		}
	}
	slog.Info("key written", "key_type", kt.String())
	return nil
}

// ReverseKey returns key with its byte order reversed.
func ReverseKey(key []byte) []byte {
	out := make([]byte, len(key))
	for i := range key {
		out[len(key)-1-i] = key[i]
	}
	return out
}
