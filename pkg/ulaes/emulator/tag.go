// Package emulator is a software MIFARE Ultralight AES tag.
//
// It answers native commands the way the chip does: GET_VERSION, READ,
// WRITE and the AUTHENTICATE handshake, AUTH0 page protection and CMAC
// secure messaging with the session counter. Transport and Card put it
// behind the same interfaces real readers use.
package emulator

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

const (
	nakInvalid   = 0x00
	nakProtected = 0x04

	cfg0Page = ulaes.ConfigPage
	keyPages = ulaes.DataProtectionKeyPage
	keyEnd   = 0x37
)

// DefaultVersion is the GET_VERSION reply of a 50 pF MF0AES.
var DefaultVersion = []byte{0x00, 0x04, 0x03, 0x02, 0x04, 0x00, 0x0F, 0x03}

type access int

const (
	accessNone access = iota
	accessOriginality
	accessData
	accessUID
)

// Tag is the emulated chip. It is safe for concurrent use.
type Tag struct {
	mu      sync.Mutex
	pages   [ulaes.TotalPages][ulaes.PageSize]byte
	keys    map[ulaes.KeyType][]byte
	version []byte
	rand    io.Reader

	// handshake
	pendingKT  ulaes.KeyType
	pendingKey []byte
	rndB       []byte

	access     access
	sessionKey []byte
	ctr        uint16
	verified   []uint16

	// TamperResponse, when set, may rewrite every reply (MAC included).
	TamperResponse func(cmd, resp []byte) []byte
}

// Option configures a Tag.
type Option func(*Tag)

// WithKey sets a tag key.
func WithKey(kt ulaes.KeyType, key []byte) Option {
	return func(t *Tag) {
		t.keys[kt] = append([]byte(nil), key...)
	}
}

// WithVersion replaces the GET_VERSION reply.
func WithVersion(v []byte) Option {
	return func(t *Tag) {
		t.version = append([]byte(nil), v...)
	}
}

// WithConfig sets the CFG0 page.
func WithConfig(cfg [4]byte) Option {
	return func(t *Tag) {
		t.pages[cfg0Page] = cfg
	}
}

// WithRandom replaces the RndB source.
func WithRandom(r io.Reader) Option {
	return func(t *Tag) {
		t.rand = r
	}
}

// New creates a factory-fresh tag with a 7-byte uid: all keys zero,
// AUTH0 0x3C (no protection) and CMAC off.
func New(uid []byte, opts ...Option) (*Tag, error) {
	if len(uid) != 7 {
		return nil, fmt.Errorf("uid must be 7 bytes, got %d", len(uid))
	}
	t := &Tag{
		keys:    map[ulaes.KeyType][]byte{},
		version: append([]byte(nil), DefaultVersion...),
		rand:    rand.Reader,
	}
	for _, kt := range []ulaes.KeyType{ulaes.DataProtectionKey, ulaes.UidRetrievalKey, ulaes.OriginalityKey} {
		t.keys[kt] = make([]byte, ulaes.KeySize)
	}
	bcc0 := 0x88 ^ uid[0] ^ uid[1] ^ uid[2]
	bcc1 := uid[3] ^ uid[4] ^ uid[5] ^ uid[6]
	t.pages[0] = [4]byte{uid[0], uid[1], uid[2], bcc0}
	t.pages[1] = [4]byte{uid[3], uid[4], uid[5], uid[6]}
	t.pages[2] = [4]byte{bcc1, 0x48, 0x00, 0x00}
	t.pages[3] = [4]byte{0xE1, 0x10, 0x12, 0x00}
	t.pages[cfg0Page] = [4]byte{0x00, 0x00, 0x00, 0x3C}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Reset drops any authentication, as a field reset does.
func (t *Tag) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetAuth()
}

// Page returns the raw content of page, or nil past the end of memory.
func (t *Tag) Page(page byte) []byte {
	if int(page) >= ulaes.TotalPages {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pages[page]
	return p[:]
}

// Key returns the key currently active for kt.
func (t *Tag) Key(kt ulaes.KeyType) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.keys[kt]...)
}

// VerifiedCounters lists the counter of every command whose MAC verified.
func (t *Tag) VerifiedCounters() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint16(nil), t.verified...)
}

// Handle processes one native command and returns the reply.
func (t *Tag) Handle(cmd []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	resp := t.handle(cmd)
	if t.TamperResponse != nil {
		resp = t.TamperResponse(cmd, resp)
	}
	return resp
}

func (t *Tag) handle(cmd []byte) []byte {
	if len(cmd) == 0 {
		return nak(nakInvalid)
	}
	switch cmd[0] {
	case ulaes.CmdAuthenticate:
		return t.authStart(cmd)
	case ulaes.CmdAuthPart2:
		return t.authFinish(cmd)
	}
	t.pendingKey = nil

	if t.sessionKey == nil {
		return t.execute(cmd)
	}

	if len(cmd) < 1+ulaes.MACSize {
		t.resetAuth()
		return nak(nakInvalid)
	}
	body := cmd[:len(cmd)-ulaes.MACSize]
	mac := cmd[len(cmd)-ulaes.MACSize:]
	want, err := ulaes.MessageMAC(t.sessionKey, t.ctr, body)
	if err != nil || !bytes.Equal(mac, want) {
		slog.Debug("emulator: command MAC mismatch", "ctr", t.ctr)
		t.resetAuth()
		return nak(nakInvalid)
	}
	t.verified = append(t.verified, t.ctr)

	resp := t.execute(body)
	if isNAK(resp) {
		return resp
	}
	respMAC, err := ulaes.MessageMAC(t.sessionKey, t.ctr+1, resp)
	if err != nil {
		return nak(nakInvalid)
	}
	t.ctr += 2
	return append(resp, respMAC...)
}

func (t *Tag) authStart(cmd []byte) []byte {
	t.resetAuth()
	if len(cmd) != 2 || cmd[1] > byte(ulaes.OriginalityKey) {
		return nak(nakInvalid)
	}
	kt := ulaes.KeyType(cmd[1])
	rndB := make([]byte, ulaes.BlockSize)
	if _, err := io.ReadFull(t.rand, rndB); err != nil {
		return nak(nakInvalid)
	}
	enc, err := ulaes.EncryptCBC(t.keys[kt], rndB)
	if err != nil {
		return nak(nakInvalid)
	}
	t.pendingKT = kt
	t.pendingKey = t.keys[kt]
	t.rndB = rndB
	return append([]byte{0xAF}, enc...)
}

func (t *Tag) authFinish(cmd []byte) []byte {
	key := t.pendingKey
	t.pendingKey = nil
	if key == nil || len(cmd) != 1+2*ulaes.BlockSize {
		t.resetAuth()
		return nak(nakInvalid)
	}
	pt, err := ulaes.DecryptCBC(key, cmd[1:])
	if err != nil {
		return nak(nakInvalid)
	}
	rndA := pt[:ulaes.BlockSize]
	if !bytes.Equal(pt[ulaes.BlockSize:], ulaes.RotateLeft1(t.rndB)) {
		slog.Debug("emulator: RndB check failed", "key_type", t.pendingKT.String())
		t.resetAuth()
		return nak(nakInvalid)
	}
	enc, err := ulaes.EncryptCBC(key, ulaes.RotateLeft1(rndA))
	if err != nil {
		return nak(nakInvalid)
	}

	switch t.pendingKT {
	case ulaes.DataProtectionKey:
		t.access = accessData
	case ulaes.UidRetrievalKey:
		t.access = accessUID
	default:
		t.access = accessOriginality
	}
	if t.cmacRequired() {
		t.sessionKey, err = ulaes.DeriveSessionKey(key, rndA, t.rndB)
		if err != nil {
			t.resetAuth()
			return nak(nakInvalid)
		}
		t.ctr = 0
	}
	return append([]byte{0x00}, enc...)
}

func (t *Tag) execute(cmd []byte) []byte {
	switch cmd[0] {
	case ulaes.CmdGetVersion:
		if len(cmd) != 1 {
			return nak(nakInvalid)
		}
		return append([]byte(nil), t.version...)
	case ulaes.CmdRead:
		if len(cmd) != 2 || int(cmd[1]) >= ulaes.TotalPages {
			return nak(nakInvalid)
		}
		return t.read(cmd[1])
	case ulaes.CmdWrite:
		if len(cmd) != 2+ulaes.PageSize || int(cmd[1]) >= ulaes.TotalPages {
			return nak(nakInvalid)
		}
		return t.write(cmd[1], cmd[2:])
	default:
		return nak(nakInvalid)
	}
}

func (t *Tag) read(start byte) []byte {
	if t.protected(start) {
		return nak(nakProtected)
	}
	out := make([]byte, 0, ulaes.ReadLength)
	for i := 0; i < ulaes.ReadLength/ulaes.PageSize; i++ {
		page := (int(start) + i) % ulaes.TotalPages
		switch {
		case page >= keyPages && page <= keyEnd, t.protected(byte(page)):
			out = append(out, 0, 0, 0, 0)
		default:
			out = append(out, t.pages[page][:]...)
		}
	}
	return out
}

func (t *Tag) write(page byte, data []byte) []byte {
	if page < 2 {
		return nak(nakInvalid)
	}
	if t.protected(page) {
		return nak(nakProtected)
	}
	copy(t.pages[page][:], data)
	if page >= keyPages && page <= keyEnd {
		t.storeKeyPage(page)
	}
	return []byte{ulaes.ACK}
}

// storeKeyPage refreshes the key after one of its pages changed. Keys live
// in reversed byte order.
func (t *Tag) storeKeyPage(page byte) {
	kt := ulaes.DataProtectionKey
	first := byte(keyPages)
	if page >= ulaes.UidRetrievalKeyPage {
		kt = ulaes.UidRetrievalKey
		first = ulaes.UidRetrievalKeyPage
	}
	stored := make([]byte, 0, ulaes.KeySize)
	for p := first; p < first+4; p++ {
		stored = append(stored, t.pages[p][:]...)
	}
	t.keys[kt] = ulaes.ReverseKey(stored)
}

func (t *Tag) protected(page byte) bool {
	if t.access == accessData || t.access == accessUID {
		return false
	}
	return page >= t.pages[cfg0Page][3]
}

func (t *Tag) cmacRequired() bool {
	return t.pages[cfg0Page][0]&0x02 != 0
}

func (t *Tag) resetAuth() {
	t.access = accessNone
	t.sessionKey = nil
	t.pendingKey = nil
	t.rndB = nil
	t.ctr = 0
}

func nak(code byte) []byte {
	return []byte{code}
}

func isNAK(resp []byte) bool {
	return len(resp) == 1 && resp[0] != ulaes.ACK
}
