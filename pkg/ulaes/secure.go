package ulaes

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// maxCounter is the last counter value that still leaves room for the
// response MAC (ctr+1) without wrapping.
const maxCounter = 0xFFFD

// Session is the per-authentication secure messaging state.
// A nil key means plain mode: commands are sent without MACs.
type Session struct {
	id     string
	key    []byte
	ctr    uint16
	broken bool
}

func newSession(key []byte) *Session {
	return &Session{id: uuid.NewString(), key: key}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// CMACEnabled reports whether commands in this session carry MACs.
func (s *Session) CMACEnabled() bool {
	return s != nil && s.key != nil
}

// Counter returns the counter the next secured command will use.
func (s *Session) Counter() uint16 {
	if s == nil {
		return 0
	}
	return s.ctr
}

// Broken reports whether a response MAC failure invalidated the session.
func (s *Session) Broken() bool {
	return s != nil && s.broken
}

func (s *Session) destroy() {
	zero(s.key)
	s.key = nil
	s.broken = true
}

// sendSecured sends cmd through the current session.
//
// Plain mode passes cmd and the reply through unchanged. CMAC mode appends
// MACt(ctr || cmd), splits the reply into body and MAC, verifies
// MACt(ctr+1 || body) and only then advances the counter by 2. A MAC
// mismatch breaks the session for good.
func (t *Tag) sendSecured(cmd []byte) ([]byte, error) {
	s := t.sess
	if !s.CMACEnabled() {
		return t.exchange(cmd)
	}
	if s.broken {
		return nil, &SecurityError{Cmd: cmd[0], Reason: "session invalidated, re-authenticate"}
	}
	if s.ctr > maxCounter {
		return nil, &SecurityError{Cmd: cmd[0], Reason: "session counter exhausted, re-authenticate"}
	}

	mac, err := MessageMAC(s.key, s.ctr, cmd)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, 0, len(cmd)+MACSize)
	wire = append(wire, cmd...)
	wire = append(wire, mac...)

	slog.Debug("secure messaging",
		"cmd", fmt.Sprintf("0x%02X", cmd[0]),
		"ctr", s.ctr,
		"wire", strings.ToUpper(hex.EncodeToString(wire)),
		"mact", strings.ToUpper(hex.EncodeToString(mac)))

	resp, err := t.exchange(wire)
	if err != nil {
		return nil, err
	}
	if len(resp) < MACSize {
		s.broken = true
		return nil, &SecurityError{Cmd: cmd[0], Reason: fmt.Sprintf("response too short for CMAC (len=%d)", len(resp))}
	}

	body := resp[:len(resp)-MACSize]
	respMAC := resp[len(resp)-MACSize:]
	want, err := MessageMAC(s.key, s.ctr+1, body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(respMAC, want) != 1 {
		s.broken = true
		slog.Warn("response MAC mismatch",
			"cmd", fmt.Sprintf("0x%02X", cmd[0]),
			"ctr", s.ctr,
			"session", s.id)
		return nil, &SecurityError{Cmd: cmd[0], Reason: "invalid response CMAC"}
	}

	s.ctr += 2
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}
