package ulaes

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	authStatusMore = 0xAF
	authStatusOK   = 0x00
)

// Authenticate runs the three-pass mutual authentication with masterKey.
//
// On success the chip state follows the key type (DataProtection ->
// Authenticated, UidRetrieval -> Traceable, Originality -> unchanged), a new
// session replaces any previous one, and the configuration page is read
// through that session to learn AUTH0 and the CMAC flag. With wantCMAC the
// session derives a session key and MACs every following command; otherwise
// commands are sent plain.
//
// Every failure inside the handshake is reported as an *AuthError, which
// matches ErrAuthenticationFailed regardless of the cause.
func (t *Tag) Authenticate(masterKey []byte, kt KeyType, wantCMAC bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireActive(); err != nil {
		return err
	}
	if len(masterKey) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(masterKey))
	}
	if !kt.valid() {
		return fmt.Errorf("%w: key type 0x%02X", ErrInvalidParameters, byte(kt))
	}

	// A new AUTHENTICATE resets the tag's access state, so ours goes with it.
	t.dropSession()
	t.state = StateActive

	rndA, rndB, err := t.threePass(masterKey, kt)
	if err != nil {
		return err
	}
	defer zero(rndA)
	defer zero(rndB)

	var sessionKey []byte
	if wantCMAC {
		sessionKey, err = DeriveSessionKey(masterKey, rndA, rndB)
		if err != nil {
			return &AuthError{Step: "derive", Cause: err}
		}
	}
	sess := newSession(sessionKey)

	slog.Debug("session established",
		"session", sess.ID(),
		"rndA", strings.ToUpper(hex.EncodeToString(rndA)),
		"rndB", strings.ToUpper(hex.EncodeToString(rndB)),
		"session_key", strings.ToUpper(hex.EncodeToString(sessionKey)))

	prev := t.state
	t.sess = sess
	switch kt {
	case DataProtectionKey:
		t.state = StateAuthenticated
	case UidRetrievalKey:
		t.state = StateTraceable
	}

	if _, err := t.readConfig(); err != nil {
		t.dropSession()
		if t.state != StateIdle {
			t.state = prev
		}
		return fmt.Errorf("read config after auth: %w", err)
	}

	slog.Info("authenticated", "key_type", kt.String(), "cmac", wantCMAC, "state", t.state.String(), "session", sess.ID())
	return nil
}

// threePass performs the challenge/response and returns the original nonces.
func (t *Tag) threePass(key []byte, kt KeyType) (rndA, rndB []byte, err error) {
	resp1, err := t.exchange([]byte{CmdAuthenticate, byte(kt)})
	if err != nil {
		return nil, nil, &AuthError{Step: "step1", Cause: err}
	}
	if len(resp1) != 1+BlockSize || resp1[0] != authStatusMore {
		return nil, nil, &AuthError{Step: "step1", Cause: fmt.Errorf("unexpected response (len=%d)", len(resp1))}
	}
	rndB, err = DecryptCBC(key, resp1[1:])
	if err != nil {
		return nil, nil, &AuthError{Step: "step1", Cause: err}
	}

	rndA = make([]byte, BlockSize)
	if _, err := io.ReadFull(t.rand, rndA); err != nil {
		return nil, nil, &AuthError{Step: "step1", Cause: err}
	}

	rndAB := make([]byte, 0, 2*BlockSize)
	rndAB = append(rndAB, rndA...)
	rndAB = append(rndAB, RotateLeft1(rndB)...)
	rndABEnc, err := EncryptCBC(key, rndAB)
	if err != nil {
		return nil, nil, &AuthError{Step: "step2", Cause: err}
	}

	cmd2 := make([]byte, 0, 1+len(rndABEnc))
	cmd2 = append(cmd2, CmdAuthPart2)
	cmd2 = append(cmd2, rndABEnc...)
	resp2, err := t.exchange(cmd2)
	if err != nil {
		return nil, nil, &AuthError{Step: "step2", Cause: err}
	}
	if len(resp2) != 1+BlockSize || resp2[0] != authStatusOK {
		return nil, nil, &AuthError{Step: "step2", Cause: fmt.Errorf("unexpected response (len=%d)", len(resp2))}
	}

	rndARot, err := DecryptCBC(key, resp2[1:])
	if err != nil {
		return nil, nil, &AuthError{Step: "step2", Cause: err}
	}
	if subtle.ConstantTimeCompare(rndARot, RotateLeft1(rndA)) != 1 {
		return nil, nil, &AuthError{Step: "verify", Cause: errors.New("rndA check failed")}
	}
	return rndA, rndB, nil
}
