package ulaes

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ChipState is the host's view of the tag's access level.
type ChipState int

const (
	StateIdle ChipState = iota
	StateActive
	StateAuthenticated
	StateTraceable
)

func (s ChipState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateAuthenticated:
		return "authenticated"
	case StateTraceable:
		return "traceable"
	default:
		return fmt.Sprintf("ChipState(%d)", int(s))
	}
}

// KeyType selects which tag key the authentication uses.
type KeyType byte

const (
	DataProtectionKey KeyType = 0x00
	UidRetrievalKey   KeyType = 0x01
	OriginalityKey    KeyType = 0x02
)

func (k KeyType) String() string {
	switch k {
	case DataProtectionKey:
		return "data-protection"
	case UidRetrievalKey:
		return "uid-retrieval"
	case OriginalityKey:
		return "originality"
	default:
		return fmt.Sprintf("KeyType(0x%02X)", byte(k))
	}
}

func (k KeyType) valid() bool {
	return k <= OriginalityKey
}

// ParseKeyType maps a config/flag name to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch s {
	case "data-protection", "dp", "":
		return DataProtectionKey, nil
	case "uid-retrieval", "uid":
		return UidRetrievalKey, nil
	case "originality":
		return OriginalityKey, nil
	default:
		return 0, fmt.Errorf("%w: unknown key type %q", ErrInvalidParameters, s)
	}
}

// Tag drives one connected Ultralight AES tag. All methods are serialised;
// a Tag must still not be shared between logical users without their own
// coordination, since the session counter belongs to one caller.
type Tag struct {
	mu      sync.Mutex
	tr      Transport
	rand    io.Reader
	state   ChipState
	version *Version
	sess    *Session
	cfg     *ConfigWord
	// lost is set when the transport lost the tag; the tag may still hold
	// its old authentication when it comes back.
	lost bool
}

// Option configures a Tag.
type Option func(*Tag)

// WithRandom replaces the RndA source. Only tests should use this;
// production code must keep crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(t *Tag) {
		t.rand = r
	}
}

// New wraps a transport. The tag is Idle until Connect succeeds.
func New(tr Transport, opts ...Option) *Tag {
	t := &Tag{tr: tr, rand: rand.Reader}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens the transport if needed, probes GET_VERSION and moves the
// tag to Active. Any previous session is discarded. On a transport that is
// still connected the field is reset first when it implements FieldResetter
// and the tag was active or lost since the last Connect.
func (t *Tag) Connect() (*Version, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tr == nil {
		return nil, ErrNotConnected
	}
	stale := t.state != StateIdle || t.lost
	t.reset()
	if !t.tr.IsConnected() {
		if err := t.tr.Connect(); err != nil {
			return nil, wrapTransportError(CmdGetVersion, err)
		}
	} else if r, ok := t.tr.(FieldResetter); ok && stale {
		// The tag still holds the old authentication and would reject a
		// plain GET_VERSION inside a CMAC session.
		if err := r.ResetField(); err != nil {
			return nil, wrapTransportError(CmdGetVersion, err)
		}
	}
	t.lost = false

	resp, err := t.exchange([]byte{CmdGetVersion})
	if err != nil {
		return nil, err
	}
	v, err := ParseVersion(resp)
	if err != nil {
		slog.Warn("version probe rejected", "error", err)
		return nil, err
	}
	t.version = v
	t.state = StateActive
	slog.Debug("tag active", "version", v.String())
	return v, nil
}

// Close drops the session and closes the transport.
func (t *Tag) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	if t.tr == nil || !t.tr.IsConnected() {
		return nil
	}
	return t.tr.Close()
}

// State returns the current chip state.
func (t *Tag) State() ChipState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Version returns the product info from the last successful probe.
func (t *Tag) Version() *Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Session returns the current session, or nil before authentication.
func (t *Tag) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Auth0 returns the cached AUTH0 threshold and whether it is known.
func (t *Tag) Auth0() (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg == nil {
		return 0, false
	}
	return t.cfg.Auth0(), true
}

// CMACRequired returns the cached CMAC flag and whether it is known.
func (t *Tag) CMACRequired() (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg == nil {
		return false, false
	}
	return t.cfg.CMACEnabled(), true
}

func (t *Tag) reset() {
	t.dropSession()
	t.state = StateIdle
	t.version = nil
	t.cfg = nil
}

func (t *Tag) dropSession() {
	if t.sess != nil {
		t.sess.destroy()
		t.sess = nil
	}
}

func (t *Tag) requireActive() error {
	if t.tr == nil || !t.tr.IsConnected() || t.state == StateIdle {
		return ErrNotConnected
	}
	return nil
}

// exchange sends one raw command. A lost tag takes all session state with it.
func (t *Tag) exchange(cmd []byte) ([]byte, error) {
	resp, err := transceive(t.tr, cmd)
	if err != nil && errors.Is(err, ErrTagLost) {
		slog.Warn("tag lost", "cmd", fmt.Sprintf("0x%02X", cmd[0]))
		t.reset()
		t.lost = true
	}
	return resp, err
}
