package ulaes

import (
	"errors"
	"fmt"
	"log/slog"
)

// ConfigPage holds the CMAC flag (byte 0 bit 1) and AUTH0 (byte 3).
const ConfigPage = 0x29

const (
	cfgCMACByte = 0
	cfgCMACBit  = 0x02
	cfgAuth0    = 3
)

// ConfigWord is the raw 4-byte configuration page.
type ConfigWord struct {
	Raw [PageSize]byte
}

// Auth0 returns the first protected page.
func (c ConfigWord) Auth0() byte {
	return c.Raw[cfgAuth0]
}

// CMACEnabled reports whether the tag requires MACs after authentication.
func (c ConfigWord) CMACEnabled() bool {
	return c.Raw[cfgCMACByte]&cfgCMACBit != 0
}

// WithAuth0 returns a copy with only the AUTH0 byte replaced.
func (c ConfigWord) WithAuth0(page byte) ConfigWord {
	c.Raw[cfgAuth0] = page
	return c
}

// WithCMAC returns a copy with only the CMAC bit changed.
func (c ConfigWord) WithCMAC(enabled bool) ConfigWord {
	if enabled {
		c.Raw[cfgCMACByte] |= cfgCMACBit
	} else {
		c.Raw[cfgCMACByte] &^= cfgCMACBit
	}
	return c
}

func (c ConfigWord) String() string {
	return fmt.Sprintf("% X (auth0=0x%02X cmac=%t)", c.Raw[:], c.Auth0(), c.CMACEnabled())
}

// readConfig reads page 0x29 through the current session and caches it.
func (t *Tag) readConfig() (ConfigWord, error) {
	data, err := t.readPages(ConfigPage)
	if err != nil {
		return ConfigWord{}, err
	}
	var cw ConfigWord
	copy(cw.Raw[:], data[:PageSize])
	t.cfg = &cw
	slog.Debug("config read", "config", cw.String())
	return cw, nil
}

// ReadConfig returns the current configuration word.
func (t *Tag) ReadConfig() (ConfigWord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return ConfigWord{}, err
	}
	if err := t.requireWriteAccess(ConfigPage); err != nil {
		return ConfigWord{}, err
	}
	return t.readConfig()
}

// SetAuth0 moves the protection boundary to page. The other config bytes
// are written back unchanged.
func (t *Tag) SetAuth0(page byte) error {
	return t.updateConfig(func(c ConfigWord) ConfigWord { return c.WithAuth0(page) })
}

// SetCMAC turns the tag's CMAC requirement on or off. The new setting
// takes effect at the next authentication.
func (t *Tag) SetCMAC(enabled bool) error {
	return t.updateConfig(func(c ConfigWord) ConfigWord { return c.WithCMAC(enabled) })
}

func (t *Tag) updateConfig(edit func(ConfigWord) ConfigWord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if err := t.requireWriteAccess(ConfigPage); err != nil {
		return err
	}

	cur, err := t.readConfig()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	next := edit(cur)
	if next == cur {
		slog.Debug("config unchanged", "config", cur.String())
		return nil
	}
	if err := t.writePage(ConfigPage, next.Raw[:]); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	t.cfg = &next
	slog.Info("config updated", "old", cur.String(), "new", next.String())
	return nil
}

// requireWriteAccess allows protected operations once the tag is
// authenticated, or while page still lies below AUTH0.
//
// Without a cached config the page is probed with a plain read; a refusal
// there means the page is protected.
func (t *Tag) requireWriteAccess(page byte) error {
	if t.state == StateAuthenticated || t.state == StateTraceable {
		return nil
	}
	if t.cfg == nil {
		if _, err := t.readConfig(); err != nil {
			var nak *NAKError
			if errors.As(err, &nak) {
				return fmt.Errorf("%w: config page 0x%02X is protected", ErrAuthenticationRequired, ConfigPage)
			}
			return err
		}
	}
	if page < t.cfg.Auth0() {
		return nil
	}
	return fmt.Errorf("%w: page 0x%02X is at or above AUTH0 0x%02X", ErrAuthenticationRequired, page, t.cfg.Auth0())
}
