package emulator

import (
	"fmt"
	"sync"

	"github.com/ebfe/scard"
	"github.com/skythen/apdu"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

// Transport connects a Tag to ulaes.Tag in-process.
type Transport struct {
	mu        sync.Mutex
	tag       *Tag
	present   bool
	connected bool
	sent      [][]byte
	resets    int

	// Intercept, when set, may rewrite every command before the tag sees it.
	Intercept func(cmd []byte) []byte
}

// NewTransport places tag in the field.
func NewTransport(tag *Tag) *Transport {
	return &Transport{tag: tag, present: true}
}

func (e *Transport) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		return fmt.Errorf("%w: no tag in field", ulaes.ErrTagLost)
	}
	e.tag.Reset()
	e.connected = true
	return nil
}

func (e *Transport) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Transport) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Transport) Transceive(cmd []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, ulaes.ErrNotConnected
	}
	if !e.present {
		e.connected = false
		return nil, fmt.Errorf("%w: tag left the field", ulaes.ErrTagLost)
	}
	if e.Intercept != nil {
		cmd = e.Intercept(cmd)
	}
	e.sent = append(e.sent, append([]byte(nil), cmd...))
	return e.tag.Handle(cmd), nil
}

// ResetField implements ulaes.FieldResetter.
func (e *Transport) ResetField() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		e.connected = false
		return fmt.Errorf("%w: no tag in field", ulaes.ErrTagLost)
	}
	e.tag.Reset()
	e.resets++
	return nil
}

// FieldResets counts ResetField calls.
func (e *Transport) FieldResets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// RemoveTag takes the tag out of the field. The tag loses its
// authentication state.
func (e *Transport) RemoveTag() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.present = false
	e.tag.Reset()
}

// InsertTag puts the tag back in the field.
func (e *Transport) InsertTag() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.present = true
}

// Sent returns every command that reached the tag.
func (e *Transport) Sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.sent))
	copy(out, e.sent)
	return out
}

// Card is a PC/SC reader holding the tag. It unwraps the reader
// pseudo-APDUs that ulaes.PCSCTransport sends.
type Card struct {
	mu      sync.Mutex
	tag     *Tag
	mode    ulaes.PassthroughMode
	removed bool
}

// NewCard returns a reader front end for tag.
func NewCard(tag *Tag, mode ulaes.PassthroughMode) *Card {
	return &Card{tag: tag, mode: mode}
}

// RemoveTag makes every later Transmit fail like a pulled card.
func (c *Card) RemoveTag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	c.tag.Reset()
}

// Reconnect resets the tag for scard.ResetCard and scard.UnpowerCard, as a
// reader re-activating the field does.
func (c *Card) Reconnect(mode scard.ShareMode, proto scard.Protocol, disp scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return scard.ErrRemovedCard
	}
	if disp == scard.ResetCard || disp == scard.UnpowerCard {
		c.tag.Reset()
	}
	return nil
}

// Transmit implements ulaes.Card.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil, scard.ErrRemovedCard
	}
	capdu, err := apdu.ParseCapdu(raw)
	if err != nil {
		return status(0x67, 0x00)
	}
	if capdu.Cla != 0xFF || capdu.Ins != 0x00 {
		return status(0x6D, 0x00)
	}
	data := capdu.Data
	if c.mode == ulaes.PassthroughACR122 {
		if len(data) < 3 || data[0] != 0xD4 || data[1] != 0x42 {
			return status(0x6A, 0x81)
		}
		rapdu := apdu.Rapdu{Data: append([]byte{0xD5, 0x43, 0x00}, c.tag.Handle(data[2:])...), SW1: 0x90, SW2: 0x00}
		return rapdu.Bytes()
	}
	if len(data) == 0 {
		return status(0x67, 0x00)
	}
	rapdu := apdu.Rapdu{Data: c.tag.Handle(data), SW1: 0x90, SW2: 0x00}
	return rapdu.Bytes()
}

func status(sw1, sw2 byte) ([]byte, error) {
	rapdu := apdu.Rapdu{SW1: sw1, SW2: sw2}
	return rapdu.Bytes()
}
