package ulaes

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebfe/scard"
	"github.com/skythen/apdu"
)

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// PassthroughMode selects how native tag commands are wrapped in APDUs.
type PassthroughMode int

const (
	// PassthroughDirect sends FF 00 00 00 Lc <cmd>; the reader returns the
	// tag reply followed by SW 90 00.
	PassthroughDirect PassthroughMode = iota
	// PassthroughACR122 tunnels through the PN53x as FF 00 00 00 Lc D4 42 <cmd>
	// (InCommunicateThru); the reply is D5 43 <status> <tag reply> 90 00.
	PassthroughACR122
)

// ParsePassthroughMode maps a config name to a PassthroughMode.
func ParsePassthroughMode(s string) (PassthroughMode, error) {
	switch s {
	case "", "direct":
		return PassthroughDirect, nil
	case "acr122":
		return PassthroughACR122, nil
	default:
		return 0, fmt.Errorf("%w: unknown passthrough mode %q", ErrInvalidParameters, s)
	}
}

func (m PassthroughMode) String() string {
	if m == PassthroughACR122 {
		return "acr122"
	}
	return "direct"
}

const (
	pn53xCommunicateThru     = 0x42
	pn53xHostToPN53x         = 0xD4
	pn53xPN53xToHost         = 0xD5
	pn53xStatusTimeout       = 0x01
	pn53xStatusTargetRelease = 0x29
)

// PCSCTransport carries native commands over a PC/SC reader.
type PCSCTransport struct {
	mu     sync.Mutex
	ctx    *scard.Context
	card   Card
	handle *scard.Card
	mode   PassthroughMode

	Reader    string
	ReaderIdx int
}

// NewPCSCTransport wraps an already connected card. Tests use this with a
// Card double; Close only releases what OpenPCSC acquired.
func NewPCSCTransport(card Card, mode PassthroughMode) *PCSCTransport {
	return &PCSCTransport{card: card, mode: mode, ReaderIdx: -1}
}

// OpenPCSC prepares a transport for the reader at readerIndex. The card
// connection itself is made by Connect.
func OpenPCSC(readerIndex int, mode PassthroughMode) (*PCSCTransport, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}
	return &PCSCTransport{
		ctx:       ctx,
		mode:      mode,
		Reader:    readers[readerIndex],
		ReaderIdx: readerIndex,
	}, nil
}

// ListReaders returns the names of all PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect connects to the card in the reader.
func (p *PCSCTransport) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card != nil {
		return nil
	}
	if p.ctx == nil {
		return ErrNotConnected
	}
	card, err := p.ctx.Connect(p.Reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("connect failed: %w", mapSCardError(err))
	}
	p.handle = card
	p.card = card
	slog.Debug("pcsc connected", "reader", p.Reader, "mode", p.mode.String())
	return nil
}

// Close disconnects the card, leaving it powered, and releases the context.
func (p *PCSCTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.handle != nil {
		err = p.handle.Disconnect(scard.LeaveCard)
		p.handle = nil
	}
	p.card = nil
	if p.ctx != nil {
		if rerr := p.ctx.Release(); err == nil {
			err = rerr
		}
		p.ctx = nil
	}
	return err
}

// IsConnected reports whether a card connection is held.
func (p *PCSCTransport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.card != nil
}

// reconnecter is the part of *scard.Card used to reset the field.
type reconnecter interface {
	Reconnect(mode scard.ShareMode, proto scard.Protocol, disp scard.Disposition) error
}

// ResetField reconnects with SCARD_RESET_CARD, which makes the reader
// re-activate the tag. Cards that cannot reconnect are left as they are.
func (p *PCSCTransport) ResetField() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card == nil {
		return ErrNotConnected
	}
	r, ok := p.card.(reconnecter)
	if !ok {
		return nil
	}
	if err := r.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard); err != nil {
		return fmt.Errorf("reconnect: %w", mapSCardError(err))
	}
	slog.Debug("pcsc field reset", "reader", p.Reader)
	return nil
}

// Transceive wraps cmd for the reader, sends it and unwraps the tag reply.
func (p *PCSCTransport) Transceive(cmd []byte) ([]byte, error) {
	p.mu.Lock()
	card := p.card
	mode := p.mode
	p.mu.Unlock()
	if card == nil {
		return nil, ErrNotConnected
	}

	payload := cmd
	if mode == PassthroughACR122 {
		payload = make([]byte, 0, 2+len(cmd))
		payload = append(payload, pn53xHostToPN53x, pn53xCommunicateThru)
		payload = append(payload, cmd...)
	}
	capdu := apdu.Capdu{Cla: 0xFF, Ins: 0x00, P1: 0x00, P2: 0x00, Data: payload}
	raw, err := capdu.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: build APDU: %v", ErrInvalidParameters, err)
	}

	resp, err := card.Transmit(raw)
	if err != nil {
		err = mapSCardError(err)
		if errors.Is(err, ErrTagLost) {
			p.dropHandle()
		}
		return nil, err
	}
	rapdu, err := apdu.ParseRapdu(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrIO, err)
	}
	if rapdu.SW1 != 0x90 || rapdu.SW2 != 0x00 {
		return nil, &ReaderError{SW: uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)}
	}
	if mode == PassthroughACR122 {
		return unwrapCommunicateThru(rapdu.Data)
	}
	return rapdu.Data, nil
}

// dropHandle forgets a card that left the reader so the next Connect
// starts over. Injected cards are kept.
func (p *PCSCTransport) dropHandle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return
	}
	_ = p.handle.Disconnect(scard.LeaveCard)
	p.handle = nil
	p.card = nil
}

func unwrapCommunicateThru(data []byte) ([]byte, error) {
	if len(data) < 3 || data[0] != pn53xPN53xToHost || data[1] != pn53xCommunicateThru+1 {
		return nil, fmt.Errorf("%w: malformed InCommunicateThru reply (len=%d)", ErrIO, len(data))
	}
	switch status := data[2] & 0x3F; status {
	case 0x00:
		return data[3:], nil
	case pn53xStatusTimeout, pn53xStatusTargetRelease:
		return nil, fmt.Errorf("%w: PN53x status 0x%02X", ErrTagLost, status)
	default:
		return nil, fmt.Errorf("%w: PN53x status 0x%02X", ErrIO, status)
	}
}

// ReaderError is a non-9000 status word from the reader itself.
type ReaderError struct {
	SW uint16
}

func (e *ReaderError) Error() string {
	return fmt.Sprintf("reader returned SW=%04X", e.SW)
}

func (e *ReaderError) Is(target error) bool {
	return target == ErrIO
}

func mapSCardError(err error) error {
	switch {
	case errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrUnpoweredCard):
		return fmt.Errorf("%w: %v", ErrTagLost, err)
	default:
		return err
	}
}
