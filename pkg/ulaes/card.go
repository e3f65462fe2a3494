package ulaes

import "fmt"

// Transport abstracts the link to a single tag for real readers and test doubles.
// Transceive sends one native command and returns the tag's reply bytes.
// Implementations report a vanished tag with an error wrapping ErrTagLost.
type Transport interface {
	Connect() error
	Close() error
	IsConnected() bool
	Transceive(cmd []byte) ([]byte, error)
}

// FieldResetter is implemented by transports that can power-cycle the RF
// field or re-select the tag, so a reconnect starts from a clean tag state.
type FieldResetter interface {
	ResetField() error
}

// Native command opcodes.
const (
	CmdGetVersion   = 0x60
	CmdRead         = 0x30
	CmdWrite        = 0xA2
	CmdAuthenticate = 0x1A
	CmdAuthPart2    = 0xAF
)

// transceive sends cmd and decodes single-byte NAK replies.
// An ACK is returned to the caller unchanged.
func transceive(t Transport, cmd []byte) ([]byte, error) {
	if t == nil || !t.IsConnected() {
		return nil, ErrNotConnected
	}
	resp, err := t.Transceive(cmd)
	if err != nil {
		return nil, wrapTransportError(cmd[0], err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("command 0x%02X: %w: empty response", cmd[0], ErrIO)
	}
	if len(resp) == 1 && resp[0] != ACK {
		return nil, &NAKError{Cmd: cmd[0], Code: resp[0] & 0x0F}
	}
	return resp, nil
}
