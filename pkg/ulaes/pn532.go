package ulaes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// PN532 host commands.
const (
	pn532SAMConfiguration     = 0x14
	pn532InListPassiveTarget  = 0x4A
	pn532InCommunicateThru    = 0x42
	pn532RFConfiguration      = 0x32
	pn532CfgRFField           = 0x01
	pn532TFIHost              = 0xD4
	pn532TFIDevice            = 0xD5
	pn532BaudISO14443A        = 0x00
	pn532DefaultSerialTimeout = time.Second
)

var (
	pn532Ack    = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	pn532Wakeup = []byte{0x55, 0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	errSerialTimeout = errors.New("serial read timeout")
)

// PN532Transport talks to a PN532 module over its HSU (UART) interface.
type PN532Transport struct {
	mu        sync.Mutex
	open      func() (io.ReadWriteCloser, error)
	port      io.ReadWriteCloser
	rd        *bufio.Reader
	connected bool
	uid       []byte
}

// OpenPN532 returns a transport for the PN532 on portName. The port is
// opened by Connect.
func OpenPN532(portName string, baud int) *PN532Transport {
	return &PN532Transport{
		open: func() (io.ReadWriteCloser, error) {
			port, err := serial.Open(portName, &serial.Mode{
				BaudRate: baud,
				Parity:   serial.NoParity,
				DataBits: 8,
				StopBits: serial.OneStopBit,
			})
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", portName, err)
			}
			return port, nil
		},
	}
}

// NewPN532Transport uses an already opened port.
func NewPN532Transport(port io.ReadWriteCloser) *PN532Transport {
	return &PN532Transport{
		open: func() (io.ReadWriteCloser, error) { return port, nil },
	}
}

// UID returns the NFCID of the selected target.
func (p *PN532Transport) UID() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.uid...)
}

// Connect wakes the PN532, configures the SAM and selects one ISO 14443A
// target. An empty field reports ErrTagLost.
func (p *PN532Transport) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	if p.port == nil {
		port, err := p.open()
		if err != nil {
			return err
		}
		if s, ok := port.(interface{ SetReadTimeout(time.Duration) error }); ok {
			if err := s.SetReadTimeout(pn532DefaultSerialTimeout); err != nil {
				port.Close()
				return fmt.Errorf("set read timeout: %w", err)
			}
		}
		p.port = port
		p.rd = bufio.NewReader(timeoutReader{port})
		if _, err := p.port.Write(pn532Wakeup); err != nil {
			return fmt.Errorf("%w: wakeup: %v", ErrIO, err)
		}
		if _, err := p.command(pn532SAMConfiguration, []byte{0x01, 0x14, 0x01}); err != nil {
			return fmt.Errorf("SAMConfiguration: %w", err)
		}
	} else if err := p.fieldOff(); err != nil {
		// The port survived a lost target; the tag may still be powered
		// and authenticated.
		return err
	}

	return p.selectTarget()
}

// ResetField switches the RF field off and selects the target again, which
// drops whatever authentication the tag held.
func (p *PN532Transport) ResetField() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return ErrNotConnected
	}
	p.connected = false
	if err := p.fieldOff(); err != nil {
		return err
	}
	return p.selectTarget()
}

func (p *PN532Transport) fieldOff() error {
	if _, err := p.command(pn532RFConfiguration, []byte{pn532CfgRFField, 0x00}); err != nil {
		return fmt.Errorf("RFConfiguration: %w", err)
	}
	return nil
}

func (p *PN532Transport) selectTarget() error {
	resp, err := p.command(pn532InListPassiveTarget, []byte{0x01, pn532BaudISO14443A})
	if err != nil {
		return fmt.Errorf("InListPassiveTarget: %w", err)
	}
	// NbTg, Tg, SENS_RES(2), SEL_RES, NFCIDLength, NFCID...
	if len(resp) < 1 || resp[0] == 0 {
		return fmt.Errorf("%w: no target in field", ErrTagLost)
	}
	if len(resp) < 6 || len(resp) < 6+int(resp[5]) {
		return fmt.Errorf("%w: short InListPassiveTarget reply (len=%d)", ErrIO, len(resp))
	}
	p.uid = append([]byte(nil), resp[6:6+int(resp[5])]...)
	p.connected = true
	slog.Debug("pn532 target selected", "uid", fmt.Sprintf("%X", p.uid))
	return nil
}

// Close closes the serial port.
func (p *PN532Transport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.uid = nil
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	p.rd = nil
	return err
}

// IsConnected reports whether a target is selected.
func (p *PN532Transport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Transceive sends cmd through InCommunicateThru.
func (p *PN532Transport) Transceive(cmd []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	resp, err := p.command(pn532InCommunicateThru, cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("%w: empty InCommunicateThru reply", ErrIO)
	}
	switch status := resp[0] & 0x3F; status {
	case 0x00:
		return resp[1:], nil
	case pn53xStatusTimeout, pn53xStatusTargetRelease:
		p.connected = false
		return nil, fmt.Errorf("%w: PN532 status 0x%02X", ErrTagLost, status)
	default:
		return nil, fmt.Errorf("%w: PN532 status 0x%02X", ErrIO, status)
	}
}

// command sends one host frame, waits for the ACK and returns the payload
// of the response frame after the TFI and response code.
func (p *PN532Transport) command(code byte, params []byte) ([]byte, error) {
	frame := encodePN532Frame(append([]byte{pn532TFIHost, code}, params...))
	if _, err := p.port.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	ack, err := readPN532Frame(p.rd)
	if err != nil {
		return nil, err
	}
	if ack != nil {
		return nil, fmt.Errorf("%w: expected ACK frame", ErrIO)
	}
	data, err := readPN532Frame(p.rd)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 || data[0] != pn532TFIDevice || data[1] != code+1 {
		return nil, fmt.Errorf("%w: unexpected response frame % X", ErrIO, data)
	}
	return data[2:], nil
}

// encodePN532Frame builds 00 00 FF LEN LCS data DCS 00.
func encodePN532Frame(data []byte) []byte {
	out := make([]byte, 0, len(data)+7)
	out = append(out, 0x00, 0x00, 0xFF, byte(len(data)), byte(-len(data)))
	var sum byte
	for _, b := range data {
		sum += b
	}
	out = append(out, data...)
	out = append(out, -sum, 0x00)
	return out
}

// readPN532Frame reads one frame. An ACK frame is returned as nil data.
func readPN532Frame(r *bufio.Reader) ([]byte, error) {
	var prev byte = 0x01
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, pn532ReadError(err)
		}
		if prev == 0x00 && b == 0xFF {
			break
		}
		prev = b
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, pn532ReadError(err)
	}
	n, lcs := hdr[0], hdr[1]
	if n == 0x00 && lcs == 0xFF {
		if _, err := r.ReadByte(); err != nil {
			return nil, pn532ReadError(err)
		}
		return nil, nil
	}
	if n+lcs != 0 {
		return nil, fmt.Errorf("%w: bad frame length checksum", ErrIO)
	}
	body := make([]byte, int(n)+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, pn532ReadError(err)
	}
	data := body[:n]
	var sum byte
	for _, b := range data {
		sum += b
	}
	if sum+body[n] != 0 {
		return nil, fmt.Errorf("%w: bad frame data checksum", ErrIO)
	}
	return data, nil
}

func pn532ReadError(err error) error {
	if errors.Is(err, errSerialTimeout) {
		return fmt.Errorf("%w: PN532 did not answer", ErrIO)
	}
	return fmt.Errorf("%w: read: %v", ErrIO, err)
}

// timeoutReader turns go.bug.st/serial's (0, nil) timeout reads into an error.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(b []byte) (int, error) {
	n, err := t.r.Read(b)
	if n == 0 && err == nil {
		return 0, errSerialTimeout
	}
	return n, err
}
