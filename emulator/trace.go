package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

type exchange struct {
	out, in []byte
	err     error
}

type tracer struct {
	entries []exchange
}

func (t *tracer) record(out, in []byte, err error) {
	t.entries = append(t.entries, exchange{
		out: append([]byte(nil), out...),
		in:  append([]byte(nil), in...),
		err: err,
	})
}

func (t *tracer) print() {
	fmt.Println("Protocol trace:")
	for i, e := range t.entries {
		fmt.Printf("%3d  > %s\n", i, hexUpper(e.out))
		if e.err != nil {
			fmt.Printf("     ! %v\n", e.err)
			continue
		}
		fmt.Printf("     < %s\n", hexUpper(e.in))
	}
}

// tracingTransport records native commands and replies.
type tracingTransport struct {
	ulaes.Transport
	trace *tracer
}

func (t *tracingTransport) Transceive(cmd []byte) ([]byte, error) {
	resp, err := t.Transport.Transceive(cmd)
	t.trace.record(cmd, resp, err)
	return resp, err
}

func (t *tracingTransport) ResetField() error {
	if r, ok := t.Transport.(ulaes.FieldResetter); ok {
		return r.ResetField()
	}
	return nil
}

// tracingCard records the reader pseudo-APDUs.
type tracingCard struct {
	card  ulaes.Card
	trace *tracer
}

func (c *tracingCard) Transmit(apdu []byte) ([]byte, error) {
	resp, err := c.card.Transmit(apdu)
	c.trace.record(apdu, resp, err)
	return resp, err
}
