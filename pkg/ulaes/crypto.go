package ulaes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	// KeySize is the AES-128 key length used by the tag.
	KeySize = 16
	// BlockSize is the AES block length.
	BlockSize = aes.BlockSize
	// MACSize is the truncated CMAC length on the wire.
	MACSize = 8
)

// EncryptCBC encrypts whole blocks with AES-128-CBC and an all-zero IV.
// The IV is never chained across calls.
func EncryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := newCipher(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("CBC encrypt: %w", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, BlockSize)).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptCBC is the inverse of EncryptCBC.
func DecryptCBC(key, ciphertext []byte) ([]byte, error) {
	block, err := newCipher(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("CBC decrypt: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, BlockSize)).CryptBlocks(out, ciphertext)
	return out, nil
}

func newCipher(key, data []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: data not block aligned (%d bytes)", ErrInvalidParameters, len(data))
	}
	return aes.NewCipher(key)
}

// CMAC computes the 16-byte AES-CMAC (NIST SP 800-38B) of msg.
// An empty message is rejected; the protocol always MACs at least the counter.
func CMAC(key, msg []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("CMAC: %w: key is %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(msg) == 0 {
		return nil, fmt.Errorf("CMAC: %w: empty message", ErrInvalidParameters)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(block)

	// The final block is XORed with K1 when complete, or padded with
	// 10* and XORed with K2.
	tail := len(msg) % BlockSize
	if tail == 0 {
		tail = BlockSize
	}
	head, rest := msg[:len(msg)-tail], msg[len(msg)-tail:]
	last := make([]byte, BlockSize)
	copy(last, rest)
	if tail == BlockSize {
		subtle.XORBytes(last, last, k1)
	} else {
		last[tail] = 0x80
		subtle.XORBytes(last, last, k2)
	}

	mac := make([]byte, BlockSize)
	for len(head) > 0 {
		subtle.XORBytes(mac, mac, head[:BlockSize])
		block.Encrypt(mac, mac)
		head = head[BlockSize:]
	}
	subtle.XORBytes(mac, mac, last)
	block.Encrypt(mac, mac)
	return mac, nil
}

// cmacSubkeys derives K1 = dbl(E(0)) and K2 = dbl(K1).
func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	l := make([]byte, BlockSize)
	block.Encrypt(l, l)
	k1 = dbl(l)
	k2 = dbl(k1)
	return k1, k2
}

// dbl multiplies a block by x in GF(2^128) with the reduction constant 0x87.
func dbl(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] << 1
		if i+1 < len(b) {
			out[i] |= b[i+1] >> 7
		}
	}
	if b[0]&0x80 != 0 {
		out[len(out)-1] ^= 0x87
	}
	return out
}

// TruncateMAC keeps the odd-indexed bytes 1,3,...,15 of a full CMAC.
func TruncateMAC(cmac []byte) []byte {
	out := make([]byte, MACSize)
	for i := 0; i < MACSize; i++ {
		out[i] = cmac[1+i*2]
	}
	return out
}

// MessageMAC computes the wire MAC for a command or response body under ctr.
func MessageMAC(key []byte, ctr uint16, msg []byte) ([]byte, error) {
	in := make([]byte, 2, 2+len(msg))
	binary.LittleEndian.PutUint16(in, ctr)
	in = append(in, msg...)
	full, err := CMAC(key, in)
	if err != nil {
		return nil, err
	}
	return TruncateMAC(full), nil
}

// RotateLeft1 returns a copy of in shifted left by one byte, first byte last.
func RotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
