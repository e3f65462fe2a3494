package ulaes

import "fmt"

// svLabel is the label/length/context prefix of the session vector.
var svLabel = [6]byte{0x5A, 0xA5, 0x00, 0x01, 0x00, 0x80}

// SessionVector builds the 32-byte derivation vector from the original
// (unrotated) nonces:
//
//	sv[0:6]   5A A5 00 01 00 80
//	sv[6:8]   RndA[0:2]
//	sv[8:14]  RndA[2:8] XOR RndB[0:6]
//	sv[14:24] RndB[6:16]
//	sv[24:32] RndA[8:16]
func SessionVector(rndA, rndB []byte) ([]byte, error) {
	if len(rndA) != 16 || len(rndB) != 16 {
		return nil, fmt.Errorf("%w: nonces must be 16 bytes (got %d, %d)", ErrInvalidParameters, len(rndA), len(rndB))
	}
	sv := make([]byte, 32)
	copy(sv[0:6], svLabel[:])
	copy(sv[6:8], rndA[0:2])
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv, nil
}

// DeriveSessionKey returns CMAC(masterKey, SessionVector(rndA, rndB)).
func DeriveSessionKey(masterKey, rndA, rndB []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	sv, err := SessionVector(rndA, rndB)
	if err != nil {
		return nil, err
	}
	return CMAC(masterKey, sv)
}
