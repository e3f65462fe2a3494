package ulaes

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected           = errors.New("tag not connected")
	ErrInvalidKeySize         = errors.New("key must be 16 bytes")
	ErrIncompatibleTag        = errors.New("incompatible tag")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrSecurity               = errors.New("security error")
	ErrTagLost                = errors.New("tag lost")
	ErrIO                     = errors.New("tag I/O error")
	ErrInvalidParameters      = errors.New("invalid parameters")
)

// ACK is the 4-bit acknowledge returned by WRITE.
const ACK = 0x0A

// NAK codes
const (
	NAKInvalidArgument = 0x0
	NAKParityCRC       = 0x1
	NAKAuthOverflow    = 0x4
	NAKWriteError      = 0x5
)

// NAKError represents a negative acknowledge from the tag.
type NAKError struct {
	Cmd  byte // Command opcode
	Code byte // NAK value
}

func (e *NAKError) Error() string {
	return fmt.Sprintf("tag command 0x%02X failed with NAK=0x%X (%s)", e.Cmd, e.Code, nakDescription(e.Code))
}

// Is makes a NAK count as an I/O failure of the exchange.
func (e *NAKError) Is(target error) bool {
	return target == ErrIO
}

func nakDescription(code byte) string {
	switch code {
	case NAKInvalidArgument:
		return "invalid argument"
	case NAKParityCRC:
		return "parity or CRC error"
	case NAKAuthOverflow:
		return "protected page or authentication limit reached"
	case NAKWriteError:
		return "EEPROM write error"
	default:
		return "unknown error"
	}
}

// IsNAK checks if an error is a NAK from the tag and returns its code.
func IsNAK(err error) (byte, bool) {
	var nak *NAKError
	if errors.As(err, &nak) {
		return nak.Code, true
	}
	return 0, false
}

// AuthError represents an authentication failure at a specific step.
// It always matches ErrAuthenticationFailed; Step and Cause keep the detail
// that the protocol itself does not expose.
type AuthError struct {
	Step  string // "step1", "step2" or "verify"
	Cause error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("auth %s failed", e.Step)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// ClassifyAuthError extracts details from an AuthError.
func ClassifyAuthError(err error) (step string, cause error, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.Cause, true
	}
	return "", nil, false
}

// SecurityError reports a failed response CMAC check.
type SecurityError struct {
	Cmd    byte
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error on command 0x%02X: %s", e.Cmd, e.Reason)
}

func (e *SecurityError) Is(target error) bool {
	return target == ErrSecurity
}

// VersionError reports a GET_VERSION reply that does not belong to an Ultralight AES.
type VersionError struct {
	Field string
	Got   byte
	Want  []byte
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("incompatible tag: %s=0x%02X, want one of % X", e.Field, e.Got, e.Want)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrIncompatibleTag
}

// wrapTransportError keeps ErrTagLost visible and folds everything else into ErrIO.
func wrapTransportError(cmd byte, err error) error {
	if errors.Is(err, ErrTagLost) || errors.Is(err, ErrIO) {
		return fmt.Errorf("command 0x%02X: %w", cmd, err)
	}
	return fmt.Errorf("command 0x%02X: %w: %v", cmd, ErrIO, err)
}
