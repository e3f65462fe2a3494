package ulaes

import (
	"errors"
	"fmt"
	"log/slog"
)

// KeyOrdering names a byte permutation of a candidate key.
type KeyOrdering string

const (
	OrderAsGiven        KeyOrdering = "as-given"
	OrderReversed       KeyOrdering = "reversed"
	OrderReversedGroups KeyOrdering = "reversed-4byte-groups"
)

// KeyOrderingResult holds the result of one authentication attempt.
type KeyOrderingResult struct {
	Ordering KeyOrdering
	Success  bool
	Step     string // Handshake step where the attempt failed
	Err      error
}

// PermuteKey returns key rearranged per ordering.
func PermuteKey(key []byte, ordering KeyOrdering) []byte {
	switch ordering {
	case OrderReversed:
		return ReverseKey(key)
	case OrderReversedGroups:
		out := make([]byte, len(key))
		for i := 0; i+PageSize <= len(key); i += PageSize {
			copy(out[i:i+PageSize], ReverseKey(key[i:i+PageSize]))
		}
		return out
	default:
		out := make([]byte, len(key))
		copy(out, key)
		return out
	}
}

// ProbeKeyOrderings tries key as given, reversed, and reversed within each
// 4-byte group, stopping at the first ordering that authenticates.
//
// This is a recovery aid for tags provisioned with a mis-ordered key. Each
// attempt runs only the three-pass handshake, so it works whatever the
// tag's CMAC flag is, and the tag is reconnected between attempts. No
// session is left behind: the tag ends Active and the caller authenticates
// normally with the ordering that worked. It must never run unattended
// against production keys.
func ProbeKeyOrderings(t *Tag, key []byte, kt KeyType) []KeyOrderingResult {
	orderings := []KeyOrdering{OrderAsGiven, OrderReversed, OrderReversedGroups}
	results := make([]KeyOrderingResult, 0, len(orderings))
	for i, ord := range orderings {
		if i > 0 {
			if _, err := t.Connect(); err != nil {
				results = append(results, KeyOrderingResult{Ordering: ord, Err: err})
				break
			}
		}
		candidate := PermuteKey(key, ord)
		err := t.handshake(candidate, kt)
		zero(candidate)

		result := KeyOrderingResult{Ordering: ord, Success: err == nil, Err: err}
		if step, _, ok := ClassifyAuthError(err); ok {
			result.Step = step
		}
		results = append(results, result)
		slog.Debug("key ordering probe", "ordering", string(ord), "success", result.Success, "step", result.Step)
		if err == nil || errors.Is(err, ErrTagLost) || !errors.Is(err, ErrAuthenticationFailed) {
			break
		}
	}
	return results
}

// handshake runs the three-pass exchange without establishing a session.
func (t *Tag) handshake(key []byte, kt KeyType) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireActive(); err != nil {
		return err
	}
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if !kt.valid() {
		return fmt.Errorf("%w: key type 0x%02X", ErrInvalidParameters, byte(kt))
	}
	t.dropSession()
	t.state = StateActive

	rndA, rndB, err := t.threePass(key, kt)
	if err != nil {
		return err
	}
	zero(rndA)
	zero(rndB)
	return nil
}
