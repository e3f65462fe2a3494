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

func okX(ok bool) string {
	if ok {
		return "OK"
	}
	return "X"
}

// printPages dumps data one tag page per line, starting at page first.
func printPages(first int, data []byte) {
	for off := 0; off+ulaes.PageSize <= len(data); off += ulaes.PageSize {
		page := data[off : off+ulaes.PageSize]
		fmt.Printf("  %02X: %s  %s\n", first+off/ulaes.PageSize, hexUpper(page), printable(page))
	}
}

func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7F {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

func auth0Label(auth0 byte) string {
	if int(auth0) >= ulaes.TotalPages {
		return fmt.Sprintf("0x%02X (protection disabled)", auth0)
	}
	return fmt.Sprintf("0x%02X (pages %02X..%02X protected)", auth0, auth0, ulaes.TotalPages-1)
}
