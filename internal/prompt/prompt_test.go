package prompt

import (
	"strings"
	"testing"
)

func TestNavigate(t *testing.T) {
	tests := []struct {
		name     string
		selected int
		in       []byte
		want     int
		act      action
	}{
		{"enter", 1, []byte{0x0D}, 1, actionSelect},
		{"newline", 0, []byte{0x0A}, 0, actionSelect},
		{"ctrl-c", 2, []byte{0x03}, 2, actionAbort},
		{"up", 1, []byte{0x1B, '[', 'A'}, 0, actionRedraw},
		{"up at top", 0, []byte{0x1B, '[', 'A'}, 0, actionNone},
		{"down", 1, []byte{0x1B, '[', 'B'}, 2, actionRedraw},
		{"down at bottom", 2, []byte{0x1B, '[', 'B'}, 2, actionNone},
		{"other key", 1, []byte{'x'}, 1, actionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, act := navigate(tt.selected, 3, tt.in)
			if got != tt.want || act != tt.act {
				t.Fatalf("navigate(%d, % X) = %d, %d; want %d, %d", tt.selected, tt.in, got, act, tt.want, tt.act)
			}
		})
	}
}

func TestReadConfirm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		got, err := readConfirm(strings.NewReader(tt.in))
		if err != nil {
			t.Fatalf("readConfirm(%q) returned error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("readConfirm(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := readConfirm(strings.NewReader("")); err == nil {
		t.Fatalf("expected error on empty input")
	}
}
