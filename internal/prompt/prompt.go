// Package prompt holds the interactive terminal helpers of the tools.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
)

type action int

const (
	actionNone action = iota
	actionRedraw
	actionSelect
	actionAbort
)

// navigate applies one read from a raw terminal to the menu cursor.
func navigate(selected, count int, in []byte) (int, action) {
	switch {
	case len(in) == 1:
		switch in[0] {
		case 0x0D, 0x0A: // Enter
			return selected, actionSelect
		case 0x03: // Ctrl-C
			return selected, actionAbort
		}
	case len(in) == 3 && in[0] == 0x1B && in[1] == '[':
		switch in[2] {
		case 'A': // Up arrow
			if selected > 0 {
				return selected - 1, actionRedraw
			}
		case 'B': // Down arrow
			if selected < count-1 {
				return selected + 1, actionRedraw
			}
		}
	}
	return selected, actionNone
}

// SelectMenu shows items with an arrow-key cursor and returns the chosen
// index, or -1 when the terminal cannot be put into raw mode. Ctrl-C exits.
func SelectMenu(prompt string, items []string) int {
	if len(items) == 0 {
		return -1
	}

	// Put stdin into raw mode
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	selected := 0
	fmt.Printf("%s\r\n", prompt)
	render(items, selected)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			break
		}
		var act action
		selected, act = navigate(selected, len(items), buf[:n])
		switch act {
		case actionSelect:
			fmt.Printf("\r\n")
			return selected
		case actionAbort:
			term.Restore(int(os.Stdin.Fd()), oldState)
			fmt.Printf("\r\n")
			os.Exit(0)
		case actionRedraw:
			// Move cursor up to start of menu (skip prompt line)
			fmt.Printf("\033[%dA", len(items))
			render(items, selected)
		}
	}
	return selected
}

func render(items []string, selected int) {
	for i, item := range items {
		// Clear line and return to column 0
		fmt.Print("\033[2K\r")
		if i == selected {
			fmt.Printf("> %s\r\n", item)
		} else {
			fmt.Printf("  %s\r\n", item)
		}
	}
}

// Confirm asks a y/n question on stdin.
func Confirm(question string) (bool, error) {
	fmt.Printf("%s (y/n): ", question)
	return readConfirm(os.Stdin)
}

func readConfirm(r io.Reader) (bool, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read input: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// ReadKey reads a 32-hex key from the terminal without echo.
func ReadKey(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ulaes.ParseKeyHex(string(raw))
}
