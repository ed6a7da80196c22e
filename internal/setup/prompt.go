// Package setup implements the interactive wizard that stores remote
// credentials, picks the preferred provider and writes a starter config file.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter reads answers line by line from r and writes prompts to w.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// next reads one trimmed line. ok is false at end of input.
func (p *Prompter) next() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String prompts for a text value. Enter alone returns defaultVal; with an
// empty defaultVal the prompt repeats until something is typed.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.next()
		if !ok {
			return defaultVal
		}
		if val != "" {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
	}
}

// Secret prompts for a key. When current is non-empty the prompt shows a
// masked hint and Enter keeps the current value. Input is not hidden.
func (p *Prompter) Secret(label, current string) string {
	for {
		if current != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, mask(current))
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.next()
		if !ok {
			return current
		}
		if val != "" {
			return val
		}
		if current != "" {
			return current
		}
		_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
	}
}

// mask keeps the last four characters of s.
func mask(s string) string {
	const visible = 4
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", 8) + s[len(s)-visible:]
}

// Confirm asks a yes/no question. Enter alone answers defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.next()
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option. Enter alone picks defaultIdx.
func (p *Prompter) Select(label string, options []string, defaultIdx int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}
	if defaultIdx < 0 || defaultIdx >= len(options) {
		defaultIdx = 0
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		_, _ = fmt.Fprintf(p.w, "  Choice [1-%d, default %d]: ", len(options), defaultIdx+1)

		val, ok := p.next()
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		if val == "" {
			return defaultIdx, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}

// Duration prompts for a Go duration of at least minVal. Enter alone returns
// defaultVal.
func (p *Prompter) Duration(label string, defaultVal, minVal time.Duration) time.Duration {
	for {
		raw := p.String(label, defaultVal.String())
		d, err := time.ParseDuration(raw)
		if err == nil && d >= minVal {
			return d
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a duration of at least %v, e.g. 5m)\n", minVal)
		if raw == defaultVal.String() {
			return defaultVal
		}
	}
}
