// Package cmdparser reconstructs logical command lines from an attacker's
// raw interactive keystroke stream, including ANSI cursor-escape handling.
// It is a deterministic, single-threaded state machine grounded on
// original_source's frontend/protocols/ssh/_command_parser.py (spec §4.2).
package cmdparser

import (
	"unicode"
)

const (
	cr  = '\r'
	del = '\x7f'
	esc = '\x1b'
)

// Parser reconstructs command lines from a keystroke stream. It is not
// safe for concurrent use; each attacker session owns exactly one.
type Parser struct {
	buf    []rune
	cursor int

	inEscape bool
	escSeq   []rune

	onDiagnostic func(format string, args ...interface{})
}

// New creates a Parser. onDiagnostic, if non-nil, is called for malformed
// or unrecognized escape sequences (spec: "discarded with a diagnostic").
func New(onDiagnostic func(format string, args ...interface{})) *Parser {
	return &Parser{onDiagnostic: onDiagnostic}
}

func (p *Parser) diag(format string, args ...interface{}) {
	if p.onDiagnostic != nil {
		p.onDiagnostic(format, args...)
	}
}

func (p *Parser) reset() {
	p.buf = p.buf[:0]
	p.cursor = 0
}

func (p *Parser) insert(ch rune) {
	if p.cursor == len(p.buf) {
		p.buf = append(p.buf, ch)
	} else {
		p.buf = append(p.buf, 0)
		copy(p.buf[p.cursor+1:], p.buf[p.cursor:])
		p.buf[p.cursor] = ch
	}
	p.cursor++
}

// Feed processes decoded runes from the attacker stream and returns any
// command lines completed as a result (usually zero or one, but a single
// Feed call may flush more than one `\r`-terminated line).
func (p *Parser) Feed(data []rune) []string {
	var commands []string
	for _, ch := range data {
		if cmd, ok := p.feedOne(ch); ok {
			commands = append(commands, cmd)
		}
	}
	return commands
}

func (p *Parser) feedOne(ch rune) (string, bool) {
	if p.inEscape {
		p.handleEscapeByte(ch)
		return "", false
	}

	switch {
	case ch == esc:
		p.inEscape = true
		p.escSeq = append(p.escSeq[:0], ch)
		return "", false
	case ch == cr:
		if len(p.buf) > 0 {
			cmd := string(p.buf)
			p.reset()
			return cmd, true
		}
		return "", false
	case ch == del:
		if len(p.buf) > 0 {
			p.buf = p.buf[:len(p.buf)-1]
			if p.cursor > len(p.buf) {
				p.cursor = len(p.buf)
			}
		}
		return "", false
	default:
		p.insert(ch)
		return "", false
	}
}

// handleEscapeByte appends ch to the in-flight escape sequence, resolving
// or discarding it once it is complete or malformed, per spec §4.2.
func (p *Parser) handleEscapeByte(ch rune) {
	seq := p.escSeq

	switch {
	case len(seq) == 1: // just "\x1b"
		if ch != '[' && ch != 'O' {
			p.diag("malformed escape sequence: %q", string(append(seq, ch)))
			p.abortEscape()
			return
		}
		p.escSeq = append(p.escSeq, ch)

	case len(seq) == 2 && seq[1] == '[':
		// "\x1b[" followed by digits/';' until a letter terminates it.
		if unicode.IsLetter(ch) {
			p.resolveCSI(append(seq, ch))
			p.abortEscape()
			return
		}
		if unicode.IsDigit(ch) || ch == ';' {
			p.escSeq = append(p.escSeq, ch)
			return
		}
		p.diag("malformed escape sequence: %q", string(append(seq, ch)))
		p.abortEscape()

	case len(seq) == 2 && seq[1] == 'O':
		// "\x1bO" followed by exactly one letter (A/B/C/D).
		if unicode.IsLetter(ch) {
			p.resolveSS3(append(seq, ch))
		} else {
			p.diag("malformed escape sequence: %q", string(append(seq, ch)))
		}
		p.abortEscape()

	default:
		if unicode.IsLetter(ch) {
			p.resolveCSI(append(seq, ch))
			p.abortEscape()
			return
		}
		if unicode.IsDigit(ch) || ch == ';' {
			p.escSeq = append(p.escSeq, ch)
			return
		}
		p.diag("malformed escape sequence: %q", string(append(seq, ch)))
		p.abortEscape()
	}
}

func (p *Parser) abortEscape() {
	p.inEscape = false
	p.escSeq = p.escSeq[:0]
}

// resolveCSI handles a completed "\x1b[...X" sequence.
func (p *Parser) resolveCSI(seq []rune) {
	op := seq[len(seq)-1]
	switch op {
	case 'D': // left
		if p.cursor > 0 {
			p.cursor--
		}
	case 'C': // right
		if p.cursor < len(p.buf) {
			p.cursor++
		}
	case 'A', 'B': // up/down: history recall is not reconstructed
		p.reset()
	default:
		p.diag("unsupported CSI escape sequence: %q", string(seq))
	}
}

// resolveSS3 handles a completed "\x1bO X" sequence (visual-mode arrows).
func (p *Parser) resolveSS3(seq []rune) {
	switch seq[len(seq)-1] {
	case 'A', 'B', 'C', 'D':
		p.reset()
	default:
		p.diag("unsupported SS3 escape sequence: %q", string(seq))
	}
}
