package lirc_relay

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	sendOnceKeyword = "SEND_ONCE"

	// the fake scancode and repeat index lircd's simulate command expects
	simulatePrefix = "simulate 00000000deadbeef 00 "
)

type (
	// relayCommand is one client line after the rewrite rule has been applied.
	relayCommand struct {
		wire      []byte // bytes sent to the backend
		keyword   string // lower-cased first token of wire
		rewritten bool
		remote    string // set when rewritten
		key       string // set when rewritten
	}
)

// rewriteCommand applies the SEND_ONCE rewrite to one raw line (trailing
// newline included). A matching line is rebuilt in sendBuf, whose capacity
// is the limit for the rewritten form; anything else is returned unchanged.
func rewriteCommand(line []byte, sendBuf []byte) (cmd relayCommand, err error) {
	remote, key, matched := matchSendOnce(line)
	if !matched {
		cmd.wire = line
		cmd.keyword = commandKeyword(line)
		return
	}

	size := len(simulatePrefix) + len(key) + 1 + len(remote) + 1
	if size > cap(sendBuf) {
		err = fmt.Errorf("%w: rewritten command needs %d bytes, buffer holds %d", ErrRequestTooLong, size, cap(sendBuf))
		return
	}

	wire := append(sendBuf[:0], simulatePrefix...)
	wire = append(wire, key...)
	wire = append(wire, ' ')
	wire = append(wire, remote...)
	wire = append(wire, '\n')

	cmd = relayCommand{
		wire:      wire,
		keyword:   "simulate",
		rewritten: true,
		remote:    string(remote),
		key:       string(key),
	}
	return
}

// matchSendOnce recognizes "SEND_ONCE <remote> <key> <count>": exactly four
// non-empty tokens separated by single spaces, keyword case-insensitive in
// ASCII only.
func matchSendOnce(line []byte) (remote, key []byte, matched bool) {
	body := bytes.TrimSuffix(line, []byte{'\n'})

	fields := bytes.Split(body, []byte{' '})
	if len(fields) != 4 {
		return
	}
	if !asciiEqualFold(fields[0], sendOnceKeyword) {
		return
	}
	for _, field := range fields {
		if len(field) == 0 || bytes.IndexByte(field, '\t') >= 0 {
			return
		}
	}

	return fields[1], fields[2], true
}

// asciiEqualFold compares b to s folding only the letters a-z.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if asciiLower(b[i]) != asciiLower(s[i]) {
			return false
		}
	}
	return true
}

func asciiLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func commandKeyword(line []byte) string {
	body := bytes.TrimRight(line, "\r\n")
	if idx := bytes.IndexAny(body, " \t"); idx >= 0 {
		body = body[:idx]
	}
	return strings.ToLower(string(body))
}

// printableLine renders a line for trace logging, escaping control bytes
// and capping the length.
func printableLine(line []byte) string {
	var sb strings.Builder
	for _, by := range line {
		if by == '\n' {
			sb.WriteString(`\n`)
		} else if by < 32 || by == '\\' || by > 127 {
			sb.WriteString(fmt.Sprintf(`\%02X`, by))
		} else {
			sb.WriteByte(by)
		}
		if sb.Len() > 128 {
			sb.WriteString("…")
			break
		}
	}
	return sb.String()
}
