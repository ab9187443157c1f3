// Package diff produces and applies reversible line-oriented patches between
// two snapshots of a file.
//
// Patches are unified-diff hunks without file headers:
//
//	@@ -1,2 +1,3 @@
//	 unchanged
//	-removed
//	+added
//	+added without newline
//	\ No newline at end of file
//
// Lines keep their exact bytes, so arbitrary binary content round-trips:
// Apply(a, Compute(a, b)) == b for every pair of buffers. Identical buffers
// produce an empty patch.
package diff

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// contextLines is the number of unchanged lines kept around each change.
const contextLines = 3

// noNewline marks that the preceding patch line has no trailing newline in
// the file it came from.
const noNewline = "\\ No newline at end of file\n"

var (
	// ErrMalformed is returned when a patch cannot be parsed.
	ErrMalformed = errors.New("diff: malformed patch")
	// ErrMismatch is returned when a patch does not apply to the given base.
	ErrMismatch = errors.New("diff: patch does not match base")
)

// Compute returns a patch transforming old into new. It returns nil when the
// buffers are identical.
func Compute(old, new []byte) []byte {
	if bytes.Equal(old, new) {
		return nil
	}
	a, b := splitLines(old), splitLines(new)

	var buf bytes.Buffer
	m := difflib.NewMatcher(a, b)
	for _, group := range m.GetGroupedOpCodes(contextLines) {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&buf, "@@ -%s +%s @@\n",
			formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, op := range group {
			switch op.Tag {
			case 'e':
				writeLines(&buf, ' ', a[op.I1:op.I2])
			case 'd':
				writeLines(&buf, '-', a[op.I1:op.I2])
			case 'i':
				writeLines(&buf, '+', b[op.J1:op.J2])
			case 'r':
				writeLines(&buf, '-', a[op.I1:op.I2])
				writeLines(&buf, '+', b[op.J1:op.J2])
			}
		}
	}
	return buf.Bytes()
}

// Apply reconstructs the newer snapshot from old and a patch produced by
// Compute. An empty patch returns a copy of old.
func Apply(old, patch []byte) ([]byte, error) {
	src := splitLines(old)
	lines := splitLines(patch)

	var out bytes.Buffer
	pos := 0
	for i := 0; i < len(lines); {
		h, err := parseHeader(lines[i])
		if err != nil {
			return nil, err
		}
		i++

		if h.oldStart < pos || h.oldStart > len(src) {
			return nil, fmt.Errorf("%w: hunk at old line %d out of order", ErrMalformed, h.oldStart+1)
		}
		for ; pos < h.oldStart; pos++ {
			out.WriteString(src[pos])
		}

		var consumed, produced int
		for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
			line := lines[i]
			i++
			text := line[1:]
			if i < len(lines) && lines[i] == noNewline {
				text = strings.TrimSuffix(text, "\n")
				i++
			}

			switch line[0] {
			case ' ', '-':
				if pos >= len(src) || src[pos] != text {
					return nil, fmt.Errorf("%w at old line %d", ErrMismatch, pos+1)
				}
				if line[0] == ' ' {
					out.WriteString(text)
					produced++
				}
				pos++
				consumed++
			case '+':
				out.WriteString(text)
				produced++
			default:
				return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformed, line)
			}
		}
		if consumed != h.oldLen || produced != h.newLen {
			return nil, fmt.Errorf("%w: hunk counts -%d +%d, body has -%d +%d",
				ErrMalformed, h.oldLen, h.newLen, consumed, produced)
		}
	}
	for ; pos < len(src); pos++ {
		out.WriteString(src[pos])
	}
	return out.Bytes(), nil
}

// splitLines cuts b after every '\n'. The final element lacks a newline when
// b does not end with one. Joining the result yields b again.
func splitLines(b []byte) []string {
	lines := strings.SplitAfter(string(b), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(buf *bytes.Buffer, prefix byte, lines []string) {
	for _, l := range lines {
		buf.WriteByte(prefix)
		buf.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			buf.WriteString("\n" + noNewline)
		}
	}
}

// formatRange renders a half-open line range [start, stop) in unified-diff
// notation.
func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	switch length {
	case 1:
		return strconv.Itoa(beginning)
	case 0:
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}

type hunkHeader struct {
	// oldStart is the zero-based index of the first old line the hunk touches.
	oldStart int
	oldLen   int
	newLen   int
}

func parseHeader(line string) (hunkHeader, error) {
	body, ok := strings.CutPrefix(line, "@@ -")
	if !ok {
		return hunkHeader{}, fmt.Errorf("%w: expected hunk header, got %q", ErrMalformed, line)
	}
	body, ok = strings.CutSuffix(body, " @@\n")
	if !ok {
		return hunkHeader{}, fmt.Errorf("%w: unterminated hunk header %q", ErrMalformed, line)
	}
	oldRange, newRange, ok := strings.Cut(body, " +")
	if !ok {
		return hunkHeader{}, fmt.Errorf("%w: hunk header %q", ErrMalformed, line)
	}

	oldBegin, oldLen, err := parseRange(oldRange)
	if err != nil {
		return hunkHeader{}, err
	}
	_, newLen, err := parseRange(newRange)
	if err != nil {
		return hunkHeader{}, err
	}

	start := oldBegin - 1
	if oldLen == 0 {
		start = oldBegin
	}
	if start < 0 {
		return hunkHeader{}, fmt.Errorf("%w: hunk header %q", ErrMalformed, line)
	}
	return hunkHeader{oldStart: start, oldLen: oldLen, newLen: newLen}, nil
}

func parseRange(s string) (begin, length int, err error) {
	first, second, hasLen := strings.Cut(s, ",")
	begin, err = strconv.Atoi(first)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: range %q", ErrMalformed, s)
	}
	length = 1
	if hasLen {
		length, err = strconv.Atoi(second)
		if err != nil || length < 0 {
			return 0, 0, fmt.Errorf("%w: range %q", ErrMalformed, s)
		}
	}
	return begin, length, nil
}
