// Package input reads command-line values that use - (stdin) or @file
// syntax.
package input

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// maxValueSize bounds values read from stdin or a file.
const maxValueSize = 1 << 20

// ExpandValue returns v unchanged unless it is "-", which reads stdin, or
// starts with "@", which reads the named file. "@@" escapes a literal
// leading "@". Surrounding whitespace of read values is trimmed.
func ExpandValue(v string, stdin io.Reader) (string, error) {
	switch {
	case v == "-":
		return readAll(stdin, "stdin")
	case strings.HasPrefix(v, "@@"):
		return v[1:], nil
	case strings.HasPrefix(v, "@") && len(v) > 1:
		path := v[1:]
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		defer f.Close()
		return readAll(f, path)
	default:
		return v, nil
	}
}

func readAll(r io.Reader, name string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxValueSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > maxValueSize {
		return "", fmt.Errorf("read %s: value larger than %d bytes", name, maxValueSize)
	}
	return strings.TrimSpace(string(data)), nil
}
