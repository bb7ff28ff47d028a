package output

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

// MaxLineSize bounds a single line. Longer lines are split into chunks of
// MaxLineSize bytes.
const MaxLineSize = 1024 * 1024

// ScanLines is a bufio.SplitFunc which splits on "\r", "\n" or "\r\n".
// The two-byte "\r\n" is a single delimiter even when a read boundary falls
// between the two bytes. A trailing fragment without delimiter is returned as
// the final token, so is a MaxLineSize run without one.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// '\r' needs one byte of lookahead
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		if len(data) >= MaxLineSize && i > 0 {
			// full buffer, the '\r' is left for the next token
			return i, data[:i], nil
		}
		return 0, nil, nil
	}
	if len(data) >= MaxLineSize {
		return MaxLineSize, data[:MaxLineSize], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Lines reads r until EOF and calls fn for every line with terminal escape
// sequences stripped. Reading from a closed *os.File is treated as end of
// input, so callers can unblock Lines by closing the read end of a pipe.
func Lines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	scanner.Split(ScanLines)
	for scanner.Scan() {
		fn(StripANSI(scanner.Text()))
	}
	err := scanner.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Split is a convenience wrapper returning all lines of s.
func Split(s string) []string {
	var ret []string
	_ = Lines(bytes.NewBufferString(s), func(line string) {
		ret = append(ret, line)
	})
	return ret
}
