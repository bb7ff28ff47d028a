package output

import "strings"

const esc = 0x1b

// StripANSI removes CSI sequences ("ESC [" ... terminator) from s. The
// terminator is an ASCII letter, a backtick or an at-sign. A sequence still
// open at the end of s is dropped.
func StripANSI(s string) string {
	i := strings.IndexByte(s, esc)
	if i < 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	sb.WriteString(s[:i])
	for i < len(s) {
		c := s[i]
		if c != esc || i+1 >= len(s) || s[i+1] != '[' {
			if c == esc && i+1 >= len(s) {
				// lone ESC at the end is an unterminated sequence too
				break
			}
			sb.WriteByte(c)
			i++
			continue
		}
		j := i + 2
		for j < len(s) && !isTerminator(s[j]) {
			j++
		}
		if j >= len(s) {
			break
		}
		i = j + 1
	}
	return sb.String()
}

func isTerminator(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '`' || c == '@'
}
