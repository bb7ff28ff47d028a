package runner

import (
	"runtime"
	"strings"
)

// Command is a single external command. Args are passed verbatim, no shell is
// involved unless the command itself is a shell.
type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the environment of the current process
	Dir  string
}

// String renders the command as a shell would see it, for logging.
func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(shellQuote(c.Path))
	for _, arg := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(arg))
	}
	return sb.String()
}

// ShellFallback returns the documented fallback for a command which failed to
// spawn: the same command line interpreted by the system shell. This resolves
// scripts without an executable bit or a shebang line, and shell builtins.
func ShellFallback(c Command) Command {
	ret := Command{
		Env: c.Env,
		Dir: c.Dir,
	}
	if runtime.GOOS == "windows" {
		ret.Path = "cmd"
		ret.Args = []string{"/C", windowsLine(c)}
		return ret
	}
	ret.Path = "/bin/sh"
	ret.Args = []string{"-c", c.String()}
	return ret
}

func windowsLine(c Command) string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, windowsQuote(c.Path))
	for _, arg := range c.Args {
		parts = append(parts, windowsQuote(arg))
	}
	return strings.Join(parts, " ")
}

func windowsQuote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// shellQuote wraps arguments containing special characters in single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !isShellSafe(c) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	// 'foo'\''bar' -> foo'bar
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == ':' || c == ','
}
