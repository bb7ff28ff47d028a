package task

// MaxLogLines is the number of most recent lines a task keeps.
const MaxLogLines = 1000

// logBuffer is a fixed size ring of lines, the oldest line is evicted first.
// It is not safe for concurrent use, Task guards it with its own mutex.
type logBuffer struct {
	lines []string
	head  int
	count int
	// total counts every line ever appended, evicted ones included
	total int
}

func newLogBuffer(capacity int) logBuffer {
	if capacity <= 0 {
		capacity = MaxLogLines
	}
	return logBuffer{lines: make([]string, capacity)}
}

func (b *logBuffer) add(line string) {
	idx := (b.head + b.count) % len(b.lines)
	b.lines[idx] = line
	if b.count < len(b.lines) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.lines)
	}
	b.total++
}

// all returns the buffered lines, oldest first
func (b *logBuffer) all() []string {
	ret := make([]string, b.count)
	for i := range b.count {
		ret[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return ret
}
