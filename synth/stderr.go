package synth

import (
	"bytes"
	"strings"
	"sync"

	"github.com/bazelment/yoloswe/agentd/universal"
)

const (
	// StderrHeadLines is the number of leading stderr lines kept.
	StderrHeadLines = 20
	// StderrTailLines is the number of trailing stderr lines kept.
	StderrTailLines = 50
	// StderrLineBytes bounds a single kept line. Bytes past it are dropped
	// up to the next newline.
	StderrLineBytes = 4 << 10
)

// StderrCapture keeps the head and tail of a process's stderr. It is an
// io.Writer and may be fed arbitrary chunks.
type StderrCapture struct {
	head    []string
	tail    []string // ring buffer
	partial bytes.Buffer
	next    int
	total   int
	mu      sync.Mutex
}

// NewStderrCapture returns an empty capture.
func NewStderrCapture() *StderrCapture {
	return &StderrCapture{}
}

// Write implements io.Writer.
func (c *StderrCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.keep(p)
			break
		}
		c.keep(p[:i])
		c.addLine(strings.TrimSuffix(c.partial.String(), "\r"))
		c.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

func (c *StderrCapture) keep(p []byte) {
	if room := StderrLineBytes - c.partial.Len(); len(p) > room {
		p = p[:max(room, 0)]
	}
	c.partial.Write(p)
}

func (c *StderrCapture) addLine(line string) {
	c.total++
	if len(c.head) < StderrHeadLines {
		c.head = append(c.head, line)
		return
	}
	if len(c.tail) < StderrTailLines {
		c.tail = append(c.tail, line)
		return
	}
	c.tail[c.next] = line
	c.next = (c.next + 1) % StderrTailLines
}

// Lines returns the number of complete lines seen so far plus any
// unterminated trailing line.
func (c *StderrCapture) Lines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.total
	if c.partial.Len() > 0 {
		n++
	}
	return n
}

// Output flushes any unterminated line and returns the bounded capture.
// It returns nil when nothing was written.
func (c *StderrCapture) Output() *universal.StderrOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial.Len() > 0 {
		c.addLine(c.partial.String())
		c.partial.Reset()
	}
	if c.total == 0 {
		return nil
	}
	out := &universal.StderrOutput{
		Head:       append([]string(nil), c.head...),
		TotalLines: c.total,
		Truncated:  c.total > StderrHeadLines+StderrTailLines,
	}
	if len(c.tail) > 0 {
		out.Tail = make([]string, 0, len(c.tail))
		out.Tail = append(out.Tail, c.tail[c.next:]...)
		out.Tail = append(out.Tail, c.tail[:c.next]...)
	}
	return out
}
