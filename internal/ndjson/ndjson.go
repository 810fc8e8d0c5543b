// Package ndjson reads newline-delimited JSON streams.
package ndjson

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLine bounds a single line. Agents inline whole files and
// images, so lines can be large.
const DefaultMaxLine = 64 << 20

// PrefixLen is how much of an oversized line is kept for reporting.
const PrefixLen = 4 << 10

// ErrLineTooLong matches every *LineTooLongError.
var ErrLineTooLong = errors.New("ndjson: line too long")

// LineTooLongError reports a line over the bound. The rest of the line has
// been consumed, so the caller can keep reading.
type LineTooLongError struct {
	Prefix []byte
	Size   int
}

func (e *LineTooLongError) Error() string {
	return fmt.Sprintf("ndjson: line too long (%d bytes)", e.Size)
}

// Is reports whether target is ErrLineTooLong.
func (e *LineTooLongError) Is(target error) bool { return target == ErrLineTooLong }

// Reader returns one line at a time, skipping blank lines.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader wraps r with DefaultMaxLine.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxLine)
}

// NewReaderSize wraps r with a custom line bound.
func NewReaderSize(r io.Reader, max int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next non-blank line without its terminator. A final
// unterminated line is returned before io.EOF. A line over the bound is
// skipped and reported as *LineTooLongError. The returned slice is owned
// by the caller.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		var line []byte
		for {
			chunk, err := r.r.ReadSlice('\n')
			if len(line)+len(chunk) > r.max {
				return nil, r.skip(line, chunk, err)
			}
			line = append(line, chunk...)
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				line = bytes.TrimSpace(line)
				if len(line) > 0 && errors.Is(err, io.EOF) {
					return line, nil
				}
				return nil, err
			}
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
	}
}

// skip drains the rest of an oversized line.
func (r *Reader) skip(head, chunk []byte, err error) error {
	size := len(head) + len(chunk)
	prefix := head
	if len(prefix) > PrefixLen {
		prefix = prefix[:PrefixLen]
	}
	if n := PrefixLen - len(prefix); n > 0 {
		prefix = append(prefix[:len(prefix):len(prefix)], chunk[:min(n, len(chunk))]...)
	}
	prefix = bytes.Clone(prefix)
	for errors.Is(err, bufio.ErrBufferFull) {
		chunk, err = r.r.ReadSlice('\n')
		size += len(chunk)
	}
	return &LineTooLongError{Prefix: prefix, Size: size}
}
