package lirc_relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

type (
	// lineFramer accumulates stream bytes into a fixed buffer and hands out
	// newline-terminated lines. A returned line aliases the buffer and is
	// only valid until the next fill.
	lineFramer struct {
		buf     []byte
		head    int // first unconsumed byte
		tail    int // end of buffered data
		scanned int // bytes after head known to contain no newline
	}
)

func newLineFramer(capacity int) *lineFramer {
	return &lineFramer{
		buf: make([]byte, capacity),
	}
}

// nextLine returns the next complete line, including its newline, and
// advances past it. ok is false when no newline has arrived yet.
func (lf *lineFramer) nextLine() (line []byte, ok bool) {
	start := lf.head + lf.scanned
	idx := bytes.IndexByte(lf.buf[start:lf.tail], '\n')
	if idx < 0 {
		lf.scanned = lf.tail - lf.head
		return
	}

	end := start + idx + 1
	line = lf.buf[lf.head:end]
	lf.head = end
	lf.scanned = 0
	ok = true
	return
}

// pending is the number of buffered bytes not yet returned as a line.
func (lf *lineFramer) pending() int {
	return lf.tail - lf.head
}

// fill performs a single read into the free space of the buffer.
//
// A clean end of stream is reported as io.EOF. An end of stream that leaves
// a partial line behind is ErrTruncatedRequest, and a buffer that fills up
// without a newline is ErrRequestTooLong.
func (lf *lineFramer) fill(r io.Reader) (n int, err error) {
	if lf.head > 0 {
		copy(lf.buf, lf.buf[lf.head:lf.tail])
		lf.tail -= lf.head
		lf.head = 0
	}

	if lf.tail == len(lf.buf) {
		err = fmt.Errorf("%w: %d bytes without a newline", ErrRequestTooLong, lf.tail)
		return
	}

	n, err = r.Read(lf.buf[lf.tail:])
	lf.tail += n

	if err != nil {
		if errors.Is(err, io.EOF) {
			if n > 0 {
				// the next read reports the end of stream again
				err = nil
			} else if lf.pending() > 0 {
				err = fmt.Errorf("%w: %d bytes pending", ErrTruncatedRequest, lf.pending())
			}
			return
		}
		err = fmt.Errorf("%w: %w", ErrClientIO, err)
	}
	return
}

// readLine blocks until a complete line is buffered.
func (lf *lineFramer) readLine(r io.Reader) (line []byte, err error) {
	for {
		var ok bool
		if line, ok = lf.nextLine(); ok {
			return
		}
		if _, err = lf.fill(r); err != nil {
			return
		}
	}
}
