package lirc_relay

import (
	"bytes"
	"fmt"
	"io"
)

// replySentinel ends every backend reply; it only counts at a line start.
const replySentinel = "END\n"

var sentinelBytes = []byte(replySentinel)

type (
	// replyCollector reads backend replies into a fixed buffer. Bytes that
	// arrive after a sentinel are kept for the following reply.
	replyCollector struct {
		buf      []byte
		tail     int // end of buffered data
		consumed int // end of the reply most recently returned
		scanned  int // sentinel start positions below this are ruled out
	}
)

func newReplyCollector(capacity int) *replyCollector {
	return &replyCollector{
		buf: make([]byte, capacity),
	}
}

// collect reads until the first line-anchored sentinel and returns the
// reply through the sentinel. The returned slice aliases the collector
// buffer and is valid until the next collect.
func (rc *replyCollector) collect(r io.Reader) (reply []byte, err error) {
	rc.discardConsumed()

	var readErr error
	for {
		if end := rc.findSentinel(); end >= 0 {
			rc.consumed = end
			reply = rc.buf[:end]
			return
		}

		if readErr != nil {
			err = backendReadError(readErr, rc.tail)
			return
		}

		if rc.tail == len(rc.buf) {
			err = fmt.Errorf("%w: no sentinel within %d bytes", ErrResponseTooLong, len(rc.buf))
			return
		}

		var n int
		n, readErr = r.Read(rc.buf[rc.tail:])
		rc.tail += n
	}
}

// resync discards an oversized reply through its sentinel so the next
// collect starts on a reply boundary. It gives up after limit bytes.
func (rc *replyCollector) resync(r io.Reader, limit int) (err error) {
	discarded := 0

	var readErr error
	for {
		if end := rc.findSentinel(); end >= 0 {
			rc.consumed = end
			return
		}

		if readErr != nil {
			err = backendReadError(readErr, rc.tail)
			return
		}

		if rc.tail == len(rc.buf) {
			// keep one byte ahead of the unscanned region so anchoring can
			// still be checked after the shift
			drop := rc.scanned - 1
			if drop <= 0 {
				err = fmt.Errorf("%w: cannot resync, reply buffer too small", ErrBackendDisconnected)
				return
			}

			discarded += drop
			if discarded > limit {
				err = fmt.Errorf("%w: no sentinel within %d bytes while resynchronizing", ErrBackendDisconnected, limit)
				return
			}

			copy(rc.buf, rc.buf[drop:rc.tail])
			rc.tail -= drop
			rc.scanned -= drop
		}

		var n int
		n, readErr = r.Read(rc.buf[rc.tail:])
		rc.tail += n
	}
}

func (rc *replyCollector) discardConsumed() {
	if rc.consumed == 0 {
		return
	}
	copy(rc.buf, rc.buf[rc.consumed:rc.tail])
	rc.tail -= rc.consumed
	rc.consumed = 0
	rc.scanned = 0
}

// buffered is the number of bytes read past the last returned reply.
func (rc *replyCollector) buffered() int {
	return rc.tail - rc.consumed
}

// findSentinel returns the offset just past the first anchored sentinel,
// or -1. The sentinel is anchored when it starts the buffer or follows a
// newline.
func (rc *replyCollector) findSentinel() int {
	for rc.scanned+len(sentinelBytes) <= rc.tail {
		idx := bytes.Index(rc.buf[rc.scanned:rc.tail], sentinelBytes)
		if idx < 0 {
			rc.scanned = rc.tail - len(sentinelBytes) + 1
			return -1
		}

		pos := rc.scanned + idx
		if pos == 0 || rc.buf[pos-1] == '\n' {
			rc.scanned = pos
			return pos + len(sentinelBytes)
		}
		rc.scanned = pos + 1
	}
	return -1
}

func backendReadError(err error, pending int) error {
	if err == io.EOF {
		return fmt.Errorf("%w: end of stream with %d reply bytes pending", ErrBackendDisconnected, pending)
	}
	return fmt.Errorf("%w: %w", ErrBackendDisconnected, err)
}
