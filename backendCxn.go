package lirc_relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	// backendCxn owns the single lircd connection. The backend protocol
	// has no request ids, so a command and its reply form one exchange
	// and exchanges never overlap.
	backendCxn struct {
		l           lane.Lane
		cxn         net.Conn
		token       chan struct{} // holds one value while the backend is free
		rc          *replyCollector
		timeout     time.Duration
		resyncLimit int
		metrics     *relayMetrics
		mu          sync.Mutex // synchronizes broken
		broken      error
	}
)

func newBackendCxn(l lane.Lane, cxn net.Conn, cfg *Config, metrics *relayMetrics) *backendCxn {
	bc := &backendCxn{
		l:           l,
		cxn:         cxn,
		token:       make(chan struct{}, 1),
		rc:          newReplyCollector(cfg.ReplyBufferSize),
		timeout:     cfg.BackendTimeout,
		resyncLimit: cfg.ResyncLimit,
		metrics:     metrics,
	}
	bc.token <- struct{}{}
	return bc
}

// exchange sends one command and hands its complete reply to deliver while
// the backend is still held. Waiters acquire the backend in arrival order.
//
// ctx only governs the wait for the backend; once acquired, the exchange
// runs to completion so the backend is never left mid-reply. sent, if
// non-nil, is called after the command has been written.
func (bc *backendCxn) exchange(ctx context.Context, wire []byte, sent func(), deliver func(reply []byte) error) (err error) {
	select {
	case <-bc.token:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { bc.token <- struct{}{} }()

	if err = ctx.Err(); err != nil {
		return
	}
	if err = bc.failure(); err != nil {
		return
	}

	started := time.Now()

	if err = bc.send(wire); err != nil {
		return bc.fail(err)
	}
	if sent != nil {
		sent()
	}

	reply, err := bc.receive()
	if err != nil {
		if errors.Is(err, ErrResponseTooLong) {
			bc.l.Warnf("backend reply overflowed %d bytes, resynchronizing", len(bc.rc.buf))
			if rerr := bc.resync(); rerr != nil {
				return bc.fail(rerr)
			}
			bc.l.Tracef("backend resynchronized")
			return
		}
		return bc.fail(err)
	}

	if bc.metrics != nil {
		bc.metrics.backendRoundTrip.Observe(time.Since(started).Seconds())
	}

	bc.l.Tracef("backend replied with %d bytes", len(reply))
	return deliver(reply)
}

func (bc *backendCxn) send(wire []byte) error {
	if bc.timeout > 0 {
		bc.cxn.SetWriteDeadline(time.Now().Add(bc.timeout))
	}
	if _, err := writeFull(bc.cxn, wire); err != nil {
		return fmt.Errorf("%w: write: %w", ErrBackendDisconnected, err)
	}
	return nil
}

func (bc *backendCxn) receive() ([]byte, error) {
	if bc.timeout > 0 {
		bc.cxn.SetReadDeadline(time.Now().Add(bc.timeout))
	}
	return bc.rc.collect(bc.cxn)
}

func (bc *backendCxn) resync() error {
	if bc.resyncLimit <= 0 {
		return fmt.Errorf("%w: reply overflow and resync is disabled", ErrBackendDisconnected)
	}
	if bc.timeout > 0 {
		bc.cxn.SetReadDeadline(time.Now().Add(bc.timeout))
	}
	return bc.rc.resync(bc.cxn, bc.resyncLimit)
}

// fail marks the backend unusable and returns err for the caller.
func (bc *backendCxn) fail(err error) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.broken == nil {
		bc.broken = err
		bc.l.Errorf("connection lost with lircd: %s", err)
	}
	return err
}

func (bc *backendCxn) failure() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.broken != nil {
		return fmt.Errorf("%w: %w", ErrBackendDisconnected, bc.broken)
	}
	return nil
}

// close waits for any exchange in progress, then closes the connection.
func (bc *backendCxn) close(timeout time.Duration) error {
	select {
	case <-bc.token:
		defer func() { bc.token <- struct{}{} }()
	case <-time.After(timeout):
		bc.l.Warnf("backend still busy after %s, closing anyway", timeout)
	}

	bc.mu.Lock()
	if bc.broken == nil {
		bc.broken = net.ErrClosed
	}
	bc.mu.Unlock()

	return bc.cxn.Close()
}

// writeFull writes all of b, retrying short writes.
func writeFull(w io.Writer, b []byte) (total int, err error) {
	for total < len(b) {
		var n int
		n, err = w.Write(b[total:])
		total += n
		if err != nil {
			return
		}
		if n == 0 {
			err = io.ErrShortWrite
			return
		}
	}
	return
}
