package lirc_relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jimsnab/go-lane"
)

// The following client state machine progresses through the lifecycle
// of a client connection. A client has at most one command in flight, and
// each csForwarding event runs exactly one command/reply cycle before the
// client goes back to the end of the backend queue.
const (
	csNone            cxnState = iota
	csInitialize               // can progress to csAwaitingCommand or csTerminate
	csAwaitingCommand          // can progress to csForwarding, csAwaitingCommand (incomplete line) or csTerminate
	csForwarding               // can progress to csAwaitingReply or csTerminate
	csAwaitingReply            // can progress to csReplying or csTerminate
	csReplying                 // can progress to csAwaitingCommand or csTerminate
	csTerminate                // closes the client
)

type (
	cxnState int

	// clientCxn holds state about one client socket and drives its session.
	clientCxn struct {
		l           lane.Lane
		id          uuid.UUID
		srv         *relayServer
		started     time.Time
		mu          sync.Mutex // synchronizes access to socketState, waiting, closing flags
		cxn         net.Conn
		ctx         context.Context
		cancel      context.CancelFunc
		socketState cxnState
		csceCh      chan *clientStateEvent
		waiting     bool
		closing     bool
		framer      *lineFramer
		sendBuf     []byte
		commands    int
		outcome     error // nil when the client disconnected cleanly
	}
)

func (s cxnState) String() string {
	switch s {
	case csNone:
		return "none"
	case csInitialize:
		return "initialize"
	case csAwaitingCommand:
		return "awaiting-command"
	case csForwarding:
		return "forwarding"
	case csAwaitingReply:
		return "awaiting-reply"
	case csReplying:
		return "replying"
	case csTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

func newClientCxn(l lane.Lane, cxn net.Conn, srv *relayServer) *clientCxn {
	ctx, cancel := context.WithCancel(srv.ctx)

	cc := &clientCxn{
		l:           l,
		id:          uuid.New(),
		srv:         srv,
		cxn:         cxn,
		ctx:         ctx,
		cancel:      cancel,
		started:     time.Now(),
		socketState: csNone,
		csceCh:      make(chan *clientStateEvent, 3),
		framer:      newLineFramer(srv.cfg.framerCapacity()),
		sendBuf:     make([]byte, 0, srv.cfg.CommandBufferSize),
	}

	srv.registry.register(cc)
	srv.metrics.connectionsTotal.Inc()
	srv.metrics.activeConnections.Inc()

	cc.queueStateChange(csInitialize, nil)

	go cc.run()

	return cc
}

func (cc *clientCxn) SessionId() uuid.UUID {
	return cc.id
}

func (cc *clientCxn) ClientInfo() []string {
	since := time.Since(cc.started)
	return []string{
		"id=" + cc.id.String(),
		"addr=" + cc.cxn.RemoteAddr().String(),
		"laddr=" + cc.cxn.LocalAddr().String(),
		"age=" + fmt.Sprintf("%d", int64(since.Seconds())),
		"state=" + cc.state().String(),
	}
}

func (cc *clientCxn) queueStateChange(newState cxnState, eventData any) {
	cc.csceCh <- &clientStateEvent{
		newState:  newState,
		eventData: eventData,
	}
}

func (cc *clientCxn) setState(newState cxnState) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.socketState = newState
}

func (cc *clientCxn) state() cxnState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.socketState
}

// request connection close
func (cc *clientCxn) RequestClose() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if !cc.closing {
		cc.closing = true
		cc.cancel()
		if cc.waiting {
			// in a blocking read, close the socket
			cc.cxn.Close()
		}
		cc.queueStateChange(csTerminate, nil)
	}
}

func (cc *clientCxn) IsCloseRequested() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closing
}

func (cc *clientCxn) run() {
	for {
		event := <-cc.csceCh

		cc.setState(event.newState)
		switch event.newState {
		case csInitialize:
			cc.onInitialize()
		case csTerminate:
			cc.onTerminate()
			cc.l.Tracef("client %s at %s terminated", cc.id, cc.cxn.RemoteAddr().String())
			return
		case csAwaitingCommand:
			cc.onAwaitingCommand()
		case csForwarding:
			cc.onForwarding(event.eventData.([]byte))
		}
	}
}

func (cc *clientCxn) terminate(err error) {
	cc.mu.Lock()
	if cc.outcome == nil {
		cc.outcome = err
	}
	cc.mu.Unlock()

	cc.queueStateChange(csTerminate, nil)
}

func (cc *clientCxn) onTerminate() {
	cc.cancel()
	cc.cxn.Close()
	cc.srv.registry.unregister(cc.id)
	cc.srv.metrics.activeConnections.Dec()

	cc.mu.Lock()
	outcome := cc.outcome
	cc.mu.Unlock()

	if outcome != nil {
		cc.srv.metrics.sessionErrors.WithLabelValues(errorReason(outcome)).Inc()
		cc.l.Infof("client %s closed after %d commands: %s", cc.cxn.RemoteAddr().String(), cc.commands, outcome)
	} else {
		cc.l.Infof("client %s closed after %d commands", cc.cxn.RemoteAddr().String(), cc.commands)
	}
}

func (cc *clientCxn) onInitialize() {
	cc.queueStateChange(csAwaitingCommand, nil)
}

func (cc *clientCxn) onAwaitingCommand() {
	if cc.IsCloseRequested() {
		cc.terminate(nil)
		return
	}

	if line, ok := cc.framer.nextLine(); ok {
		cc.queueStateChange(csForwarding, line)
		return
	}

	if cc.srv.cfg.IdleTimeout > 0 {
		cc.cxn.SetReadDeadline(time.Now().Add(cc.srv.cfg.IdleTimeout))
	}

	cc.mu.Lock()
	if cc.closing {
		cc.mu.Unlock()
		cc.terminate(nil)
		return
	}
	cc.waiting = true
	cc.mu.Unlock()

	n, err := cc.framer.fill(cc.cxn)

	cc.mu.Lock()
	cc.waiting = false
	closing := cc.closing
	cc.mu.Unlock()

	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, io.EOF):
			cc.l.Infof("client disconnected: %s", cc.cxn.RemoteAddr().String())
			cc.terminate(nil)
		case closing:
			cc.terminate(nil)
		case errors.As(err, &ne) && ne.Timeout():
			cc.l.Infof("client %s idle for %s, closing", cc.cxn.RemoteAddr().String(), cc.srv.cfg.IdleTimeout)
			cc.terminate(nil)
		case errors.Is(err, ErrRequestTooLong), errors.Is(err, ErrTruncatedRequest):
			cc.l.Warnf("client %s: %s", cc.cxn.RemoteAddr().String(), err)
			cc.terminate(err)
		default:
			cc.l.Debugf("read error from %s: %s", cc.cxn.RemoteAddr().String(), err)
			cc.terminate(err)
		}
		return
	}

	cc.l.Tracef("received %d bytes of command data from client, %d pending", n, cc.framer.pending())
	cc.queueStateChange(csAwaitingCommand, nil)
}

func (cc *clientCxn) onForwarding(line []byte) {
	cmd, err := rewriteCommand(line, cc.sendBuf)
	if err != nil {
		cc.l.Warnf("client %s: %s", cc.cxn.RemoteAddr().String(), err)
		cc.terminate(err)
		return
	}

	if cmd.rewritten {
		cc.l.Tracef("rewrote %s to %s", printableLine(line), printableLine(cmd.wire))
	} else {
		cc.l.Tracef("forwarding %s", printableLine(cmd.wire))
	}

	err = cc.srv.backend.exchange(
		cc.ctx,
		cmd.wire,
		func() { cc.setState(csAwaitingReply) },
		func(reply []byte) error {
			cc.setState(csReplying)
			return cc.reply(reply)
		},
	)

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// shutdown before the command reached the backend
			cc.terminate(nil)
		case isFatal(err):
			cc.srv.fail(err)
			cc.terminate(err)
		default:
			cc.l.Debugf("client %s: %s", cc.cxn.RemoteAddr().String(), err)
			cc.terminate(err)
		}
		return
	}

	cc.commands++
	cc.srv.metrics.recordCommand(&cmd)
	cc.srv.ledger.record(&cmd)

	cc.queueStateChange(csAwaitingCommand, nil)
}

func (cc *clientCxn) reply(reply []byte) error {
	if cc.srv.cfg.WriteTimeout > 0 {
		cc.cxn.SetWriteDeadline(time.Now().Add(cc.srv.cfg.WriteTimeout))
	}

	n, err := writeFull(cc.cxn, reply)
	if err != nil {
		return fmt.Errorf("%w: write to %s: %w", ErrClientIO, cc.cxn.RemoteAddr().String(), err)
	}

	cc.l.Tracef("wrote %d bytes", n)
	return nil
}

func (cc *clientCxn) ServerAddr() string {
	return cc.cxn.LocalAddr().String()
}

func (cc *clientCxn) ClientAddr() string {
	return cc.cxn.RemoteAddr().String()
}

func (cc *clientCxn) ServerNow() time.Time {
	return time.Now()
}
