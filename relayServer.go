package lirc_relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/jpillora/backoff"
)

type (
	relayServer struct {
		mu              sync.Mutex
		started         bool
		terminating     bool
		l               lane.Lane
		cfg             Config
		server          net.Listener
		backend         *backendCxn
		registry        *clientRegistry
		ledger          *relayLedger
		metrics         *relayMetrics
		ctx             context.Context
		cancel          context.CancelFunc
		exitSaver       chan struct{}
		saverTerminated chan struct{}
		canExit         chan struct{}
		fatalErr        error
	}

	RelayServer interface {
		// Starts relaying between clients accepted on listener and the lircd
		// connection backend. Both are owned by the server from this point
		// and are closed at termination.
		//
		// Clients send newline-terminated commands. Each command is forwarded
		// verbatim except
		//
		//	SEND_ONCE <remote> <key> <count>
		//
		// which is sent to lircd as
		//
		//	simulate 00000000deadbeef 00 <key> <remote>
		//
		// lircd's reply, through its "END" line, is returned to the client that
		// sent the command. Only one command is outstanding at lircd at a time.
		StartServer(listener net.Listener, backend net.Conn) error

		// Initiates server termination, if it is running.
		StopServer() error

		// Waits for the server to stop. The error is non-nil when the relay
		// stopped because lircd was lost or accepting failed.
		WaitForTermination() error

		// Returns the server address
		ServerAddr() string

		// Returns the number of connected clients
		ActiveClients() int

		// Serves the relay's Prometheus metrics
		MetricsHandler() http.Handler

		// Relays one command line (newline included) on behalf of the caller
		Dispatch(line []byte) (reply []byte, err error)
	}
)

func NewRelayServer(l lane.Lane, cfg Config) RelayServer {
	srv := relayServer{
		l:        l,
		cfg:      cfg,
		registry: newClientRegistry(),
		metrics:  newRelayMetrics(),
	}
	return &srv
}

func (srv *relayServer) StartServer(listener net.Listener, backend net.Conn) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.started {
		return ErrAlreadyStarted
	}

	if err := srv.cfg.Validate(); err != nil {
		return err
	}

	ledger, err := newRelayLedger(srv.l, srv.cfg.LedgerPath)
	if err != nil {
		return err
	}
	srv.ledger = ledger

	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.backend = newBackendCxn(srv.l, backend, &srv.cfg, srv.metrics)
	srv.server = listener
	srv.canExit = make(chan struct{})

	// launch periodic save goroutine
	srv.periodicSave()

	srv.l.Infof("relaying %s to lircd at %s", listener.Addr().String(), backend.RemoteAddr().String())

	// start accepting connections and processing them
	go srv.acceptLoop()

	srv.started = true
	return nil
}

func (srv *relayServer) StopServer() error {
	// ensure only one termination
	srv.mu.Lock()
	if !srv.started {
		srv.mu.Unlock()
		return ErrNotStarted
	}

	isTerminating := srv.terminating
	srv.terminating = true
	srv.mu.Unlock()

	if !isTerminating {
		go func() { srv.onTerminate() }()
	}

	return nil
}

// fail records a fatal error and terminates the relay. Failures reported
// after termination began are a consequence of the shutdown itself.
func (srv *relayServer) fail(err error) {
	srv.mu.Lock()
	if !srv.terminating && srv.fatalErr == nil {
		srv.fatalErr = err
		srv.l.Errorf("relay stopping: %s", err)
	}
	srv.mu.Unlock()

	srv.StopServer()
}

func (srv *relayServer) isTerminating() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.terminating
}

func (srv *relayServer) onTerminate() {
	// close the server and wait for all active connections to finish
	srv.l.Tracef("closing server")
	srv.server.Close()
	srv.cancel()

	srv.l.Infof("waiting for any open client connections to complete")
	srv.registry.requestAllCxnClose()
	if !srv.registry.waitForAllCxnClose(srv.cfg.ShutdownTimeout) {
		srv.l.Warnf("clients still open after %s, forcing them closed", srv.cfg.ShutdownTimeout)
		srv.registry.forceAllCxnClose()
		srv.registry.waitForAllCxnClose(time.Second)
	}

	srv.l.Tracef("closing lircd connection")
	if err := srv.backend.close(srv.cfg.ShutdownTimeout); err != nil {
		srv.l.Debugf("error closing lircd connection: %s", err)
	}

	// stop the periodic saver (if running)
	if srv.exitSaver != nil {
		srv.l.Tracef("closing ledger saver")
		srv.exitSaver <- struct{}{}
		<-srv.saverTerminated
		srv.l.Tracef("ledger saver closed")
	}

	if summary := srv.ledger.summary(); summary != "" {
		srv.l.Infof("commands relayed: %s", summary)
	}
	srv.l.Infof("termination of %s completed", srv.server.Addr().String())

	close(srv.canExit)
}

func (srv *relayServer) periodicSave() {
	// make a periodic save that will also ensure save upon termination
	if srv.ledger.basePath != "" {
		srv.exitSaver = make(chan struct{})
		srv.saverTerminated = make(chan struct{})
		go func() {
			timer := time.NewTicker(time.Second)
			for {
				select {
				case <-srv.exitSaver:
					srv.l.Trace("saver loop is exiting")
					timer.Stop()
					srv.ledger.save(srv.l)
					srv.saverTerminated <- struct{}{}
					return
				case <-timer.C:
					srv.ledger.save(srv.l)
				}
			}
		}()
	}
}

func (srv *relayServer) acceptLoop() {
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: true,
	}

	// accept connections and process commands
	for {
		connection, err := srv.server.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || srv.isTerminating() {
				break
			}
			if isTransientAcceptError(err) {
				delay := b.Duration()
				srv.l.Warnf("accept error, retrying in %s: %s", delay, err)
				time.Sleep(delay)
				continue
			}
			srv.fail(fmt.Errorf("%w: %w", ErrAccept, err))
			break
		}
		b.Reset()

		srv.admit(connection)
	}
}

// admit registers a new client unless termination has begun, so every
// registered client is seen by the shutdown sweep.
func (srv *relayServer) admit(connection net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.terminating {
		connection.Close()
		return
	}

	srv.l.Infof("client connected: %s", connection.RemoteAddr().String())
	newClientCxn(srv.l, connection, srv)
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

func (srv *relayServer) WaitForTermination() error {
	srv.mu.Lock()
	canExit := srv.canExit
	srv.mu.Unlock()

	if canExit == nil {
		return ErrNotStarted
	}

	// wait for server to quiesce
	<-canExit
	srv.l.Info("finished relaying requests")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.fatalErr
}

func (srv *relayServer) ServerAddr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.server == nil {
		return ""
	}

	return srv.server.Addr().String()
}

func (srv *relayServer) ActiveClients() int {
	return srv.registry.count()
}

func (srv *relayServer) MetricsHandler() http.Handler {
	return srv.metrics.handler()
}

func (srv *relayServer) Dispatch(line []byte) (reply []byte, err error) {
	srv.mu.Lock()
	running := srv.started && !srv.terminating
	srv.mu.Unlock()

	if !running {
		err = errors.New("server not running")
		return
	}

	cmd, err := rewriteCommand(line, make([]byte, 0, srv.cfg.CommandBufferSize))
	if err != nil {
		return
	}

	err = srv.backend.exchange(srv.ctx, cmd.wire, nil, func(r []byte) error {
		reply = append([]byte(nil), r...)
		return nil
	})
	if err != nil {
		if isFatal(err) {
			srv.fail(err)
		}
		return
	}

	srv.metrics.recordCommand(&cmd)
	srv.ledger.record(&cmd)
	return
}
