package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	lirc_relay "github.com/jimsnab/go-lirc-relay"
)

type (
	mainEngine struct {
		args cmdline.Values
		l    lane.Lane
		cfg  lirc_relay.Config
		srv  lirc_relay.RelayServer
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Relays lircd commands from many clients over one lircd connection, sending SEND_ONCE as simulate.",
		"[--trace]?Enable trace logging",
		"[--listen <string-listen>]?Specify the address to listen on. The default is :8765.",
		"[--backend <string-backend>]?Specify the lircd address. The default is 127.0.0.1:8764.",
		"[--ledger <string-ledger>]?Specify a file to persist command counts to. The default keeps them in memory.",
		"[--metrics <string-metrics>]?Specify an address to serve Prometheus metrics on.",
		"[--idle-timeout <int-idle>]?Close clients that send nothing for this many seconds. The default is no limit.",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "lirc-relay", args)
	}
}

func mainHandler(args cmdline.Values) error {
	eng := mainEngine{args: args}

	if err := eng.run(); err != nil {
		fmt.Fprintf(os.Stderr, "lirc-relay: %s\n", err)
		os.Exit(1)
	}

	return nil
}

func (eng *mainEngine) configure() (err error) {
	eng.l = lane.NewLogLane(context.Background())

	if eng.cfg, err = lirc_relay.LoadConfig(); err != nil {
		return
	}

	// command line options take precedence over the environment
	if eng.args["--listen"].(bool) {
		eng.cfg.ListenAddress = eng.args["listen"].(string)
	}
	if eng.args["--backend"].(bool) {
		eng.cfg.BackendAddress = eng.args["backend"].(string)
	}
	if eng.args["--ledger"].(bool) {
		eng.cfg.LedgerPath = eng.args["ledger"].(string)
	}
	if eng.args["--metrics"].(bool) {
		eng.cfg.MetricsAddress = eng.args["metrics"].(string)
	}
	if eng.args["--idle-timeout"].(bool) {
		eng.cfg.IdleTimeout = time.Duration(eng.args["idle"].(int)) * time.Second
	}
	if eng.args["--trace"].(bool) {
		eng.cfg.Trace = true
	}

	if !eng.cfg.Trace {
		eng.l.SetLogLevel(lane.LogLevelInfo)
	}

	return eng.cfg.Validate()
}

func (eng *mainEngine) run() error {
	if err := eng.configure(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := eng.dialBackend(ctx)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", eng.cfg.ListenAddress)
	if err != nil {
		backend.Close()
		return fmt.Errorf("error listening on %s: %w", eng.cfg.ListenAddress, err)
	}
	eng.l.Infof("listening on %s", listener.Addr().String())

	eng.srv = lirc_relay.NewRelayServer(eng.l, eng.cfg)
	if err = eng.srv.StartServer(listener, backend); err != nil {
		listener.Close()
		backend.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the relay ending, cleanly or not, ends everything else
		defer cancel()
		return eng.srv.WaitForTermination()
	})

	g.Go(func() error {
		eng.killSignalMonitor(gctx)
		return nil
	})

	if eng.cfg.MetricsAddress != "" {
		g.Go(func() error {
			return eng.serveMetrics(gctx)
		})
	}

	eng.exitKeyMonitor()

	err = g.Wait()
	eng.l.Info("finished serving requests")
	return err
}

func (eng *mainEngine) dialBackend(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		eng.l.Infof("connecting to lircd at %s", eng.cfg.BackendAddress)

		var d net.Dialer
		cxn, err := d.DialContext(ctx, "tcp", eng.cfg.BackendAddress)
		if err == nil {
			eng.l.Infof("connected to lircd at %s", cxn.RemoteAddr().String())
			return cxn, nil
		}

		if attempt >= eng.cfg.BackendDialAttempts {
			return nil, fmt.Errorf("can't connect to lircd at %s after %d attempts: %w", eng.cfg.BackendAddress, attempt, err)
		}

		delay := b.Duration()
		eng.l.Warnf("can't connect to lircd, retrying in %s: %s", delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (eng *mainEngine) killSignalMonitor(ctx context.Context) {
	// register a graceful termination handler
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		eng.l.Infof("termination %s signaled for %s", sig, eng.srv.ServerAddr())
		eng.srv.StopServer()
	case <-ctx.Done():
	}
}

func (eng *mainEngine) exitKeyMonitor() {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}

	fmt.Printf("\n\nlirc relay is now running\n\nPress any key to quit\n\n")

	// Start a go routine to detect a keypress. Upon termination
	// triggered another way, this goroutine will leak. Go does
	// not give a reasonable way to cancel a blocking I/O call.
	go func() {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Println(err)
			return
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		b := make([]byte, 1)
		_, err = os.Stdin.Read(b)
		if err == nil {
			eng.srv.StopServer()
		}
	}()
}

func (eng *mainEngine) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.srv.MetricsHandler())

	server := &http.Server{
		Addr:              eng.cfg.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	eng.l.Infof("serving metrics on %s", eng.cfg.MetricsAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		eng.srv.StopServer()
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
