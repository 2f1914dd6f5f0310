// Package client is the coordinator-side end of the bridge protocol: it
// dials a sandbox's unix socket, demands the ready frame, and multiplexes
// command streams over one connection.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Options tunes a client connection.
type Options struct {
	// ReadyTimeout bounds the wait for the bridge's ready frame.
	ReadyTimeout time.Duration
	// LogHandler receives bridge log events; they arrive outside any
	// command stream.
	LogHandler func(ev *protocol.Event)
}

// Client is a connection to one sandbox's bridge. At most one Send may be
// in flight at a time; WriteCommand bypasses that for interrupt.
type Client struct {
	conn       net.Conn
	enc        *protocol.Encoder
	log        *logger.Logger
	logHandler func(ev *protocol.Event)

	mu       sync.Mutex
	listener chan *protocol.Event
	inflight bool

	closed     chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the bridge socket and waits for ready. A missing or
// silent bridge fails with a bridge-unready error so callers can fall back
// to a cold start.
func Dial(ctx context.Context, socketPath string, opts Options, log *logger.Logger) (*Client, error) {
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindBridgeUnready, "dial bridge socket", err)
	}

	dec := protocol.NewDecoder(conn)
	_ = conn.SetReadDeadline(time.Now().Add(readyTimeout))
	ev, err := dec.NextEvent()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindBridgeUnready, "wait for bridge ready", err)
	}
	if ev.Ev != protocol.EvReady {
		conn.Close()
		return nil, errs.Newf(errs.KindBridgeUnready, "expected ready, got %s", ev.Ev)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:       conn,
		enc:        protocol.NewEncoder(conn),
		log:        log.WithFields(zap.String("component", "bridge-client"), zap.String("socket", socketPath)),
		logHandler: opts.LogHandler,
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop(dec)
	return c, nil
}

// Done is closed when the connection is lost or closed. The pool watches it
// to notice dead bridges.
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}

// readLoop fans incoming events in to the registered listener. Delivery
// blocks, so a slow consumer backpressures the socket all the way to the
// bridge.
func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.readerDone)

	for {
		ev, err := dec.NextEvent()
		if err != nil {
			c.deliver(protocol.ErrorEvent("bridge connection lost: " + err.Error()))
			return
		}

		if ev.Ev == protocol.EvLog {
			if c.logHandler != nil {
				c.logHandler(ev)
			}
			continue
		}

		c.deliver(ev)
	}
}

func (c *Client) deliver(ev *protocol.Event) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	if listener == nil {
		c.log.Debug("event with no listener", zap.String("ev", ev.Ev))
		return
	}
	select {
	case listener <- ev:
	case <-c.closed:
	}
}

func (c *Client) write(cmd *protocol.Command) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.enc.Encode(cmd)
}

// WriteCommand sends a command without waiting for events. Used for
// interrupt, which acts on a stream someone else is consuming.
func (c *Client) WriteCommand(cmd *protocol.Command) error {
	if err := c.write(cmd); err != nil {
		return errs.Wrap(errs.KindBridgeLost, "write command", err)
	}
	return nil
}

// Send writes cmd and returns its event stream. The channel closes after
// the terminal event (done, error, or exec_result). Cancelling ctx stops
// delivery but the stream is still drained internally so the client stays
// usable.
func (c *Client) Send(ctx context.Context, cmd *protocol.Command) (<-chan *protocol.Event, error) {
	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		return nil, errs.New(errs.KindBusy, "command already in flight")
	}
	listener := make(chan *protocol.Event, 16)
	c.listener = listener
	c.inflight = true
	c.mu.Unlock()

	if err := c.write(cmd); err != nil {
		c.mu.Lock()
		c.listener = nil
		c.inflight = false
		c.mu.Unlock()
		return nil, errs.Wrap(errs.KindBridgeLost, "write command", err)
	}

	out := make(chan *protocol.Event, 16)
	go c.forward(ctx, listener, out)
	return out, nil
}

func (c *Client) forward(ctx context.Context, listener chan *protocol.Event, out chan *protocol.Event) {
	defer func() {
		c.mu.Lock()
		c.listener = nil
		c.inflight = false
		c.mu.Unlock()
		close(out)
	}()

	delivering := true
	for {
		select {
		case ev := <-listener:
			if delivering {
				select {
				case out <- ev:
				case <-ctx.Done():
					delivering = false
				}
			}
			if isTerminal(ev) {
				return
			}
		case <-ctx.Done():
			// Keep draining to the terminal event so the next Send starts
			// clean; just stop delivering.
			delivering = false
			ctx = context.Background()
		}
	}
}

func isTerminal(ev *protocol.Event) bool {
	switch ev.Ev {
	case protocol.EvDone, protocol.EvError, protocol.EvExecResult:
		return true
	}
	return false
}

// ExecResult is the outcome of a shell command run in the sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a shell command in the sandbox workspace and waits for its
// single exec_result.
func (c *Client) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	events, err := c.Send(ctx, protocol.Exec(command, timeout))
	if err != nil {
		return nil, err
	}

	for ev := range events {
		switch ev.Ev {
		case protocol.EvExecResult:
			res := &ExecResult{Stdout: ev.Stdout, Stderr: ev.Stderr}
			if ev.ExitCode != nil {
				res.ExitCode = *ev.ExitCode
			}
			return res, nil
		case protocol.EvError:
			return nil, errs.New(errs.KindUpstream, ev.Error)
		}
	}
	return nil, errs.New(errs.KindBridgeLost, "exec stream ended without result")
}

// Interrupt asks the bridge to cancel the in-flight query.
func (c *Client) Interrupt() error {
	return c.WriteCommand(protocol.Interrupt())
}

// Close sends shutdown best-effort and tears the connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.write(protocol.Shutdown())
		c.conn.Close()
		<-c.readerDone
	})
	return nil
}

// CloseNoShutdown tears down the connection without asking the bridge to
// exit; used when the sandbox should stay warm.
func (c *Client) CloseNoShutdown() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		<-c.readerDone
	})
	return nil
}
