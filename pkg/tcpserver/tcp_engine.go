// Package tcpserver hosts the byte-stream simulator family: the TCP and
// UDP listening engines that drive protocol handlers, and the manager that
// owns simulator lifecycles for the family.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

// DefaultReadBufferSize is the per-connection read buffer size.
const DefaultReadBufferSize = 4096

// DefaultDrainTimeout is the grace period granted to in-flight connections
// on engine stop.
const DefaultDrainTimeout = 500 * time.Millisecond

// TCPEngine serves one byte-stream simulator over TCP: an accept loop plus
// one goroutine per connection.
type TCPEngine struct {
	addr        string
	handler     simulator.Handler
	state       *simulator.State
	mon         *monitor.Monitor
	readBufSize int
	log         *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewTCPEngine creates a TCP engine for the given simulator runtime.
func NewTCPEngine(bindAddr string, port int, handler simulator.Handler, state *simulator.State, mon *monitor.Monitor, log *slog.Logger) *TCPEngine {
	if log == nil {
		log = logging.Nop()
	}
	return &TCPEngine{
		addr:        fmt.Sprintf("%s:%d", bindAddr, port),
		handler:     handler,
		state:       state,
		mon:         mon,
		readBufSize: DefaultReadBufferSize,
		log:         log,
	}
}

// SetReadBufferSize overrides the per-connection read buffer size.
func (e *TCPEngine) SetReadBufferSize(n int) {
	if n > 0 {
		e.readBufSize = n
	}
}

// Addr returns the bound listener address, useful when port 0 was requested.
func (e *TCPEngine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Start implements simulator.Engine.
func (e *TCPEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener != nil {
		return simulator.ErrAlreadyRunning
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", e.addr, err)
	}

	e.listener = listener
	e.shutdown = make(chan struct{})

	e.wg.Add(1)
	go e.acceptLoop(listener, e.shutdown)

	e.log.Info("tcp engine listening", "addr", listener.Addr().String())
	return nil
}

// Stop implements simulator.Engine. The listening socket is closed before
// return; connection goroutines get the drain timeout, then are abandoned
// with their sockets closed.
func (e *TCPEngine) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	listener := e.listener
	shutdown := e.shutdown
	e.listener = nil
	e.shutdown = nil
	e.mu.Unlock()

	if listener == nil {
		return nil
	}
	close(shutdown)
	_ = listener.Close()

	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("tcp engine stop: drain timeout expired", "addr", e.addr)
	case <-ctx.Done():
	}
	return nil
}

func (e *TCPEngine) acceptLoop(listener net.Listener, shutdown chan struct{}) {
	defer e.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn("accept failed", "error", err)
			continue
		}

		e.wg.Add(1)
		go e.handleConn(conn, shutdown)
	}
}

func (e *TCPEngine) handleConn(conn net.Conn, shutdown chan struct{}) {
	defer e.wg.Done()
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	clientID := uuid.New().String()

	e.state.AddClient(simulator.ClientConnection{
		ID:          clientID,
		PeerAddr:    peer,
		ConnectedAt: time.Now(),
	})
	defer func() {
		e.state.RemoveClient(clientID)
		e.handler.OnDisconnect(e.state)
	}()

	// Close the socket when shutdown is signalled so the read below
	// unblocks within one I/O cycle.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-shutdown:
			_ = conn.Close()
		case <-connDone:
		}
	}()

	if greeting := e.handler.OnConnect(e.state); len(greeting) > 0 {
		if _, err := conn.Write(greeting); err != nil {
			return
		}
		e.mon.Record(monitor.DirectionSent, peer, greeting, nil)
		e.state.RecordSent(clientID, len(greeting))
	}

	buf := make([]byte, e.readBufSize)
	var pending []byte

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			e.mon.Record(monitor.DirectionReceived, peer, chunk, nil)
			e.state.RecordReceived(clientID, n)

			if !e.state.GateOpen() {
				// Offline or faulted: record only, drop buffered bytes so
				// stale frames do not replay when the gate reopens.
				pending = pending[:0]
			} else {
				pending = append(pending, chunk...)
				if !e.dispatch(&pending, conn, peer, clientID) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.log.Debug("connection read ended", "peer", peer, "error", err)
			}
			return
		}
	}
}

// dispatch feeds buffered bytes to the handler until it wants more data.
// Returns false when the connection must be terminated.
func (e *TCPEngine) dispatch(pending *[]byte, conn net.Conn, peer, clientID string) bool {
	for len(*pending) > 0 {
		res := e.handler.Handle(*pending, e.state)
		switch res.Action {
		case simulator.ActionNeedMore:
			return true

		case simulator.ActionRespond:
			if _, err := conn.Write(res.Response); err != nil {
				e.log.Debug("response write failed", "peer", peer, "error", err)
				return false
			}
			e.mon.Record(monitor.DirectionSent, peer, res.Response, nil)
			e.state.RecordSent(clientID, len(res.Response))
			*pending = consume(*pending, res.Consumed)

		case simulator.ActionNone:
			*pending = consume(*pending, res.Consumed)

		case simulator.ActionError:
			e.log.Warn("handler terminated connection",
				"protocol", e.handler.Name(), "peer", peer, "error", res.Err)
			return false
		}
	}
	return true
}

// consume drops n processed bytes from the front of the buffer. A count of
// zero (or out of range) consumes everything, the frame-complete default.
func consume(buf []byte, n int) []byte {
	if n <= 0 || n >= len(buf) {
		return buf[:0]
	}
	return append(buf[:0], buf[n:]...)
}
