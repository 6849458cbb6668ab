package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

// UDPEngine serves one byte-stream simulator over UDP. Each datagram is a
// complete PDU dispatched on its own goroutine; the peer address doubles as
// the client id, and active_connections counts distinct peers seen.
type UDPEngine struct {
	addr        string
	handler     simulator.Handler
	state       *simulator.State
	mon         *monitor.Monitor
	readBufSize int
	log         *slog.Logger

	mu       sync.Mutex
	conn     net.PacketConn
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewUDPEngine creates a UDP engine for the given simulator runtime.
func NewUDPEngine(bindAddr string, port int, handler simulator.Handler, state *simulator.State, mon *monitor.Monitor, log *slog.Logger) *UDPEngine {
	if log == nil {
		log = logging.Nop()
	}
	return &UDPEngine{
		addr:        fmt.Sprintf("%s:%d", bindAddr, port),
		handler:     handler,
		state:       state,
		mon:         mon,
		readBufSize: DefaultReadBufferSize,
		log:         log,
	}
}

// SetReadBufferSize overrides the datagram read buffer size; datagrams
// larger than the buffer are truncated by the kernel.
func (e *UDPEngine) SetReadBufferSize(n int) {
	if n > 0 {
		e.readBufSize = n
	}
}

// Addr returns the bound socket address.
func (e *UDPEngine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Start implements simulator.Engine.
func (e *UDPEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return simulator.ErrAlreadyRunning
	}

	lc := net.ListenConfig{}
	conn, err := lc.ListenPacket(ctx, "udp", e.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", e.addr, err)
	}

	e.conn = conn
	e.shutdown = make(chan struct{})

	e.wg.Add(1)
	go e.readLoop(conn, e.shutdown)

	e.log.Info("udp engine listening", "addr", conn.LocalAddr().String())
	return nil
}

// Stop implements simulator.Engine.
func (e *UDPEngine) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	conn := e.conn
	shutdown := e.shutdown
	e.conn = nil
	e.shutdown = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(shutdown)
	_ = conn.Close()

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
	case <-ctx.Done():
	}
	return nil
}

func (e *UDPEngine) readLoop(conn net.PacketConn, shutdown chan struct{}) {
	defer e.wg.Done()
	buf := make([]byte, e.readBufSize)

	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-shutdown:
			default:
				if !errors.Is(err, net.ErrClosed) {
					e.log.Warn("udp read failed", "error", err)
				}
			}
			return
		}

		datagram := append([]byte(nil), buf[:n]...)
		e.wg.Add(1)
		go e.handleDatagram(conn, peer, datagram)
	}
}

func (e *UDPEngine) handleDatagram(conn net.PacketConn, peer net.Addr, datagram []byte) {
	defer e.wg.Done()

	// The peer address is the synthetic client id; there is no disconnect
	// for UDP, so peers accumulate in the client table.
	clientID := peer.String()
	if !e.state.HasClient(clientID) {
		e.state.AddClient(simulator.ClientConnection{
			ID:          clientID,
			PeerAddr:    clientID,
			ConnectedAt: time.Now(),
		})
	}

	e.mon.Record(monitor.DirectionReceived, clientID, datagram, nil)
	e.state.RecordReceived(clientID, len(datagram))

	if !e.state.GateOpen() {
		return
	}

	res := e.handler.Handle(datagram, e.state)
	switch res.Action {
	case simulator.ActionRespond:
		if _, err := conn.WriteTo(res.Response, peer); err != nil {
			e.log.Debug("udp response write failed", "peer", clientID, "error", err)
			return
		}
		e.mon.Record(monitor.DirectionSent, clientID, res.Response, nil)
		e.state.RecordSent(clientID, len(res.Response))
	case simulator.ActionError:
		e.log.Warn("handler rejected datagram",
			"protocol", e.handler.Name(), "peer", clientID, "error", res.Err)
	}
}
