package tcpserver

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protosim/protosim/pkg/modbus"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

var (
	sceneRequest = []byte{
		0x55, 0xAA, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x01, 0x00, 0x00, 0xBA, 0x56,
	}
	sceneResponse = []byte{
		0xAA, 0x55, 0x00, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x00, 0x00, 0xB9, 0x56,
	}
)

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	m.SetDebugDir(t.TempDir())
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func createSceneLoader(t *testing.T, m *Manager, port int) simulator.Info {
	t.Helper()
	info, err := m.Create(context.Background(), CreateRequest{
		Name:     "plc-bench",
		Protocol: simulator.ProtocolSceneLoader,
		BindAddr: "127.0.0.1",
		Port:     port,
	})
	require.NoError(t, err)
	return info
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Protocol: simulator.ProtocolSceneLoader, Port: 1502})
	assert.ErrorIs(t, err, simulator.ErrInvalidConfig)

	_, err = m.Create(ctx, CreateRequest{Name: "x", Protocol: simulator.ProtocolSceneLoader, Port: 0})
	assert.ErrorIs(t, err, simulator.ErrInvalidConfig)

	_, err = m.Create(ctx, CreateRequest{Name: "x", Protocol: "bogus", Port: 1502})
	assert.ErrorIs(t, err, simulator.ErrInvalidConfig)

	_, err = m.Create(ctx, CreateRequest{Name: "x", Protocol: simulator.ProtocolSceneLoader, Transport: "sctp", Port: 1502})
	assert.ErrorIs(t, err, simulator.ErrInvalidConfig)

	// Custom protocol demands a parseable rule set.
	_, err = m.Create(ctx, CreateRequest{
		Name: "x", Protocol: simulator.ProtocolCustom, Port: 1502,
		ProtocolConfig: json.RawMessage(`{"rules":[]}`),
	})
	assert.ErrorIs(t, err, simulator.ErrInvalidConfig)
}

func TestCreateDefaults(t *testing.T) {
	m := newTestManager(t)
	info := createSceneLoader(t, m, 15020)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, simulator.TransportTCP, info.Transport)
	assert.Equal(t, simulator.StatusStopped, info.Status)
	assert.False(t, info.CreatedAt.IsZero())

	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.True(t, d.State.Online)
	assert.Empty(t, d.State.Fault)
}

func TestTCPRoundTrip(t *testing.T) {
	m := newTestManager(t)
	port := getFreePort(t)
	info := createSceneLoader(t, m, port)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, info.ID))
	assert.ErrorIs(t, m.Start(ctx, info.ID), simulator.ErrAlreadyRunning)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(sceneRequest)
	require.NoError(t, err)

	resp := readN(t, conn, len(sceneResponse))
	assert.Equal(t, sceneResponse, resp)

	// Stats and capture reflect the exchange.
	require.Eventually(t, func() bool {
		d, err := m.Get(info.ID)
		require.NoError(t, err)
		return d.State.Stats.MessagesSent == 1
	}, 2*time.Second, 10*time.Millisecond)

	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.State.Stats.TotalConnections)
	assert.Equal(t, uint64(len(sceneRequest)), d.State.Stats.BytesReceived)
	assert.Equal(t, uint64(len(sceneResponse)), d.State.Stats.BytesSent)

	recs, err := m.Packets(info.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, monitor.DirectionReceived, recs[0].Direction)
	assert.Equal(t, monitor.DirectionSent, recs[1].Direction)

	require.NoError(t, m.Stop(ctx, info.ID))
	require.NoError(t, m.Stop(ctx, info.ID)) // idempotent

	d, err = m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, simulator.StatusStopped, d.Info.Status)

	// Port is released; a restart binds cleanly.
	require.NoError(t, m.Start(ctx, info.ID))
	require.NoError(t, m.Stop(ctx, info.ID))
}

func TestGateSuppressesResponses(t *testing.T) {
	m := newTestManager(t)
	port := getFreePort(t)
	info := createSceneLoader(t, m, port)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, info.ID))
	require.NoError(t, m.SetOnline(info.ID, false))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(sceneRequest)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())

	// Traffic is still captured while the gate is closed.
	require.Eventually(t, func() bool {
		recs, err := m.Packets(info.ID, 0, 0)
		require.NoError(t, err)
		return len(recs) == 1 && recs[0].Direction == monitor.DirectionReceived
	}, 2*time.Second, 10*time.Millisecond)

	// Reopening the gate resumes responses for fresh requests.
	require.NoError(t, m.SetOnline(info.ID, true))
	_, err = conn.Write(sceneRequest)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	assert.Equal(t, sceneResponse, readN(t, conn, len(sceneResponse)))
}

func TestFaultInjection(t *testing.T) {
	m := newTestManager(t)
	info := createSceneLoader(t, m, 15021)

	require.NoError(t, m.SetFault(info.ID, "sensor_stuck"))
	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "sensor_stuck", d.State.Fault)
	assert.True(t, d.State.Online) // fault does not touch the online flag

	require.NoError(t, m.ClearFault(info.ID))
	d, _ = m.Get(info.ID)
	assert.Empty(t, d.State.Fault)

	assert.ErrorIs(t, m.SetFault("sim-missing", "x"), simulator.ErrNotFound)
}

func TestUDPCustomProtocol(t *testing.T) {
	m := newTestManager(t)
	port := getFreePort(t)
	ctx := context.Background()

	cfg := `{
		"name": "ping-protocol",
		"rules": [
			{"name": "ping", "match": {"type": "prefix", "pattern": "01"}, "respond": "02FF"}
		]
	}`
	info, err := m.Create(ctx, CreateRequest{
		Name:           "udp-dev",
		Protocol:       simulator.ProtocolCustom,
		Transport:      simulator.TransportUDP,
		BindAddr:       "127.0.0.1",
		Port:           port,
		ProtocolConfig: json.RawMessage(cfg),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, info.ID))

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x99})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xFF}, buf[:n])

	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.State.Stats.ActiveConnections)
}

func TestModbusAdminOps(t *testing.T) {
	m := newTestManager(t)
	port := getFreePort(t)
	ctx := context.Background()

	cfg := `{"slaves":[{"slave_id":1,"registers":[
		{"register_type":"holding_register","address":0,"value":"0x1234"}
	]}]}`
	info, err := m.Create(ctx, CreateRequest{
		Name:           "modbus-dev",
		Protocol:       simulator.ProtocolModbus,
		BindAddr:       "127.0.0.1",
		Port:           port,
		ProtocolConfig: json.RawMessage(cfg),
	})
	require.NoError(t, err)

	// Admin edits reach the live bank and are reflected over the wire.
	require.NoError(t, m.ModbusSetValue(info.ID, 1, modbus.HoldingRegister, 0, json.RawMessage(`43981`))) // 0xABCD
	require.NoError(t, m.Start(ctx, info.ID))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	_, err = conn.Write(req)
	require.NoError(t, err)
	resp := readN(t, conn, 11)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0xAB, 0xCD}, resp)

	// Register CRUD.
	require.NoError(t, m.ModbusAddSlave(info.ID, modbus.SlaveConfig{SlaveID: 2}))
	require.NoError(t, m.ModbusSetRegister(info.ID, 2, modbus.RegisterConfig{
		RegisterType: modbus.Coil, Address: 5, Value: json.RawMessage(`true`),
	}))
	slaves, err := m.ModbusSlaves(info.ID)
	require.NoError(t, err)
	require.Len(t, slaves, 2)

	require.NoError(t, m.ModbusDeleteRegister(info.ID, 2, modbus.Coil, 5))
	require.NoError(t, m.ModbusRemoveSlave(info.ID, 2))
	slaves, _ = m.ModbusSlaves(info.ID)
	assert.Len(t, slaves, 1)

	// Exported config carries the live register values.
	var exported simulator.Info
	for _, e := range m.Export() {
		if e.ID == info.ID {
			exported = e
		}
	}
	require.NotEmpty(t, exported.ID)
	var parsed modbus.Config
	require.NoError(t, json.Unmarshal(exported.ProtocolConfig, &parsed))
	require.Len(t, parsed.Slaves, 1)

	// Modbus ops reject non-modbus simulators.
	other := createSceneLoader(t, m, 15022)
	assert.ErrorIs(t, m.ModbusAddSlave(other.ID, modbus.SlaveConfig{SlaveID: 1}), simulator.ErrInvalidConfig)
}

func TestDeletePersistsAndStops(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	m.SetPersistFunc(func() error {
		calls++
		return nil
	})

	port := getFreePort(t)
	info := createSceneLoader(t, m, port)
	assert.Equal(t, 1, calls)

	require.NoError(t, m.Start(context.Background(), info.ID))
	require.NoError(t, m.Delete(context.Background(), info.ID))
	assert.Equal(t, 2, calls)

	_, err := m.Get(info.ID)
	assert.ErrorIs(t, err, simulator.ErrNotFound)

	// Listener is gone.
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(port)), 300*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail after delete")
	}
}

func TestRestoreKeepsIdentity(t *testing.T) {
	m := newTestManager(t)
	info := createSceneLoader(t, m, 15023)

	exported := m.Export()
	require.Len(t, exported, 1)

	m2 := newTestManager(t)
	require.NoError(t, m2.Restore(exported[0]))

	d, err := m2.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, d.Info.ID)
	assert.Equal(t, info.CreatedAt.Unix(), d.Info.CreatedAt.Unix())
	assert.Equal(t, simulator.StatusStopped, d.Info.Status)
}

func TestAutoStartFailureKeepsSimulator(t *testing.T) {
	m := newTestManager(t)

	// Occupy the port so auto-start fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	info, err := m.Create(context.Background(), CreateRequest{
		Name:      "stuck",
		Protocol:  simulator.ProtocolSceneLoader,
		BindAddr:  "127.0.0.1",
		Port:      port,
		AutoStart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, simulator.StatusError, info.Status)
	assert.NotEmpty(t, info.StatusMessage)

	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.True(t, d.Info.AutoStart)

	// A later stop clears the error state.
	require.NoError(t, m.Stop(context.Background(), info.ID))
	d, err = m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, simulator.StatusStopped, d.Info.Status)
	assert.Empty(t, d.Info.StatusMessage)
}

func TestReadBufferSizeFromProtocolConfig(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{
		Name:           "small-buf",
		Protocol:       simulator.ProtocolSceneLoader,
		BindAddr:       "127.0.0.1",
		Port:           getFreePort(t),
		ProtocolConfig: json.RawMessage(`{"read_buffer_size": 64}`),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, info.ID))

	w, err := m.get(info.ID)
	require.NoError(t, err)
	engine, ok := w.engine.(*TCPEngine)
	require.True(t, ok)
	assert.Equal(t, 64, engine.readBufSize)

	// Without the knob the engine keeps its default.
	plain := createSceneLoader(t, m, getFreePort(t))
	require.NoError(t, m.Start(ctx, plain.ID))
	w2, err := m.get(plain.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultReadBufferSize, w2.engine.(*TCPEngine).readBufSize)
}

func TestUpdateStateAndPacketSettings(t *testing.T) {
	m := newTestManager(t)
	info := createSceneLoader(t, m, 15024)

	require.NoError(t, m.UpdateState(info.ID, map[string]any{"temperature": 21.5}))
	d, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 21.5, d.State.Values["temperature"])

	max := 5
	debug := true
	require.NoError(t, m.UpdatePacketSettings(info.ID, PacketSettings{MaxPackets: &max, Debug: &debug}))
	require.NoError(t, m.ClearPackets(info.ID))

	recs, err := m.Packets(info.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	total := 0
	for total < n {
		r, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += r
	}
	return buf
}

func itoa(port int) string {
	return strconv.Itoa(port)
}
