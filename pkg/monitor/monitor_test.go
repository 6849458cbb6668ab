package monitor

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAssignsMonotonicIDs(t *testing.T) {
	m := New("sim-test", 100)

	r1 := m.Record(DirectionReceived, "1.2.3.4:5000", []byte{0x01}, nil)
	r2 := m.Record(DirectionSent, "1.2.3.4:5000", []byte{0x02}, nil)

	assert.Equal(t, uint64(1), r1.ID)
	assert.Equal(t, uint64(2), r2.ID)
	assert.Equal(t, "01", r1.HexData)
	assert.Equal(t, 1, r1.Size)
}

func TestEviction(t *testing.T) {
	m := New("sim-test", 5)

	for i := 0; i < 10; i++ {
		m.Record(DirectionReceived, "peer", []byte{byte(i)}, nil)
	}

	recs := m.All()
	require.Len(t, recs, 5)

	// Retained IDs are {6,7,8,9,10}; the next assignment is 11.
	for i, rec := range recs {
		assert.Equal(t, uint64(6+i), rec.ID)
	}
	assert.Equal(t, uint64(11), m.NextID())
}

func TestGetAfter(t *testing.T) {
	m := New("sim-test", 100)
	for i := 0; i < 8; i++ {
		m.Record(DirectionReceived, "peer", []byte{byte(i)}, nil)
	}

	recs := m.GetAfter(5, 0)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(6), recs[0].ID)
	assert.Equal(t, uint64(8), recs[2].ID)

	limited := m.GetAfter(0, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(1), limited[0].ID)
}

func TestClearKeepsIDCounter(t *testing.T) {
	m := New("sim-test", 100)
	m.Record(DirectionReceived, "peer", []byte{0x00}, nil)
	m.Record(DirectionReceived, "peer", []byte{0x01}, nil)

	m.Clear()
	assert.Equal(t, 0, m.Len())

	rec := m.Record(DirectionSent, "peer", []byte{0x02}, nil)
	assert.Equal(t, uint64(3), rec.ID)
}

func TestClearOnEmptyIsSafe(t *testing.T) {
	m := New("sim-test", 10)
	m.Clear()
	m.Clear()
	assert.Equal(t, uint64(1), m.NextID())
}

func TestSetMaxPacketsShrinks(t *testing.T) {
	m := New("sim-test", 100)
	for i := 0; i < 10; i++ {
		m.Record(DirectionReceived, "peer", nil, nil)
	}

	m.SetMaxPackets(3)
	recs := m.All()
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(8), recs[0].ID)
}

func TestRecordMQTT(t *testing.T) {
	m := New("sim-test", 10)
	rec := m.RecordMQTT(DirectionReceived, "broker", "sensor/room1/temp", []byte("25"), 1)

	assert.Equal(t, "sensor/room1/temp", rec.Topic)
	assert.Equal(t, "25", rec.Payload)
	assert.Equal(t, "3235", rec.PayloadHex)
	assert.Equal(t, byte(1), rec.QoS)
}

func TestDebugSink(t *testing.T) {
	dir := t.TempDir()
	m := New("sim-debug", 10)
	m.SetDebugDir(dir)

	// Nothing written until enabled.
	m.Record(DirectionReceived, "peer", []byte{0xAA}, nil)
	assert.Empty(t, m.DebugPath())

	m.SetDebug(true)
	m.Record(DirectionSent, "10.0.0.1:5000", []byte{0x55, 0xAA}, nil)

	path := m.DebugPath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.Contains(t, path, "sim-debug_")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, "sent")
	assert.Contains(t, line, "10.0.0.1:5000")
	assert.Contains(t, line, "55aa")
	assert.True(t, strings.HasSuffix(line, "\n"))

	// Disabling detaches the path but leaves the file.
	m.SetDebug(false)
	assert.Empty(t, m.DebugPath())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestConcurrentRecording(t *testing.T) {
	m := New("sim-test", 50)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				m.Record(DirectionReceived, fmt.Sprintf("peer-%d", n), []byte{byte(i)}, nil)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	assert.Equal(t, 50, m.Len())
	assert.Equal(t, uint64(101), m.NextID())

	// IDs in All() must be strictly ascending.
	recs := m.All()
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].ID, recs[i-1].ID)
	}
}
