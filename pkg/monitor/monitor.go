// Package monitor provides bounded packet capture for simulator instances.
//
// Every simulator owns one Monitor. Engines record each PDU that crosses the
// wire; the admin API polls captured records incrementally using get-after
// semantics. Record IDs are strictly monotonic for the lifetime of the
// monitor, even across evictions and clears, so a polling client never sees
// a duplicate after a clear.
package monitor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/protosim/protosim/pkg/logging"
)

// Direction indicates which way a captured PDU travelled.
type Direction string

// Capture directions.
const (
	DirectionReceived  Direction = "received"
	DirectionSent      Direction = "sent"
	DirectionForwarded Direction = "forwarded"
)

// DefaultMaxPackets is the capture ring size used when none is configured.
const DefaultMaxPackets = 1000

// Record is a single captured PDU.
type Record struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	PeerAddr  string    `json:"peerAddr"`
	HexData   string    `json:"hexData"`
	Size      int       `json:"size"`

	// Parsed holds an optional protocol-level decode of the PDU.
	Parsed json.RawMessage `json:"parsed,omitempty"`

	// MQTT-specific fields, empty for byte-stream captures.
	Topic      string `json:"topic,omitempty"`
	Payload    string `json:"payload,omitempty"`
	PayloadHex string `json:"payloadHex,omitempty"`
	QoS        byte   `json:"qos,omitempty"`
}

// Monitor is a bounded FIFO of captured PDUs with an optional append-only
// debug file sink. It is safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	records    []Record
	nextID     uint64
	maxPackets int

	simulatorID string
	debugDir    string
	debug       bool
	debugPath   string
	debugFile   *os.File

	log *slog.Logger
}

// New creates a Monitor for the given simulator. The debug sink, when
// enabled, writes under dir (defaults to "logs/simulator").
func New(simulatorID string, maxPackets int) *Monitor {
	if maxPackets <= 0 {
		maxPackets = DefaultMaxPackets
	}
	return &Monitor{
		nextID:      1,
		maxPackets:  maxPackets,
		simulatorID: simulatorID,
		debugDir:    filepath.Join("logs", "simulator"),
		log:         logging.Nop(),
	}
}

// SetLogger sets the operational logger.
func (m *Monitor) SetLogger(log *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log != nil {
		m.log = log
	} else {
		m.log = logging.Nop()
	}
}

// SetDebugDir overrides the directory used for debug capture files.
func (m *Monitor) SetDebugDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugDir = dir
}

// Record captures a PDU and returns the assigned record.
func (m *Monitor) Record(dir Direction, peer string, data []byte, parsed json.RawMessage) Record {
	rec := Record{
		Timestamp: time.Now(),
		Direction: dir,
		PeerAddr:  peer,
		HexData:   hex.EncodeToString(data),
		Size:      len(data),
		Parsed:    parsed,
	}
	return m.append(rec)
}

// RecordMQTT captures an MQTT publish seen by a broker or proxy tap.
func (m *Monitor) RecordMQTT(dir Direction, peer, topic string, payload []byte, qos byte) Record {
	rec := Record{
		Timestamp:  time.Now(),
		Direction:  dir,
		PeerAddr:   peer,
		HexData:    hex.EncodeToString(payload),
		Size:       len(payload),
		Topic:      topic,
		Payload:    string(payload),
		PayloadHex: hex.EncodeToString(payload),
		QoS:        qos,
	}
	return m.append(rec)
}

func (m *Monitor) append(rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = m.nextID
	m.nextID++

	m.records = append(m.records, rec)
	for len(m.records) > m.maxPackets {
		m.records = m.records[1:]
	}

	if m.debug {
		m.writeDebugLocked(rec)
	}
	return rec
}

// writeDebugLocked appends a record to the debug file, creating it lazily.
// The caller must hold m.mu.
func (m *Monitor) writeDebugLocked(rec Record) {
	if m.debugFile == nil {
		if err := os.MkdirAll(m.debugDir, 0o755); err != nil {
			m.log.Warn("debug capture dir create failed", "dir", m.debugDir, "error", err)
			return
		}
		name := fmt.Sprintf("%s_%s.log", m.simulatorID, time.Now().Format("20060102_150405"))
		path := filepath.Join(m.debugDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			m.log.Warn("debug capture file open failed", "path", path, "error", err)
			return
		}
		m.debugFile = f
		m.debugPath = path
	}

	line := fmt.Sprintf("[%s] %s %s %s\n",
		rec.Timestamp.Format(time.RFC3339), rec.Direction, rec.PeerAddr, rec.HexData)
	if _, err := m.debugFile.WriteString(line); err != nil {
		m.log.Warn("debug capture write failed", "path", m.debugPath, "error", err)
	}
}

// SetDebug enables or disables the debug file sink. Disabling detaches the
// current file path; an existing capture file is left on disk.
func (m *Monitor) SetDebug(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debug == enabled {
		return
	}
	m.debug = enabled
	if !enabled {
		if m.debugFile != nil {
			_ = m.debugFile.Close()
			m.debugFile = nil
		}
		m.debugPath = ""
	}
}

// DebugEnabled reports whether the debug sink is active.
func (m *Monitor) DebugEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debug
}

// DebugPath returns the active debug capture file path, or "" if none has
// been created yet.
func (m *Monitor) DebugPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debugPath
}

// SetMaxPackets resizes the capture ring, evicting oldest records if the new
// bound is smaller than the current backlog.
func (m *Monitor) SetMaxPackets(n int) {
	if n <= 0 {
		n = DefaultMaxPackets
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxPackets = n
	for len(m.records) > m.maxPackets {
		m.records = m.records[1:]
	}
}

// MaxPackets returns the current ring bound.
func (m *Monitor) MaxPackets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPackets
}

// GetAfter returns records with ID strictly greater than afterID, in
// insertion order, at most limit entries (limit <= 0 means no limit).
func (m *Monitor) GetAfter(afterID uint64, limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.ID > afterID {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// All returns a copy of every record currently retained.
func (m *Monitor) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of retained records.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// NextID returns the ID that will be assigned to the next record.
func (m *Monitor) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Clear drops all retained records. The ID counter is NOT reset, so clients
// polling with GetAfter keep working across clears.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// Close releases the debug file handle if open.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debugFile != nil {
		_ = m.debugFile.Close()
		m.debugFile = nil
	}
}
