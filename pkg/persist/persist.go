// Package persist stores declared simulator configuration as JSON in the
// working directory. The store is tolerant on load: a missing or malformed
// file is treated as empty, and an entry that fails to decode is skipped
// with a warning rather than failing the whole load.
package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/mqttsim"
	"github.com/protosim/protosim/pkg/simulator"
)

// DefaultFileName is the simulator config file created in the data dir.
const DefaultFileName = "simulators.json"

// fileVersion is the schema version written to disk.
const fileVersion = 1

// File is the on-disk document shape.
type File struct {
	Version        int              `json:"version"`
	TCPSimulators  []simulator.Info `json:"tcp_simulators,omitempty"`
	MQTTSimulators []mqttsim.Info   `json:"mqtt_simulators,omitempty"`
}

// Store reads and writes the simulator config file.
type Store struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewStore creates a store writing to path.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{path: path, log: log}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// rawFile mirrors File with undecoded entries so one bad simulator does
// not poison its siblings.
type rawFile struct {
	Version        int               `json:"version"`
	TCPSimulators  []json.RawMessage `json:"tcp_simulators"`
	MQTTSimulators []json.RawMessage `json:"mqtt_simulators"`
}

// Load reads the config file. Missing or unreadable files yield an empty
// document; individually malformed entries are skipped with a warning.
func (s *Store) Load() *File {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &File{Version: fileVersion}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("config file unreadable, starting empty", "path", s.path, "error", err)
		}
		return out
	}

	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("config file malformed, starting empty", "path", s.path, "error", err)
		return out
	}

	for i, entry := range raw.TCPSimulators {
		var info simulator.Info
		if err := strictUnmarshal(entry, &info); err != nil {
			s.log.Warn("skipping tcp simulator entry", "index", i, "error", err)
			continue
		}
		out.TCPSimulators = append(out.TCPSimulators, info)
	}
	for i, entry := range raw.MQTTSimulators {
		var info mqttsim.Info
		if err := strictUnmarshal(entry, &info); err != nil {
			s.log.Warn("skipping mqtt simulator entry", "index", i, "error", err)
			continue
		}
		out.MQTTSimulators = append(out.MQTTSimulators, info)
	}
	return out
}

// strictUnmarshal rejects entries with unknown fields, so configs written
// by a newer build are skipped instead of silently losing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Save writes the document atomically via a temp file rename.
func (s *Store) Save(file *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file.Version = fileVersion
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return atomicWrite(s.path, data)
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}
