package simulator

import (
	"sync"
	"time"
)

// State is the mutable runtime snapshot of a simulator. It is safe for
// concurrent use; engines and admin handlers share one instance.
type State struct {
	mu      sync.RWMutex
	online  bool
	fault   string
	values  map[string]any
	stats   Stats
	clients map[string]*ClientConnection
}

// NewState creates a State with the online flag set, no fault, and empty
// counters.
func NewState() *State {
	return &State{
		online:  true,
		values:  make(map[string]any),
		clients: make(map[string]*ClientConnection),
	}
}

// Online reports the operator-controlled online flag.
func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetOnline flips the online flag.
func (s *State) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// Fault returns the injected fault tag, or "" when none is set.
func (s *State) Fault() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// SetFault injects a fault tag. Its meaning is handler-defined; any
// non-empty tag closes the response gate.
func (s *State) SetFault(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = tag
}

// ClearFault removes the injected fault.
func (s *State) ClearFault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = ""
}

// GateOpen reports whether the handler may respond: the simulator must be
// online and fault-free. Incoming PDUs are recorded either way.
func (s *State) GateOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online && s.fault == ""
}

// Value returns a protocol-specific state value.
func (s *State) Value(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// SetValue stores a protocol-specific state value.
func (s *State) SetValue(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Values returns a copy of the protocol-specific value bag.
func (s *State) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Stats returns a copy of the current counters.
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// AddClient registers a connection and bumps the connection counters.
func (s *State) AddClient(client ClientConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := client
	s.clients[client.ID] = &c
	s.stats.TotalConnections++
	s.stats.ActiveConnections++
	s.stats.LastActivity = time.Now()
}

// RemoveClient drops a connection and decrements the active counter,
// guarding against underflow.
func (s *State) RemoveClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	if s.stats.ActiveConnections > 0 {
		s.stats.ActiveConnections--
	}
}

// HasClient reports whether a client id is currently tracked.
func (s *State) HasClient(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// Clients returns a copy of the live connection table.
func (s *State) Clients() []ClientConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientConnection, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	return out
}

// RecordReceived accounts received bytes against the simulator and,
// when known, the originating client.
func (s *State) RecordReceived(clientID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.stats.BytesReceived += uint64(n)
	s.stats.MessagesReceived++
	s.stats.LastActivity = now
	if c, ok := s.clients[clientID]; ok {
		c.BytesReceived += uint64(n)
		c.LastActivity = now
	}
}

// RecordSent accounts sent bytes.
func (s *State) RecordSent(clientID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.stats.BytesSent += uint64(n)
	s.stats.MessagesSent++
	s.stats.LastActivity = now
	if c, ok := s.clients[clientID]; ok {
		c.BytesSent += uint64(n)
		c.LastActivity = now
	}
}

// Snapshot is the externally visible form of State used by the admin API.
type Snapshot struct {
	Online  bool               `json:"online"`
	Fault   string             `json:"fault,omitempty"`
	Values  map[string]any     `json:"values"`
	Stats   Stats              `json:"stats"`
	Clients []ClientConnection `json:"clients"`
}

// Snapshot returns a point-in-time copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]any, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	clients := make([]ClientConnection, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, *c)
	}
	return Snapshot{
		Online:  s.online,
		Fault:   s.fault,
		Values:  values,
		Stats:   s.stats,
		Clients: clients,
	}
}
