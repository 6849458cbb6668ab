package tcpserver

import "github.com/protosim/protosim/pkg/monitor"

// PacketSettings is the admin payload for tuning a simulator's capture ring.
type PacketSettings struct {
	MaxPackets *int  `json:"max_packets,omitempty"`
	Debug      *bool `json:"debug,omitempty"`
}

// Packets returns captured records with ID strictly greater than afterID.
// limit <= 0 means no limit.
func (m *Manager) Packets(simID string, afterID uint64, limit int) ([]monitor.Record, error) {
	w, err := m.get(simID)
	if err != nil {
		return nil, err
	}
	return w.mon.GetAfter(afterID, limit), nil
}

// ClearPackets drops all captured records; the ID counter keeps counting.
func (m *Manager) ClearPackets(simID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	w.mon.Clear()
	return nil
}

// UpdatePacketSettings applies capture-ring tuning. Fields left nil are
// unchanged.
func (m *Manager) UpdatePacketSettings(simID string, s PacketSettings) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	if s.MaxPackets != nil {
		w.mon.SetMaxPackets(*s.MaxPackets)
	}
	if s.Debug != nil {
		w.mon.SetDebug(*s.Debug)
	}
	return nil
}
