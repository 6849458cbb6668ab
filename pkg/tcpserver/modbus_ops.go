package tcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/protosim/protosim/pkg/modbus"
	"github.com/protosim/protosim/pkg/simulator"
)

func (m *Manager) modbusBank(simID string) (*wrapper, *modbus.Bank, error) {
	w, err := m.get(simID)
	if err != nil {
		return nil, nil, err
	}
	h, ok := w.handler.(*modbus.Handler)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a modbus simulator", simulator.ErrInvalidConfig, simID)
	}
	return w, h.Bank(), nil
}

// syncModbusConfig rewrites the stored protocol_config from the live bank
// and persists, so admin register edits survive restarts.
func (m *Manager) syncModbusConfig(w *wrapper, bank *modbus.Bank) {
	raw, err := json.Marshal(modbus.Config{Slaves: bank.Slaves()})
	if err != nil {
		m.log.Error("marshal modbus config failed", "error", err)
		return
	}
	w.infoMu.Lock()
	w.info.ProtocolConfig = raw
	w.infoMu.Unlock()
	m.persistConfig()
}

// ModbusSlaves returns the live slave bank contents, declared shapes
// reassembled from current register values.
func (m *Manager) ModbusSlaves(simID string) ([]modbus.SlaveConfig, error) {
	_, bank, err := m.modbusBank(simID)
	if err != nil {
		return nil, err
	}
	return bank.Slaves(), nil
}

// ModbusAddSlave adds a slave to a running or stopped modbus simulator.
func (m *Manager) ModbusAddSlave(simID string, cfg modbus.SlaveConfig) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.AddSlave(cfg); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}

// ModbusRemoveSlave removes a slave and its registers.
func (m *Manager) ModbusRemoveSlave(simID string, unitID uint8) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.RemoveSlave(unitID); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}

// ModbusSetRegister adds or replaces a register definition.
func (m *Manager) ModbusSetRegister(simID string, unitID uint8, reg modbus.RegisterConfig) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.SetRegister(unitID, reg); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}

// ModbusDeleteRegister removes a register definition and its backing words.
func (m *Manager) ModbusDeleteRegister(simID string, unitID uint8, regType modbus.RegisterType, address uint16) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.DeleteRegister(unitID, regType, address); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}

// ModbusSetValue updates the value of an already-declared register.
func (m *Manager) ModbusSetValue(simID string, unitID uint8, regType modbus.RegisterType, address uint16, value json.RawMessage) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.SetRegisterValue(unitID, regType, address, value); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}

// ModbusBatchSet applies several register definitions in one call; persists
// once at the end.
func (m *Manager) ModbusBatchSet(simID string, unitID uint8, regs []modbus.RegisterConfig) error {
	w, bank, err := m.modbusBank(simID)
	if err != nil {
		return err
	}
	if err := bank.BatchSetRegisters(unitID, regs); err != nil {
		return err
	}
	m.syncModbusConfig(w, bank)
	return nil
}
