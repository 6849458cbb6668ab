// Package modbus implements a Modbus TCP slave bank: MBAP framing, the PDU
// function codes a normal client exercises, and an in-memory register store
// whose values survive client reconnects.
package modbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RegisterType identifies one of the four Modbus data tables.
type RegisterType string

// Modbus data tables.
const (
	Coil            RegisterType = "Coil"
	DiscreteInput   RegisterType = "DiscreteInput"
	HoldingRegister RegisterType = "HoldingRegister"
	InputRegister   RegisterType = "InputRegister"
)

// ParseRegisterType normalizes a register type name. It accepts the canonical
// CamelCase names plus common snake_case spellings.
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "coil", "coils":
		return Coil, nil
	case "discreteinput", "discreteinputs":
		return DiscreteInput, nil
	case "holdingregister", "holdingregisters":
		return HoldingRegister, nil
	case "inputregister", "inputregisters":
		return InputRegister, nil
	default:
		return "", fmt.Errorf("unknown register type %q", s)
	}
}

// IsBit reports whether the table stores single-bit values.
func (t RegisterType) IsBit() bool {
	return t == Coil || t == DiscreteInput
}

// Writable reports whether the table accepts Modbus write function codes.
func (t RegisterType) Writable() bool {
	return t == Coil || t == HoldingRegister
}

// RegisterConfig declares one register (or a run of Length consecutive
// 16-bit words for multi-word values) within a slave.
type RegisterConfig struct {
	RegisterType RegisterType    `json:"register_type"`
	Address      uint16          `json:"address"`
	Value        json.RawMessage `json:"value"`
	Length       uint16          `json:"length,omitempty"`
}

// SlaveConfig declares one simulated slave: a unit id and its registers.
type SlaveConfig struct {
	SlaveID   uint8            `json:"slave_id"`
	Registers []RegisterConfig `json:"registers"`
}

// Config is the protocol_config payload for a Modbus simulator.
type Config struct {
	Slaves []SlaveConfig `json:"slaves"`
}

// ParseConfig decodes and validates a Modbus protocol_config document.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid modbus config: %w", err)
		}
	}
	seen := make(map[uint8]bool)
	for _, slave := range cfg.Slaves {
		if err := ValidateSlave(slave); err != nil {
			return nil, err
		}
		if seen[slave.SlaveID] {
			return nil, fmt.Errorf("duplicate slave id %d", slave.SlaveID)
		}
		seen[slave.SlaveID] = true
	}
	return cfg, nil
}

// ValidateSlave checks a single slave declaration.
func ValidateSlave(slave SlaveConfig) error {
	if slave.SlaveID < 1 || slave.SlaveID > 247 {
		return fmt.Errorf("slave id %d out of range 1..247", slave.SlaveID)
	}
	type key struct {
		t RegisterType
		a uint16
	}
	seen := make(map[key]bool)
	for _, reg := range slave.Registers {
		if _, err := ParseRegisterType(string(reg.RegisterType)); err != nil {
			return err
		}
		k := key{reg.RegisterType, reg.Address}
		if seen[k] {
			return fmt.Errorf("duplicate register %s@%d on slave %d", reg.RegisterType, reg.Address, slave.SlaveID)
		}
		seen[k] = true
	}
	return nil
}

// scalarToBool interprets a JSON scalar as a coil/discrete value.
func scalarToBool(raw json.RawMessage) (bool, error) {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "true", `"true"`, "1", `"1"`, `"on"`:
		return true, nil
	case "false", `"false"`, "0", `"0"`, `"off"`, "", "null":
		return false, nil
	}
	if n, err := strconv.ParseFloat(strings.Trim(s, `"`), 64); err == nil {
		return n != 0, nil
	}
	return false, fmt.Errorf("cannot interpret %s as a bit value", s)
}

// scalarToUint interprets a JSON scalar as an unsigned register value.
// Strings may be decimal or 0x-prefixed hex.
func scalarToUint(raw json.RawMessage) (uint64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if s == "true" {
		return 1, nil
	}
	if s == "false" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	// Tolerate JSON floats with an integral value.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot interpret %s as a register value", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("register value %s is negative", s)
	}
	return uint64(f), nil
}
