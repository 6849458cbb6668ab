package modbus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Bank errors surfaced to the admin layer.
var (
	ErrSlaveExists      = errors.New("modbus: slave already exists")
	ErrSlaveNotFound    = errors.New("modbus: slave not found")
	ErrRegisterNotFound = errors.New("modbus: register not found")
)

// slave holds one unit's data tables plus the declared register layout used
// to rebuild config snapshots for persistence.
type slave struct {
	declared []RegisterConfig
	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16
}

func newSlave() *slave {
	return &slave{
		coils:    make(map[uint16]bool),
		discrete: make(map[uint16]bool),
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
	}
}

// Bank is a thread-safe Modbus register bank for a set of slaves.
type Bank struct {
	mu     sync.RWMutex
	slaves map[uint8]*slave
}

// NewBank creates a Bank from a parsed config.
func NewBank(cfg *Config) (*Bank, error) {
	b := &Bank{slaves: make(map[uint8]*slave)}
	if cfg == nil {
		return b, nil
	}
	for _, sc := range cfg.Slaves {
		if err := b.AddSlave(sc); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddSlave registers a new slave. Duplicate unit ids are rejected.
func (b *Bank) AddSlave(cfg SlaveConfig) error {
	if err := ValidateSlave(cfg); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.slaves[cfg.SlaveID]; exists {
		return fmt.Errorf("%w: unit %d", ErrSlaveExists, cfg.SlaveID)
	}
	sl := newSlave()
	for _, reg := range cfg.Registers {
		if err := sl.apply(reg); err != nil {
			return err
		}
	}
	b.slaves[cfg.SlaveID] = sl
	return nil
}

// RemoveSlave deletes a slave and all its registers.
func (b *Bank) RemoveSlave(unitID uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.slaves[unitID]; !exists {
		return fmt.Errorf("%w: unit %d", ErrSlaveNotFound, unitID)
	}
	delete(b.slaves, unitID)
	return nil
}

// SetRegister adds or replaces a register declaration on a slave.
func (b *Bank) SetRegister(unitID uint8, reg RegisterConfig) error {
	t, err := ParseRegisterType(string(reg.RegisterType))
	if err != nil {
		return err
	}
	reg.RegisterType = t

	b.mu.Lock()
	defer b.mu.Unlock()
	sl, exists := b.slaves[unitID]
	if !exists {
		return fmt.Errorf("%w: unit %d", ErrSlaveNotFound, unitID)
	}
	return sl.apply(reg)
}

// DeleteRegister removes a register declaration and its stored values.
func (b *Bank) DeleteRegister(unitID uint8, regType RegisterType, address uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sl, exists := b.slaves[unitID]
	if !exists {
		return fmt.Errorf("%w: unit %d", ErrSlaveNotFound, unitID)
	}
	for i, reg := range sl.declared {
		if reg.RegisterType == regType && reg.Address == address {
			sl.clearValues(reg)
			sl.declared = append(sl.declared[:i], sl.declared[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s@%d on unit %d", ErrRegisterNotFound, regType, address, unitID)
}

// SetRegisterValue updates the value of an already-declared register.
func (b *Bank) SetRegisterValue(unitID uint8, regType RegisterType, address uint16, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sl, exists := b.slaves[unitID]
	if !exists {
		return fmt.Errorf("%w: unit %d", ErrSlaveNotFound, unitID)
	}
	for _, reg := range sl.declared {
		if reg.RegisterType == regType && reg.Address == address {
			reg.Value = value
			return sl.apply(reg)
		}
	}
	return fmt.Errorf("%w: %s@%d on unit %d", ErrRegisterNotFound, regType, address, unitID)
}

// BatchSetRegisters applies a list of register declarations to a slave,
// adding or replacing each in order.
func (b *Bank) BatchSetRegisters(unitID uint8, regs []RegisterConfig) error {
	for _, reg := range regs {
		if err := b.SetRegister(unitID, reg); err != nil {
			return err
		}
	}
	return nil
}

// Slaves returns a config snapshot with current register values, suitable
// for persistence.
func (b *Bank) Slaves() []SlaveConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int, 0, len(b.slaves))
	for id := range b.slaves {
		ids = append(ids, int(id))
	}
	// stable order for persistence diffs
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	out := make([]SlaveConfig, 0, len(ids))
	for _, id := range ids {
		sl := b.slaves[uint8(id)]
		regs := make([]RegisterConfig, 0, len(sl.declared))
		for _, reg := range sl.declared {
			reg.Value = sl.currentValue(reg)
			regs = append(regs, reg)
		}
		out = append(out, SlaveConfig{SlaveID: uint8(id), Registers: regs})
	}
	return out
}

// apply installs a declaration into the slave's tables, replacing any
// existing declaration for the same (type, address).
func (s *slave) apply(reg RegisterConfig) error {
	t, err := ParseRegisterType(string(reg.RegisterType))
	if err != nil {
		return err
	}
	reg.RegisterType = t

	if t.IsBit() {
		v, err := scalarToBool(reg.Value)
		if err != nil {
			return err
		}
		switch t {
		case Coil:
			s.coils[reg.Address] = v
		case DiscreteInput:
			s.discrete[reg.Address] = v
		}
	} else {
		v, err := scalarToUint(reg.Value)
		if err != nil {
			return err
		}
		words := wordCount(reg)
		for i := uint16(0); i < words; i++ {
			shift := (words - 1 - i) * 16
			word := uint16(v >> shift)
			switch t {
			case HoldingRegister:
				s.holding[reg.Address+i] = word
			case InputRegister:
				s.input[reg.Address+i] = word
			}
		}
	}

	for i, existing := range s.declared {
		if existing.RegisterType == t && existing.Address == reg.Address {
			s.declared[i] = reg
			return nil
		}
	}
	s.declared = append(s.declared, reg)
	return nil
}

// clearValues removes the stored words/bits backing a declaration.
func (s *slave) clearValues(reg RegisterConfig) {
	switch reg.RegisterType {
	case Coil:
		delete(s.coils, reg.Address)
	case DiscreteInput:
		delete(s.discrete, reg.Address)
	case HoldingRegister, InputRegister:
		for i := uint16(0); i < wordCount(reg); i++ {
			if reg.RegisterType == HoldingRegister {
				delete(s.holding, reg.Address+i)
			} else {
				delete(s.input, reg.Address+i)
			}
		}
	}
}

// currentValue reassembles the live value behind a declaration.
func (s *slave) currentValue(reg RegisterConfig) json.RawMessage {
	switch reg.RegisterType {
	case Coil:
		return boolJSON(s.coils[reg.Address])
	case DiscreteInput:
		return boolJSON(s.discrete[reg.Address])
	default:
		var v uint64
		words := wordCount(reg)
		for i := uint16(0); i < words; i++ {
			var word uint16
			if reg.RegisterType == HoldingRegister {
				word = s.holding[reg.Address+i]
			} else {
				word = s.input[reg.Address+i]
			}
			v = v<<16 | uint64(word)
		}
		return json.RawMessage(strconv.FormatUint(v, 10))
	}
}

func boolJSON(v bool) json.RawMessage {
	if v {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}

func wordCount(reg RegisterConfig) uint16 {
	if reg.Length > 1 {
		return reg.Length
	}
	return 1
}

// Process executes one decoded request frame against the bank and returns
// the response frame. A nil response with an error means the request was
// unparseable and the connection should drop it.
func (b *Bank) Process(req *Frame) (*Frame, error) {
	resp := &Frame{
		TransactionID: req.TransactionID,
		ProtocolID:    req.ProtocolID,
		UnitID:        req.UnitID,
	}
	if len(req.PDU) == 0 {
		return nil, errors.New("modbus: empty PDU")
	}
	function := req.PDU[0]

	b.mu.Lock()
	defer b.mu.Unlock()

	sl, exists := b.slaves[req.UnitID]
	if !exists {
		resp.PDU = exceptionPDU(function, ExceptionGatewayTargetFail)
		return resp, nil
	}

	pdu, err := sl.execute(function, req.PDU[1:])
	if err != nil {
		return nil, err
	}
	resp.PDU = pdu
	return resp, nil
}

// execute runs one PDU against a slave. Exceptions are returned as a normal
// PDU; a Go error means the request bytes were malformed.
func (s *slave) execute(function byte, data []byte) ([]byte, error) {
	switch function {
	case FuncReadCoils:
		return s.readBits(function, data, s.coils)
	case FuncReadDiscreteInputs:
		return s.readBits(function, data, s.discrete)
	case FuncReadHolding:
		return s.readWords(function, data, s.holding)
	case FuncReadInput:
		return s.readWords(function, data, s.input)
	case FuncWriteSingleCoil:
		return s.writeSingleCoil(data)
	case FuncWriteSingleReg:
		return s.writeSingleRegister(data)
	case FuncWriteMultiCoils:
		return s.writeMultiCoils(data)
	case FuncWriteMultiRegs:
		return s.writeMultiRegisters(data)
	default:
		return exceptionPDU(function, ExceptionIllegalFunction), nil
	}
}

func (s *slave) readBits(function byte, data []byte, table map[uint16]bool) ([]byte, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("modbus: read request wants 4 data bytes, got %d", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if qty == 0 {
		return nil, errors.New("modbus: zero quantity read")
	}

	// Undefined addresses are an error; nothing is auto-backfilled.
	for i := uint16(0); i < qty; i++ {
		if _, ok := table[addr+i]; !ok {
			return exceptionPDU(function, ExceptionIllegalDataAddress), nil
		}
	}

	byteCount := (qty + 7) / 8
	out := make([]byte, 2+byteCount)
	out[0] = function
	out[1] = byte(byteCount)
	for i := uint16(0); i < qty; i++ {
		if table[addr+i] {
			out[2+i/8] |= 1 << (i % 8) // LSB-first packing
		}
	}
	return out, nil
}

func (s *slave) readWords(function byte, data []byte, table map[uint16]uint16) ([]byte, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("modbus: read request wants 4 data bytes, got %d", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if qty == 0 {
		return nil, errors.New("modbus: zero quantity read")
	}

	for i := uint16(0); i < qty; i++ {
		if _, ok := table[addr+i]; !ok {
			return exceptionPDU(function, ExceptionIllegalDataAddress), nil
		}
	}

	out := make([]byte, 2+2*qty)
	out[0] = function
	out[1] = byte(2 * qty)
	for i := uint16(0); i < qty; i++ {
		binary.BigEndian.PutUint16(out[2+2*i:], table[addr+i])
	}
	return out, nil
}

// writeTarget resolves which exception applies when a write misses its
// table: a hit on the read-only twin table is an illegal function, a miss
// everywhere is an illegal address.
func writeTargetException(function byte, inReadOnly bool) []byte {
	if inReadOnly {
		return exceptionPDU(function, ExceptionIllegalFunction)
	}
	return exceptionPDU(function, ExceptionIllegalDataAddress)
}

func (s *slave) writeSingleCoil(data []byte) ([]byte, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("modbus: write single coil wants 4 data bytes, got %d", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	raw := binary.BigEndian.Uint16(data[2:4])

	if _, ok := s.coils[addr]; !ok {
		_, readOnly := s.discrete[addr]
		return writeTargetException(FuncWriteSingleCoil, readOnly), nil
	}
	s.coils[addr] = raw == 0xFF00

	out := make([]byte, 5)
	out[0] = FuncWriteSingleCoil
	copy(out[1:], data)
	return out, nil
}

func (s *slave) writeSingleRegister(data []byte) ([]byte, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("modbus: write single register wants 4 data bytes, got %d", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if _, ok := s.holding[addr]; !ok {
		_, readOnly := s.input[addr]
		return writeTargetException(FuncWriteSingleReg, readOnly), nil
	}
	s.holding[addr] = value

	out := make([]byte, 5)
	out[0] = FuncWriteSingleReg
	copy(out[1:], data)
	return out, nil
}

func (s *slave) writeMultiCoils(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("modbus: write multiple coils header short: %d bytes", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := data[4]
	if qty == 0 || int(byteCount) != len(data)-5 || int(byteCount) != int((qty+7)/8) {
		return nil, errors.New("modbus: write multiple coils length mismatch")
	}

	for i := uint16(0); i < qty; i++ {
		if _, ok := s.coils[addr+i]; !ok {
			_, readOnly := s.discrete[addr+i]
			return writeTargetException(FuncWriteMultiCoils, readOnly), nil
		}
	}
	for i := uint16(0); i < qty; i++ {
		s.coils[addr+i] = data[5+i/8]&(1<<(i%8)) != 0
	}

	out := make([]byte, 5)
	out[0] = FuncWriteMultiCoils
	binary.BigEndian.PutUint16(out[1:3], addr)
	binary.BigEndian.PutUint16(out[3:5], qty)
	return out, nil
}

func (s *slave) writeMultiRegisters(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("modbus: write multiple registers header short: %d bytes", len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := data[4]
	if qty == 0 || int(byteCount) != len(data)-5 || int(byteCount) != int(qty)*2 {
		return nil, errors.New("modbus: write multiple registers length mismatch")
	}

	for i := uint16(0); i < qty; i++ {
		if _, ok := s.holding[addr+i]; !ok {
			_, readOnly := s.input[addr+i]
			return writeTargetException(FuncWriteMultiRegs, readOnly), nil
		}
	}
	for i := uint16(0); i < qty; i++ {
		s.holding[addr+i] = binary.BigEndian.Uint16(data[5+2*i:])
	}

	out := make([]byte, 5)
	out[0] = FuncWriteMultiRegs
	binary.BigEndian.PutUint16(out[1:3], addr)
	binary.BigEndian.PutUint16(out[3:5], qty)
	return out, nil
}
