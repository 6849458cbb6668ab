package modbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBank(t *testing.T) *Bank {
	t.Helper()
	cfg, err := ParseConfig(json.RawMessage(`{
		"slaves": [{
			"slave_id": 1,
			"registers": [
				{"register_type": "HoldingRegister", "address": 0, "value": 4660},
				{"register_type": "HoldingRegister", "address": 1, "value": 65535},
				{"register_type": "InputRegister", "address": 10, "value": 7},
				{"register_type": "Coil", "address": 0, "value": true},
				{"register_type": "Coil", "address": 1, "value": false},
				{"register_type": "Coil", "address": 2, "value": true},
				{"register_type": "DiscreteInput", "address": 0, "value": true}
			]
		}]
	}`))
	require.NoError(t, err)
	bank, err := NewBank(cfg)
	require.NoError(t, err)
	return bank
}

func process(t *testing.T, bank *Bank, request []byte) []byte {
	t.Helper()
	frame, n, err := Decode(request)
	require.NoError(t, err)
	require.Equal(t, len(request), n)
	resp, err := bank.Process(frame)
	require.NoError(t, err)
	return resp.Encode()
}

func TestReadHoldingRegister(t *testing.T) {
	bank := testBank(t)

	// Read one holding register at 0x0000 from unit 1: value 0x1234.
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34}
	assert.Equal(t, want, process(t, bank, req))
}

func TestReadHoldingMultiWordOrder(t *testing.T) {
	bank := testBank(t)

	req := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	want := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x12, 0x34, 0xFF, 0xFF}
	assert.Equal(t, want, process(t, bank, req))
}

func TestUnknownUnitGatewayException(t *testing.T) {
	bank := testBank(t)

	// Same read addressed to unit 99 (0x63) yields exception 0x0B.
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x63, 0x03, 0x00, 0x00, 0x00, 0x01}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x63, 0x83, 0x0B}
	assert.Equal(t, want, process(t, bank, req))
}

func TestUndefinedAddressException(t *testing.T) {
	bank := testBank(t)

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x50, 0x00, 0x01}
	resp := process(t, bank, req)
	assert.Equal(t, byte(0x83), resp[7])
	assert.Equal(t, byte(ExceptionIllegalDataAddress), resp[8])
}

func TestReadCoilsLSBFirstPacking(t *testing.T) {
	bank := testBank(t)

	// Coils 0..2 are true,false,true -> 0b101 = 0x05.
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x01, 0x00, 0x00, 0x00, 0x03}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x01, 0x05}
	assert.Equal(t, want, process(t, bank, req))
}

func TestWriteSingleRegisterEchoAndPersist(t *testing.T) {
	bank := testBank(t)

	req := []byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x00, 0x00, 0xBE, 0xEF}
	assert.Equal(t, req, process(t, bank, req))

	// Value observable on a subsequent read, as if a new client connected.
	read := []byte{0x00, 0x06, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	want := []byte{0x00, 0x06, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0xBE, 0xEF}
	assert.Equal(t, want, process(t, bank, read))
}

func TestWriteSingleCoil(t *testing.T) {
	bank := testBank(t)

	// Turn coil 1 on.
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x01, 0xFF, 0x00}
	assert.Equal(t, req, process(t, bank, req))

	read := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x01, 0x00, 0x01, 0x00, 0x01}
	resp := process(t, bank, read)
	assert.Equal(t, byte(0x01), resp[9])
}

func TestWriteToReadOnlyTableIllegalFunction(t *testing.T) {
	bank := testBank(t)

	// Input register 10 exists; writing it is an illegal function.
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x00, 0x0A, 0x00, 0x01}
	resp := process(t, bank, req)
	assert.Equal(t, byte(0x86), resp[7])
	assert.Equal(t, byte(ExceptionIllegalFunction), resp[8])

	// Discrete input 0 exists; coil write to it is an illegal function.
	req = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x00, 0xFF, 0x00}
	// Coil 0 also exists, so use address 0 on a bank without the coil.
	bank2, err := NewBank(&Config{Slaves: []SlaveConfig{{
		SlaveID: 1,
		Registers: []RegisterConfig{
			{RegisterType: DiscreteInput, Address: 0, Value: json.RawMessage("true")},
		},
	}}})
	require.NoError(t, err)
	resp = process(t, bank2, req)
	assert.Equal(t, byte(0x85), resp[7])
	assert.Equal(t, byte(ExceptionIllegalFunction), resp[8])
}

func TestWriteMultipleRegisters(t *testing.T) {
	bank := testBank(t)

	req := []byte{
		0x00, 0x09, 0x00, 0x00, 0x00, 0x0B, 0x01, 0x10,
		0x00, 0x00, 0x00, 0x02, 0x04, 0x11, 0x11, 0x22, 0x22,
	}
	want := []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x06, 0x01, 0x10, 0x00, 0x00, 0x00, 0x02}
	assert.Equal(t, want, process(t, bank, req))

	read := []byte{0x00, 0x0A, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	resp := process(t, bank, read)
	assert.Equal(t, []byte{0x11, 0x11, 0x22, 0x22}, resp[9:13])
}

func TestWriteMultipleCoils(t *testing.T) {
	bank := testBank(t)

	// Set coils 0..2 to 0,1,1 (0b110 = 0x06).
	req := []byte{
		0x00, 0x01, 0x00, 0x00, 0x00, 0x08, 0x01, 0x0F,
		0x00, 0x00, 0x00, 0x03, 0x01, 0x06,
	}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x0F, 0x00, 0x00, 0x00, 0x03}
	assert.Equal(t, want, process(t, bank, req))

	read := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x01, 0x00, 0x00, 0x00, 0x03}
	resp := process(t, bank, read)
	assert.Equal(t, byte(0x06), resp[9])
}

func TestDecodeShortFrame(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrShortFrame)

	// Header present but body incomplete.
	_, _, err = Decode([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeBadProtocolID(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x01, 0x00, 0x07, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrShortFrame)
}

func TestBankAdminOperations(t *testing.T) {
	bank := testBank(t)

	// Duplicate slave is a conflict.
	err := bank.AddSlave(SlaveConfig{SlaveID: 1})
	assert.ErrorIs(t, err, ErrSlaveExists)

	require.NoError(t, bank.AddSlave(SlaveConfig{SlaveID: 2, Registers: []RegisterConfig{
		{RegisterType: HoldingRegister, Address: 5, Value: json.RawMessage("1")},
	}}))

	require.NoError(t, bank.SetRegisterValue(2, HoldingRegister, 5, json.RawMessage("99")))
	err = bank.SetRegisterValue(2, HoldingRegister, 6, json.RawMessage("1"))
	assert.ErrorIs(t, err, ErrRegisterNotFound)

	snap := bank.Slaves()
	require.Len(t, snap, 2)
	assert.Equal(t, uint8(1), snap[0].SlaveID)
	assert.Equal(t, uint8(2), snap[1].SlaveID)
	assert.JSONEq(t, "99", string(snap[1].Registers[0].Value))

	require.NoError(t, bank.DeleteRegister(2, HoldingRegister, 5))
	require.NoError(t, bank.RemoveSlave(2))
	assert.ErrorIs(t, bank.RemoveSlave(2), ErrSlaveNotFound)
}

func TestSlaveIDValidation(t *testing.T) {
	assert.Error(t, ValidateSlave(SlaveConfig{SlaveID: 0}))
	assert.Error(t, ValidateSlave(SlaveConfig{SlaveID: 248}))
	assert.NoError(t, ValidateSlave(SlaveConfig{SlaveID: 247}))

	// (type, address) must be unique per slave.
	assert.Error(t, ValidateSlave(SlaveConfig{SlaveID: 1, Registers: []RegisterConfig{
		{RegisterType: Coil, Address: 0, Value: json.RawMessage("true")},
		{RegisterType: Coil, Address: 0, Value: json.RawMessage("false")},
	}}))
}

func TestMultiWordValueSplit(t *testing.T) {
	bank, err := NewBank(&Config{Slaves: []SlaveConfig{{
		SlaveID: 1,
		Registers: []RegisterConfig{
			{RegisterType: HoldingRegister, Address: 0, Value: json.RawMessage("305419896"), Length: 2},
		},
	}}})
	require.NoError(t, err)

	// 0x12345678 split high word first.
	read := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	resp := process(t, bank, read)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, resp[9:13])
}
