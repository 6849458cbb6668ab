package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/protosim/protosim/pkg/modbus"
)

// parseUnitID reads a slave unit id from a string, enforcing Modbus range.
func parseUnitID(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v < 1 || v > 247 {
		return 0, false
	}
	return uint8(v), true
}

// handleModbusSlaves handles GET /api/tcp-simulator/{id}/modbus/slaves.
func (a *API) handleModbusSlaves(w http.ResponseWriter, r *http.Request) {
	slaves, err := a.tcp.ModbusSlaves(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, slaves)
}

// handleModbusAddSlave handles POST /api/tcp-simulator/{id}/modbus/slave.
func (a *API) handleModbusAddSlave(w http.ResponseWriter, r *http.Request) {
	var cfg modbus.SlaveConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	if err := a.tcp.ModbusAddSlave(r.PathValue("id"), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleModbusRemoveSlave handles
// DELETE /api/tcp-simulator/{id}/modbus/slave/{slaveId}.
func (a *API) handleModbusRemoveSlave(w http.ResponseWriter, r *http.Request) {
	unitID, ok := parseUnitID(r.PathValue("slaveId"))
	if !ok {
		writeInvalid(w, "slave id must be 1..247")
		return
	}
	if err := a.tcp.ModbusRemoveSlave(r.PathValue("id"), unitID); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// registerRequest addresses one register on one slave.
type registerRequest struct {
	SlaveID      uint8           `json:"slave_id"`
	RegisterType string          `json:"register_type"`
	Address      uint16          `json:"address"`
	Value        json.RawMessage `json:"value,omitempty"`
	Length       uint16          `json:"length,omitempty"`
}

// handleModbusSetRegister handles POST /api/tcp-simulator/{id}/modbus/register.
func (a *API) handleModbusSetRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	regType, err := modbus.ParseRegisterType(req.RegisterType)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	reg := modbus.RegisterConfig{
		RegisterType: regType,
		Address:      req.Address,
		Value:        req.Value,
		Length:       req.Length,
	}
	if err := a.tcp.ModbusSetRegister(r.PathValue("id"), req.SlaveID, reg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleModbusDeleteRegister handles
// POST /api/tcp-simulator/{id}/modbus/register/delete.
func (a *API) handleModbusDeleteRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	regType, err := modbus.ParseRegisterType(req.RegisterType)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	if err := a.tcp.ModbusDeleteRegister(r.PathValue("id"), req.SlaveID, regType, req.Address); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleModbusSetValue handles
// POST /api/tcp-simulator/{id}/modbus/register/value.
func (a *API) handleModbusSetValue(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	regType, err := modbus.ParseRegisterType(req.RegisterType)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	if err := a.tcp.ModbusSetValue(r.PathValue("id"), req.SlaveID, regType, req.Address, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleModbusBatchSet handles
// POST /api/tcp-simulator/{id}/modbus/registers/batch.
func (a *API) handleModbusBatchSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlaveID   uint8                   `json:"slave_id"`
		Registers []modbus.RegisterConfig `json:"registers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	if err := a.tcp.ModbusBatchSet(r.PathValue("id"), req.SlaveID, req.Registers); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}
