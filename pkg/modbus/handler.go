package modbus

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/simulator"
)

// Handler adapts a Bank to the byte-stream engine contract, framing the TCP
// stream into MBAP requests.
type Handler struct {
	simulator.NopLifecycle
	bank *Bank
	log  *slog.Logger
}

// NewHandler builds a Modbus handler (and its bank) from a protocol_config.
func NewHandler(raw json.RawMessage) (*Handler, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	bank, err := NewBank(cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{bank: bank, log: logging.Nop()}, nil
}

// SetLogger sets the operational logger.
func (h *Handler) SetLogger(log *slog.Logger) {
	if log != nil {
		h.log = log
	} else {
		h.log = logging.Nop()
	}
}

// Bank exposes the register bank for admin mutations.
func (h *Handler) Bank() *Bank { return h.bank }

// Name implements simulator.Handler.
func (h *Handler) Name() string { return string(simulator.ProtocolModbus) }

// Handle frames one MBAP request off the buffer and executes it. Short
// buffers wait for more data; a corrupt header terminates the connection;
// a malformed PDU body drops that frame and keeps the connection.
func (h *Handler) Handle(buf []byte, state *simulator.State) simulator.Result {
	frame, consumed, err := Decode(buf)
	if err != nil {
		if errors.Is(err, ErrShortFrame) {
			return simulator.NeedMore()
		}
		return simulator.Fail(err)
	}

	resp, err := h.bank.Process(frame)
	if err != nil {
		h.log.Warn("modbus: dropping malformed request",
			"unit", frame.UnitID, "error", err)
		return simulator.NoResponse(consumed)
	}
	return simulator.Respond(resp.Encode(), consumed)
}
