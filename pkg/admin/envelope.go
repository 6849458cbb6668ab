package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/protosim/protosim/pkg/modbus"
	"github.com/protosim/protosim/pkg/persist"
	"github.com/protosim/protosim/pkg/simulator"
)

// Envelope is the uniform response shape of the admin API. State 0 means
// success; error states carry a human-readable message.
type Envelope struct {
	State   int    `json:"state"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Envelope state codes.
const (
	StateOK           = 0
	StateNotFound     = 30001
	StateInvalidParam = 30003
	StateError        = 30006
)

// writeOK writes a success envelope with optional data.
func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, Envelope{State: StateOK, Message: "success", Data: data})
}

// writeErr writes an error envelope, mapping known error kinds to their
// state codes.
func writeErr(w http.ResponseWriter, err error) {
	state := StateError
	switch {
	case errors.Is(err, simulator.ErrNotFound), errors.Is(err, persist.ErrTemplateNotFound),
		errors.Is(err, modbus.ErrSlaveNotFound), errors.Is(err, modbus.ErrRegisterNotFound):
		state = StateNotFound
	case errors.Is(err, simulator.ErrInvalidConfig):
		state = StateInvalidParam
	}
	writeEnvelope(w, Envelope{State: state, Message: err.Error()})
}

// writeInvalid writes an invalid-parameter envelope with a literal message.
func writeInvalid(w http.ResponseWriter, message string) {
	writeEnvelope(w, Envelope{State: StateInvalidParam, Message: message})
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
