package custom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protosim/protosim/pkg/simulator"
)

func mustHandler(t *testing.T, cfg string) *Handler {
	t.Helper()
	h, err := New(json.RawMessage(cfg))
	require.NoError(t, err)
	return h
}

func TestPrefixMatch(t *testing.T) {
	h := mustHandler(t, `{
		"name": "ping",
		"rules": [
			{"match": {"type": "prefix", "pattern": "55AA"}, "respond": "AA55"}
		]
	}`)

	res := h.Handle([]byte{0x55, 0xAA, 0x01, 0x02}, simulator.NewState())
	require.Equal(t, simulator.ActionRespond, res.Action)
	assert.Equal(t, []byte{0xAA, 0x55}, res.Response)
	assert.Equal(t, 4, res.Consumed)
}

func TestNoMatchIsSilent(t *testing.T) {
	h := mustHandler(t, `{
		"name": "ping",
		"rules": [
			{"match": {"type": "prefix", "pattern": "55AA"}, "respond": "AA55"}
		]
	}`)

	res := h.Handle([]byte{0x01, 0x02}, simulator.NewState())
	assert.Equal(t, simulator.ActionNone, res.Action)
	assert.Equal(t, 2, res.Consumed)
}

func TestFirstMatchWins(t *testing.T) {
	h := mustHandler(t, `{
		"name": "order",
		"rules": [
			{"match": {"type": "prefix", "pattern": "55"}, "respond": "01"},
			{"match": {"type": "prefix", "pattern": "55AA"}, "respond": "02"}
		]
	}`)

	res := h.Handle([]byte{0x55, 0xAA}, simulator.NewState())
	require.Equal(t, simulator.ActionRespond, res.Action)
	assert.Equal(t, []byte{0x01}, res.Response)
}

func TestHexWildcardMatch(t *testing.T) {
	h := mustHandler(t, `{
		"name": "wild",
		"rules": [
			{"match": {"type": "hex", "pattern": "55??01"}, "respond": "0A"}
		]
	}`)

	res := h.Handle([]byte{0x55, 0xFF, 0x01}, simulator.NewState())
	assert.Equal(t, simulator.ActionRespond, res.Action)

	// Length must match exactly for hex rules.
	res = h.Handle([]byte{0x55, 0xFF, 0x01, 0x00}, simulator.NewState())
	assert.Equal(t, simulator.ActionNone, res.Action)
}

func TestRegexCaptureSubstitution(t *testing.T) {
	h := mustHandler(t, `{
		"name": "echo-id",
		"rules": [
			{"match": {"type": "regex", "pattern": "^55aa(..)"}, "respond": "aa55${1}"}
		]
	}`)

	res := h.Handle([]byte{0x55, 0xAA, 0x7F, 0x00}, simulator.NewState())
	require.Equal(t, simulator.ActionRespond, res.Action)
	assert.Equal(t, []byte{0xAA, 0x55, 0x7F}, res.Response)
}

func TestIgnoreRule(t *testing.T) {
	h := mustHandler(t, `{
		"name": "drop",
		"rules": [
			{"match": {"type": "prefix", "pattern": "DEAD"}, "ignore": true},
			{"match": {"type": "prefix", "pattern": "DE"}, "respond": "01"}
		]
	}`)

	res := h.Handle([]byte{0xDE, 0xAD}, simulator.NewState())
	assert.Equal(t, simulator.ActionNone, res.Action)
}

func TestChecksumVariants(t *testing.T) {
	tests := []struct {
		typ  string
		want []byte
	}{
		{"sum8", []byte{0x01, 0x02, 0x03}},  // sum = 0x06
		{"xor8", []byte{0x01, 0x02, 0x03}},  // xor = 0x00
		{"crc16", []byte{0x01, 0x02, 0x03}}, // crc appended LE
	}

	for _, tt := range tests {
		h := mustHandler(t, `{
			"name": "cs",
			"rules": [{"match": {"type": "prefix", "pattern": "00"}, "respond": "010203"}],
			"checksum": {"type": "`+tt.typ+`"}
		}`)
		res := h.Handle([]byte{0x00}, simulator.NewState())
		require.Equal(t, simulator.ActionRespond, res.Action, tt.typ)

		switch tt.typ {
		case "sum8":
			assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x06}, res.Response)
		case "xor8":
			assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x00}, res.Response)
		case "crc16":
			require.Len(t, res.Response, 5)
			crc := uint16(res.Response[3]) | uint16(res.Response[4])<<8
			assert.Equal(t, crc16([]byte{0x01, 0x02, 0x03}), crc)
		}
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// Standard Modbus RTU reference: CRC of 01 04 02 FF FF is B8 80.
	assert.Equal(t, uint16(0x80B8), crc16([]byte{0x01, 0x04, 0x02, 0xFF, 0xFF}))
}

func TestParseConfigErrors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(json.RawMessage(`{"name": "x", "rules": []}`))
	assert.Error(t, err)

	_, err = New(json.RawMessage(`{"name": "x", "rules": [
		{"match": {"type": "prefix", "pattern": "ZZ"}, "respond": "00"}
	]}`))
	assert.Error(t, err)

	_, err = New(json.RawMessage(`{"name": "x", "rules": [
		{"match": {"type": "regex", "pattern": "(unclosed"}, "respond": "00"}
	]}`))
	assert.Error(t, err)

	_, err = New(json.RawMessage(`{"name": "x",
		"rules": [{"match": {"type": "prefix", "pattern": "00"}, "respond": "00"}],
		"checksum": {"type": "md5"}
	}`))
	assert.Error(t, err)
}
