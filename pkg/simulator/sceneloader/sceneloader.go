// Package sceneloader implements the fixed-frame "scene loader" protocol:
// a 21-byte request selecting a scene number, answered with a 20-byte
// acknowledgement frame.
package sceneloader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/simulator"
)

const (
	requestLen  = 21
	responseLen = 20

	// checksumBias is added to the byte sum before truncation to 16 bits.
	checksumBias = 0x5555

	maxScene = 9

	// CurrentSceneKey is the state value updated on every accepted frame.
	CurrentSceneKey = "current_scene"
)

var (
	requestHeader = []byte{0x55, 0xAA}
	// Fixed request body at offsets 2..18, excluding the scene byte.
	requestBody = []byte{
		0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x01, 0x00,
	}
	responseHeader = []byte{0xAA, 0x55}
	responseBody   = []byte{
		0x00, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x00, 0x00,
	}
)

// Handler is the scene-loader protocol state machine.
type Handler struct {
	simulator.NopLifecycle
	log *slog.Logger
}

// New creates a scene-loader handler.
func New() *Handler {
	return &Handler{log: logging.Nop()}
}

// SetLogger sets the operational logger.
func (h *Handler) SetLogger(log *slog.Logger) {
	if log != nil {
		h.log = log
	} else {
		h.log = logging.Nop()
	}
}

// Name implements simulator.Handler.
func (h *Handler) Name() string { return string(simulator.ProtocolSceneLoader) }

// Handle parses one 21-byte request frame. Short buffers wait for more
// data; header or body mismatches terminate the connection; a bad checksum
// or out-of-range scene is logged but still answered, matching the device
// this simulator impersonates.
func (h *Handler) Handle(buf []byte, state *simulator.State) simulator.Result {
	if len(buf) < requestLen {
		return simulator.NeedMore()
	}

	if !bytes.Equal(buf[0:2], requestHeader) {
		return simulator.Fail(fmt.Errorf("scene_loader: bad header % X", buf[0:2]))
	}
	if !bytes.Equal(buf[2:18], requestBody) {
		return simulator.Fail(fmt.Errorf("scene_loader: bad body % X", buf[2:18]))
	}

	scene := buf[18]
	wantSum := checksum(buf[2:19])
	gotSum := binary.LittleEndian.Uint16(buf[19:21])
	if gotSum != wantSum {
		// The real device answers anyway; preserved deliberately.
		h.log.Warn("scene_loader: checksum mismatch",
			"got", fmt.Sprintf("0x%04X", gotSum),
			"want", fmt.Sprintf("0x%04X", wantSum))
	}
	if scene > maxScene {
		h.log.Warn("scene_loader: scene out of range", "scene", scene)
	}

	state.SetValue(CurrentSceneKey, int(scene)+1)
	return simulator.Respond(Response(), requestLen)
}

// Response builds the fixed 20-byte acknowledgement frame.
func Response() []byte {
	out := make([]byte, responseLen)
	copy(out[0:2], responseHeader)
	copy(out[2:18], responseBody)
	binary.LittleEndian.PutUint16(out[18:20], checksum(responseBody))
	return out
}

// checksum sums the given bytes, adds the protocol bias, and truncates to
// 16 bits.
func checksum(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum + checksumBias)
}
