package sceneloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protosim/protosim/pkg/simulator"
)

var (
	goldenRequest = []byte{
		0x55, 0xAA, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x01, 0x00, 0x00, 0xBA, 0x56,
	}
	goldenResponse = []byte{
		0xAA, 0x55, 0x00, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x01, 0x51, 0x13, 0x00, 0x00, 0xB9, 0x56,
	}
)

func TestHappyPath(t *testing.T) {
	h := New()
	state := simulator.NewState()

	res := h.Handle(goldenRequest, state)
	require.Equal(t, simulator.ActionRespond, res.Action)
	assert.Equal(t, goldenResponse, res.Response)
	assert.Equal(t, len(goldenRequest), res.Consumed)

	scene, ok := state.Value(CurrentSceneKey)
	require.True(t, ok)
	assert.Equal(t, 1, scene)
}

func TestShortFrameNeedsMore(t *testing.T) {
	h := New()
	state := simulator.NewState()

	res := h.Handle(goldenRequest[:10], state)
	assert.Equal(t, simulator.ActionNeedMore, res.Action)

	_, ok := state.Value(CurrentSceneKey)
	assert.False(t, ok)
}

func TestBadHeaderFails(t *testing.T) {
	h := New()
	frame := append([]byte(nil), goldenRequest...)
	frame[0] = 0xAA

	res := h.Handle(frame, simulator.NewState())
	assert.Equal(t, simulator.ActionError, res.Action)
	assert.Error(t, res.Err)
}

func TestBadBodyFails(t *testing.T) {
	h := New()
	frame := append([]byte(nil), goldenRequest...)
	frame[4] = 0x00 // corrupt the FE marker

	res := h.Handle(frame, simulator.NewState())
	assert.Equal(t, simulator.ActionError, res.Action)
}

func TestChecksumMismatchStillResponds(t *testing.T) {
	h := New()
	frame := append([]byte(nil), goldenRequest...)
	frame[19] = 0x00
	frame[20] = 0x00

	state := simulator.NewState()
	res := h.Handle(frame, state)
	require.Equal(t, simulator.ActionRespond, res.Action)
	assert.Equal(t, goldenResponse, res.Response)

	scene, _ := state.Value(CurrentSceneKey)
	assert.Equal(t, 1, scene)
}

func TestOutOfRangeSceneStillResponds(t *testing.T) {
	h := New()
	frame := append([]byte(nil), goldenRequest...)
	frame[18] = 0x0C
	// Recompute a valid checksum for the altered scene byte.
	var sum uint32
	for _, b := range frame[2:19] {
		sum += uint32(b)
	}
	cs := uint16(sum + 0x5555)
	frame[19] = byte(cs)
	frame[20] = byte(cs >> 8)

	state := simulator.NewState()
	res := h.Handle(frame, state)
	require.Equal(t, simulator.ActionRespond, res.Action)

	scene, _ := state.Value(CurrentSceneKey)
	assert.Equal(t, 13, scene)
}

func TestSceneSelection(t *testing.T) {
	h := New()
	for scene := byte(0); scene <= 9; scene++ {
		frame := append([]byte(nil), goldenRequest...)
		frame[18] = scene
		var sum uint32
		for _, b := range frame[2:19] {
			sum += uint32(b)
		}
		cs := uint16(sum + 0x5555)
		frame[19] = byte(cs)
		frame[20] = byte(cs >> 8)

		state := simulator.NewState()
		res := h.Handle(frame, state)
		require.Equal(t, simulator.ActionRespond, res.Action, "scene %d", scene)

		got, _ := state.Value(CurrentSceneKey)
		assert.Equal(t, int(scene)+1, got)
	}
}
