package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MBAP header is 7 bytes: transaction id, protocol id, length, unit id.
const mbapHeaderLen = 7

// Function codes handled by the bank.
const (
	FuncReadCoils          = 0x01
	FuncReadDiscreteInputs = 0x02
	FuncReadHolding        = 0x03
	FuncReadInput          = 0x04
	FuncWriteSingleCoil    = 0x05
	FuncWriteSingleReg     = 0x06
	FuncWriteMultiCoils    = 0x0F
	FuncWriteMultiRegs     = 0x10
)

// Exception codes.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionGatewayTargetFail  = 0x0B
)

// ErrShortFrame is returned while a full MBAP frame has not yet arrived.
var ErrShortFrame = errors.New("modbus: incomplete frame")

// Frame is one decoded MBAP request or response.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16
	UnitID        uint8
	PDU           []byte // function code + data
}

// Decode parses one MBAP frame from the front of buf. It returns the frame
// and the number of bytes consumed. ErrShortFrame means more data is needed;
// any other error means the stream is unrecoverable.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < mbapHeaderLen {
		return nil, 0, ErrShortFrame
	}
	txn := binary.BigEndian.Uint16(buf[0:2])
	proto := binary.BigEndian.Uint16(buf[2:4])
	length := binary.BigEndian.Uint16(buf[4:6])

	if proto != 0 {
		return nil, 0, fmt.Errorf("modbus: bad protocol id %d", proto)
	}
	if length < 2 {
		return nil, 0, fmt.Errorf("modbus: bad length field %d", length)
	}

	total := 6 + int(length)
	if len(buf) < total {
		return nil, 0, ErrShortFrame
	}

	frame := &Frame{
		TransactionID: txn,
		ProtocolID:    proto,
		UnitID:        buf[6],
		PDU:           append([]byte(nil), buf[7:total]...),
	}
	return frame, total, nil
}

// Encode serializes the frame, computing the MBAP length field from the PDU.
func (f *Frame) Encode() []byte {
	out := make([]byte, mbapHeaderLen+len(f.PDU))
	binary.BigEndian.PutUint16(out[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(out[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(out[4:6], uint16(1+len(f.PDU)))
	out[6] = f.UnitID
	copy(out[7:], f.PDU)
	return out
}

// exceptionPDU builds an exception PDU for the given request function code.
func exceptionPDU(function, code byte) []byte {
	return []byte{function | 0x80, code}
}
