// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the transport independent pieces of the Modbus
// application protocol: function codes, exception codes, request limits,
// the protocol data unit and the frame buffer shared by every link.
package modbus

import (
	"errors"
	"fmt"
)

// Function Codes
const (
	// Bit access
	FuncCodeReadCoils          = 0x01
	FuncCodeReadDiscreteInputs = 0x02
	FuncCodeWriteSingleCoil    = 0x05
	FuncCodeWriteMultipleCoils = 0x0F

	// 16-bit access
	FuncCodeReadHoldingRegisters       = 0x03
	FuncCodeReadInputRegisters         = 0x04
	FuncCodeWriteSingleRegister        = 0x06
	FuncCodeWriteMultipleRegisters     = 0x10
	FuncCodeMaskWriteRegister          = 0x16
	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
)

// ExceptionBit is set in the function code of an exception response.
const ExceptionBit = 0x80

// Exception Codes
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// Request limits
const (
	ReadBitsQuantityMin  = 1
	ReadBitsQuantityMax  = 2000 // 0x07D0
	WriteBitsQuantityMin = 1
	WriteBitsQuantityMax = 1968 // 0x07B0
	ReadRegQuantityMin   = 1
	ReadRegQuantityMax   = 125 // 0x007D
	WriteRegQuantityMin  = 1
	WriteRegQuantityMax  = 123 // 0x007B

	// AddressSpace is the number of addressable items per table.
	AddressSpace = 0x10000

	// CoilOn and CoilOff are the only values a single coil write may carry.
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// Frame sizes
const (
	PDUMaxSize = 253 // function code(1) + data(252)

	// MaxADUSize is the largest application data unit of any device type
	// (ASCII: ':' + 2*(address + PDU + LRC) + CRLF).
	MaxADUSize = 513
)

var (
	// ErrChecksum reports a CRC or LRC mismatch.
	ErrChecksum = errors.New("modbus: checksum mismatch")
	// ErrFrameFormat reports a frame that does not follow its device type layout.
	ErrFrameFormat = errors.New("modbus: malformed frame")
	// ErrFrameOverflow reports a write past the capacity of a RawFrame.
	ErrFrameOverflow = errors.New("modbus: frame buffer overflow")
)

// InvalidLengthError reports a byte count or length field outside the protocol bounds.
type InvalidLengthError struct {
	Length int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("modbus: invalid length received: %d", e.Length)
}

// Unwrap lets errors.Is match ErrFrameFormat.
func (e *InvalidLengthError) Unwrap() error {
	return ErrFrameFormat
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU is an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&ExceptionBit != 0
}

// ExceptionName returns a readable name of a Modbus exception code.
func ExceptionName(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// FunctionName returns a readable name of a function code, used in logs and metrics.
func FunctionName(code byte) string {
	switch code &^ ExceptionBit {
	case FuncCodeReadCoils:
		return "read_coils"
	case FuncCodeReadDiscreteInputs:
		return "read_discrete_inputs"
	case FuncCodeReadHoldingRegisters:
		return "read_holding_registers"
	case FuncCodeReadInputRegisters:
		return "read_input_registers"
	case FuncCodeWriteSingleCoil:
		return "write_single_coil"
	case FuncCodeWriteSingleRegister:
		return "write_single_register"
	case FuncCodeWriteMultipleCoils:
		return "write_multiple_coils"
	case FuncCodeWriteMultipleRegisters:
		return "write_multiple_registers"
	default:
		return fmt.Sprintf("function_0x%02x", code&^ExceptionBit)
	}
}

// ResponseDataLength returns the length of the response data (the PDU without
// its function code) announced by the first data byte of a response to
// functionCode. ok is false when the function code is not one whose response
// length can be derived this way.
func ResponseDataLength(functionCode, first byte) (n int, ok bool) {
	if functionCode&ExceptionBit != 0 {
		return 1, true
	}
	switch functionCode {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters:
		return 1 + int(first), true
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		return 4, true
	case FuncCodeMaskWriteRegister:
		return 6, true
	default:
		return 0, false
	}
}
