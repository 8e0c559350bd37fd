// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the Modbus RTU framing:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes (low byte first)
package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
)

// Framer implements modbus.Framer and modbus.RequestFramer for RTU.
type Framer struct{}

var (
	_ modbus.Framer        = Framer{}
	_ modbus.RequestFramer = Framer{}
)

// HeaderSize implements modbus.Framer.
func (Framer) HeaderSize() int { return HeaderSize }

// ValidateHeader implements modbus.Framer.
func (Framer) ValidateHeader(header []byte) error {
	if len(header) < HeaderSize {
		return fmt.Errorf("%w: rtu header has %d bytes, need %d", modbus.ErrFrameFormat, len(header), HeaderSize)
	}
	if _, ok := modbus.ResponseDataLength(header[1], header[2]); !ok {
		return fmt.Errorf("%w: rtu function code 0x%02X not handled", modbus.ErrFrameFormat, header[1])
	}
	return nil
}

// FrameLength implements modbus.Framer.
func (f Framer) FrameLength(header []byte) (int, error) {
	if err := f.ValidateHeader(header); err != nil {
		return 0, err
	}
	n, _ := modbus.ResponseDataLength(header[1], header[2])
	length := 2 + n + 2
	if length > MaxSize {
		return 0, &modbus.InvalidLengthError{Length: length}
	}
	return length, nil
}

// RequestHeaderSize implements modbus.RequestFramer.
func (Framer) RequestHeaderSize() int { return RequestHeaderSize }

// RequestLength returns the expected total length of the request RTU ADU based on the header.
func (Framer) RequestLength(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, fmt.Errorf("%w: rtu request header has %d bytes", modbus.ErrFrameFormat, len(header))
	}
	funcCode := header[1]
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < RequestHeaderSize {
			return 0, fmt.Errorf("need %d bytes to determine length for 0x%02X, got %d", RequestHeaderSize, funcCode, len(header))
		}
		return RequestHeaderSize + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("%w: unsupported function code: 0x%02X", modbus.ErrFrameFormat, funcCode)
	}
}

// Encode implements modbus.Framer.
func (Framer) Encode(h modbus.Header, pdu modbus.ProtocolDataUnit, tx *modbus.RawFrame) error {
	length := len(pdu.Data) + 4
	if length > MaxSize {
		return fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	tx.Reset()
	if err := tx.Append(h.SlaveID, pdu.FunctionCode); err != nil {
		return err
	}
	if err := tx.Append(pdu.Data...); err != nil {
		return err
	}
	checksum := crc.Checksum(tx.Bytes())
	return tx.Append(byte(checksum), byte(checksum>>8))
}

// Decode implements modbus.Framer.
func (Framer) Decode(raw []byte) (h modbus.Header, pdu modbus.ProtocolDataUnit, err error) {
	length := len(raw)
	if length < MinSize {
		err = fmt.Errorf("%w: rtu length '%v' does not meet minimum '%v'", modbus.ErrFrameFormat, length, MinSize)
		return
	}
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[:length-2]); checksum != expected {
		err = fmt.Errorf("%w: crc '%04x' does not match expected '%04x'", modbus.ErrChecksum, checksum, expected)
		return
	}
	h.SlaveID = raw[0]
	pdu.FunctionCode = raw[1]
	pdu.Data = raw[2 : length-2]
	return
}
