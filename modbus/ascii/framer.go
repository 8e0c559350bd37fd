// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ascii implements the Modbus ASCII framing:
//
//	Start           : ':'
//	Slave Address   : 2 chars
//	Function        : 2 chars
//	Data            : 0 up to 2x252 chars
//	LRC             : 2 chars
//	End             : CR LF
package ascii

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/lrc"
)

const (
	Start = ':'
	End   = "\r\n"

	MinSize = 9 // ':' + address(2) + function(2) + lrc(2) + CRLF
	MaxSize = modbus.MaxADUSize

	// HeaderSize covers ':', address, function code and the first data byte.
	HeaderSize = 1 + 2*3
	// RequestHeaderSize covers the byte count of write multiple requests.
	RequestHeaderSize = 1 + 2*7
)

// Framer implements modbus.Framer and modbus.RequestFramer for ASCII.
type Framer struct{}

var (
	_ modbus.Framer        = Framer{}
	_ modbus.RequestFramer = Framer{}
)

// frameSize converts the binary length (address, PDU, without LRC) into a character count.
func frameSize(binary int) int {
	return 1 + 2*(binary+1) + len(End)
}

func decodeHeader(header []byte, size int) ([]byte, error) {
	if len(header) < size {
		return nil, fmt.Errorf("%w: ascii header has %d chars, need %d", modbus.ErrFrameFormat, len(header), size)
	}
	if header[0] != Start {
		return nil, fmt.Errorf("%w: ascii frame starts with 0x%02X", modbus.ErrFrameFormat, header[0])
	}
	raw := make([]byte, (size-1)/2)
	if _, err := hex.Decode(raw, header[1:size]); err != nil {
		return nil, fmt.Errorf("%w: %v", modbus.ErrFrameFormat, err)
	}
	return raw, nil
}

// HeaderSize implements modbus.Framer.
func (Framer) HeaderSize() int { return HeaderSize }

// ValidateHeader implements modbus.Framer.
func (Framer) ValidateHeader(header []byte) error {
	raw, err := decodeHeader(header, HeaderSize)
	if err != nil {
		return err
	}
	if _, ok := modbus.ResponseDataLength(raw[1], raw[2]); !ok {
		return fmt.Errorf("%w: ascii function code 0x%02X not handled", modbus.ErrFrameFormat, raw[1])
	}
	return nil
}

// FrameLength implements modbus.Framer.
func (Framer) FrameLength(header []byte) (int, error) {
	raw, err := decodeHeader(header, HeaderSize)
	if err != nil {
		return 0, err
	}
	n, ok := modbus.ResponseDataLength(raw[1], raw[2])
	if !ok {
		return 0, fmt.Errorf("%w: ascii function code 0x%02X not handled", modbus.ErrFrameFormat, raw[1])
	}
	length := frameSize(2 + n)
	if length > MaxSize {
		return 0, &modbus.InvalidLengthError{Length: length}
	}
	return length, nil
}

// RequestHeaderSize implements modbus.RequestFramer.
func (Framer) RequestHeaderSize() int { return RequestHeaderSize }

// RequestLength implements modbus.RequestFramer.
func (Framer) RequestLength(header []byte) (int, error) {
	if len(header) < 5 {
		return 0, fmt.Errorf("%w: ascii request header has %d chars", modbus.ErrFrameFormat, len(header))
	}
	raw, err := decodeHeader(header, 5)
	if err != nil {
		return 0, err
	}
	switch raw[1] {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		return frameSize(6), nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		raw, err = decodeHeader(header, RequestHeaderSize)
		if err != nil {
			return 0, err
		}
		return frameSize(7 + int(raw[6])), nil
	default:
		return 0, fmt.Errorf("%w: unsupported function code: 0x%02X", modbus.ErrFrameFormat, raw[1])
	}
}

// Encode implements modbus.Framer.
func (Framer) Encode(h modbus.Header, pdu modbus.ProtocolDataUnit, tx *modbus.RawFrame) error {
	binary := make([]byte, 0, 2+len(pdu.Data)+1)
	binary = append(binary, h.SlaveID, pdu.FunctionCode)
	binary = append(binary, pdu.Data...)
	binary = append(binary, lrc.Compute(binary))

	tx.Reset()
	if err := tx.Append(Start); err != nil {
		return err
	}
	if err := tx.Append([]byte(strings.ToUpper(hex.EncodeToString(binary)))...); err != nil {
		return err
	}
	return tx.Append([]byte(End)...)
}

// Decode implements modbus.Framer.
func (Framer) Decode(frame []byte) (h modbus.Header, pdu modbus.ProtocolDataUnit, err error) {
	length := len(frame)
	if length < MinSize || frame[0] != Start || string(frame[length-2:]) != End || (length-3)%2 != 0 {
		err = fmt.Errorf("%w: ascii frame '%q'", modbus.ErrFrameFormat, frame)
		return
	}
	raw := make([]byte, (length-3)/2)
	if _, err = hex.Decode(raw, frame[1:length-2]); err != nil {
		err = fmt.Errorf("%w: %v", modbus.ErrFrameFormat, err)
		return
	}
	sum := raw[len(raw)-1]
	if !lrc.Verify(raw[:len(raw)-1], sum) {
		err = fmt.Errorf("%w: lrc '%02x' does not match expected '%02x'", modbus.ErrChecksum, sum, lrc.Compute(raw[:len(raw)-1]))
		return
	}
	h.SlaveID = raw[0]
	pdu.FunctionCode = raw[1]
	pdu.Data = raw[2 : len(raw)-1]
	return
}
