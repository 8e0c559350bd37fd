// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp implements the Modbus TCP (MBAP) framing:
//
//	Transaction ID  : 2 bytes
//	Protocol ID     : 2 bytes (0)
//	Length          : 2 bytes (unit id + PDU)
//	Unit ID         : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

const (
	MinSize = 8
	MaxSize = 260

	// HeaderSize is the MBAP header length.
	HeaderSize = 7

	minLengthField = 2                     // unit id + function code
	maxLengthField = 1 + modbus.PDUMaxSize // unit id + PDU
)

// Framer implements modbus.Framer and modbus.RequestFramer for MBAP.
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
		return fmt.Errorf("%w: mbap header has %d bytes, need %d", modbus.ErrFrameFormat, len(header), HeaderSize)
	}
	if pid := binary.BigEndian.Uint16(header[2:]); pid != 0 {
		return fmt.Errorf("%w: mbap protocol id '%v'", modbus.ErrFrameFormat, pid)
	}
	if l := int(binary.BigEndian.Uint16(header[4:])); l < minLengthField || l > maxLengthField {
		return &modbus.InvalidLengthError{Length: l}
	}
	return nil
}

// FrameLength implements modbus.Framer.
func (f Framer) FrameLength(header []byte) (int, error) {
	if err := f.ValidateHeader(header); err != nil {
		return 0, err
	}
	return 6 + int(binary.BigEndian.Uint16(header[4:])), nil
}

// RequestHeaderSize implements modbus.RequestFramer.
func (Framer) RequestHeaderSize() int { return HeaderSize }

// RequestLength implements modbus.RequestFramer. Requests and responses share
// the MBAP length field.
func (f Framer) RequestLength(header []byte) (int, error) {
	return f.FrameLength(header)
}

// Encode implements modbus.Framer.
func (Framer) Encode(h modbus.Header, pdu modbus.ProtocolDataUnit, tx *modbus.RawFrame) error {
	length := len(pdu.Data) + MinSize
	if length > MaxSize {
		return fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	tx.Reset()
	var mbap [HeaderSize]byte
	binary.BigEndian.PutUint16(mbap[0:], h.TransactionID)
	binary.BigEndian.PutUint16(mbap[2:], 0)
	binary.BigEndian.PutUint16(mbap[4:], uint16(2+len(pdu.Data)))
	mbap[6] = h.SlaveID
	if err := tx.Append(mbap[:]...); err != nil {
		return err
	}
	if err := tx.Append(pdu.FunctionCode); err != nil {
		return err
	}
	return tx.Append(pdu.Data...)
}

// Decode implements modbus.Framer.
func (f Framer) Decode(raw []byte) (h modbus.Header, pdu modbus.ProtocolDataUnit, err error) {
	if len(raw) < MinSize {
		err = fmt.Errorf("%w: mbap length '%v' does not meet minimum '%v'", modbus.ErrFrameFormat, len(raw), MinSize)
		return
	}
	if err = f.ValidateHeader(raw); err != nil {
		return
	}
	if l := int(binary.BigEndian.Uint16(raw[4:])); l != len(raw)-6 {
		err = fmt.Errorf("%w: mbap length field '%v' does not match frame '%v'", modbus.ErrFrameFormat, l, len(raw)-6)
		return
	}
	h.TransactionID = binary.BigEndian.Uint16(raw[0:])
	h.SlaveID = raw[6]
	pdu.FunctionCode = raw[7]
	pdu.Data = raw[8:]
	return
}
