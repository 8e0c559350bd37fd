// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ffutop/modbus-master/modbus"
)

// checkRange validates quantity and address range of a request.
func checkRange(fn byte, address, count uint16, max int) error {
	if count == 0 || int(count) > max {
		return fail(fn, IllegalDataValue, fmt.Errorf("quantity '%v' must be between '%v' and '%v'", count, 1, max))
	}
	if int(address)+int(count) > modbus.AddressSpace {
		return fail(fn, IllegalDataAddress, fmt.Errorf("range '%v'+'%v' exceeds the address space", address, count))
	}
	return nil
}

func checkBuffer(fn byte, have int, count uint16) error {
	if have < int(count) {
		return fail(fn, IllegalDataValue, fmt.Errorf("buffer holds '%v' items, need '%v'", have, count))
	}
	return nil
}

func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

// packBits packs bits LSB first in ascending address order.
func packBits(src []bool) []byte {
	out := make([]byte, (len(src)+7)/8)
	for i, on := range src {
		if on {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// ReadCoils reads count coils starting at address into dst.
func (m *Master) ReadCoils(address, count uint16, dst []bool) error {
	return m.readBits(modbus.FuncCodeReadCoils, address, count, dst)
}

// ReadDiscreteInputs reads count discrete inputs starting at address into dst.
func (m *Master) ReadDiscreteInputs(address, count uint16, dst []bool) error {
	return m.readBits(modbus.FuncCodeReadDiscreteInputs, address, count, dst)
}

func (m *Master) readBits(fn byte, address, count uint16, dst []bool) error {
	start := time.Now()
	if err := m.guard(fn); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkRange(fn, address, count, modbus.ReadBitsQuantityMax); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkBuffer(fn, len(dst), count); err != nil {
		return m.done(fn, start, err)
	}

	data, err := m.transact(modbus.ProtocolDataUnit{FunctionCode: fn, Data: dataBlock(address, count)})
	if err != nil {
		return m.done(fn, start, err)
	}
	want := (int(count) + 7) / 8
	if len(data) != 1+want || int(data[0]) != want {
		return m.done(fn, start, fail(fn, ResponseMismatch, fmt.Errorf("response byte count '%v' does not match quantity '%v'", len(data)-1, count)))
	}
	for i := 0; i < int(count); i++ {
		dst[i] = data[1+i/8]&(1<<(uint(i)%8)) != 0
	}
	return m.done(fn, start, nil)
}

// ReadHoldingRegisters reads count holding registers starting at address into dst.
func (m *Master) ReadHoldingRegisters(address, count uint16, dst []uint16) error {
	return m.readRegisters(modbus.FuncCodeReadHoldingRegisters, address, count, dst)
}

// ReadInputRegisters reads count input registers starting at address into dst.
func (m *Master) ReadInputRegisters(address, count uint16, dst []uint16) error {
	return m.readRegisters(modbus.FuncCodeReadInputRegisters, address, count, dst)
}

func (m *Master) readRegisters(fn byte, address, count uint16, dst []uint16) error {
	start := time.Now()
	if err := m.guard(fn); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkRange(fn, address, count, modbus.ReadRegQuantityMax); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkBuffer(fn, len(dst), count); err != nil {
		return m.done(fn, start, err)
	}

	data, err := m.transact(modbus.ProtocolDataUnit{FunctionCode: fn, Data: dataBlock(address, count)})
	if err != nil {
		return m.done(fn, start, err)
	}
	want := 2 * int(count)
	if len(data) != 1+want || int(data[0]) != want {
		return m.done(fn, start, fail(fn, ResponseMismatch, fmt.Errorf("response byte count '%v' does not match quantity '%v'", len(data)-1, count)))
	}
	for i := 0; i < int(count); i++ {
		dst[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return m.done(fn, start, nil)
}

// WriteSingleCoil forces one coil.
func (m *Master) WriteSingleCoil(address uint16, value bool) error {
	fn := byte(modbus.FuncCodeWriteSingleCoil)
	v := uint16(modbus.CoilOff)
	if value {
		v = modbus.CoilOn
	}
	return m.writeSingle(fn, address, v)
}

// WriteSingleRegister writes one holding register.
func (m *Master) WriteSingleRegister(address, value uint16) error {
	return m.writeSingle(modbus.FuncCodeWriteSingleRegister, address, value)
}

func (m *Master) writeSingle(fn byte, address, value uint16) error {
	start := time.Now()
	if err := m.guard(fn); err != nil {
		return m.done(fn, start, err)
	}

	data, err := m.transact(modbus.ProtocolDataUnit{FunctionCode: fn, Data: dataBlock(address, value)})
	if err != nil {
		return m.done(fn, start, err)
	}
	if err := checkEcho(fn, data, address, value); err != nil {
		return m.done(fn, start, err)
	}
	return m.done(fn, start, nil)
}

// WriteMultipleCoils forces count coils starting at address from src.
func (m *Master) WriteMultipleCoils(address, count uint16, src []bool) error {
	fn := byte(modbus.FuncCodeWriteMultipleCoils)
	start := time.Now()
	if err := m.guard(fn); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkRange(fn, address, count, modbus.WriteBitsQuantityMax); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkBuffer(fn, len(src), count); err != nil {
		return m.done(fn, start, err)
	}

	req := dataBlockSuffix(packBits(src[:count]), address, count)
	data, err := m.transact(modbus.ProtocolDataUnit{FunctionCode: fn, Data: req})
	if err != nil {
		return m.done(fn, start, err)
	}
	if err := checkEcho(fn, data, address, count); err != nil {
		return m.done(fn, start, err)
	}
	return m.done(fn, start, nil)
}

// WriteMultipleRegisters writes count holding registers starting at address from src.
func (m *Master) WriteMultipleRegisters(address, count uint16, src []uint16) error {
	fn := byte(modbus.FuncCodeWriteMultipleRegisters)
	start := time.Now()
	if err := m.guard(fn); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkRange(fn, address, count, modbus.WriteRegQuantityMax); err != nil {
		return m.done(fn, start, err)
	}
	if err := checkBuffer(fn, len(src), count); err != nil {
		return m.done(fn, start, err)
	}

	req := dataBlockSuffix(dataBlock(src[:count]...), address, count)
	data, err := m.transact(modbus.ProtocolDataUnit{FunctionCode: fn, Data: req})
	if err != nil {
		return m.done(fn, start, err)
	}
	if err := checkEcho(fn, data, address, count); err != nil {
		return m.done(fn, start, err)
	}
	return m.done(fn, start, nil)
}

// checkEcho verifies the address and value/quantity echoed by a write response.
func checkEcho(fn byte, data []byte, address, value uint16) error {
	if len(data) != 4 {
		return fail(fn, ResponseMismatch, fmt.Errorf("response data size '%v' does not match expected '%v'", len(data), 4))
	}
	if got := binary.BigEndian.Uint16(data); got != address {
		return fail(fn, ResponseMismatch, fmt.Errorf("response address '%v' does not match request '%v'", got, address))
	}
	if got := binary.BigEndian.Uint16(data[2:]); got != value {
		return fail(fn, ResponseMismatch, fmt.Errorf("response value '%v' does not match request '%v'", got, value))
	}
	return nil
}
