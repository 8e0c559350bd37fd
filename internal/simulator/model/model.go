// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// ErrOutOfRange is returned for a range outside the address space.
var ErrOutOfRange = errors.New("address range out of bounds")

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableHoldingRegisters:
		return "holding_registers"
	case TableInputRegisters:
		return "input_registers"
	default:
		return fmt.Sprintf("table(%d)", int(t))
	}
}

// DataModel holds the four tables of a simulated slave.
// It uses a simple flat memory model covering the full 16-bit address space.
type DataModel struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 1x Discrete Inputs (Read Only). Stored as 1 (ON) or 0 (OFF).
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		Coils:            make([]byte, MaxAddress+1),
		DiscreteInputs:   make([]byte, MaxAddress+1),
		HoldingRegisters: make([]uint16, MaxAddress+1),
		InputRegisters:   make([]uint16, MaxAddress+1),
	}
}

func (m *DataModel) bits(table TableType) []byte {
	if table == TableDiscreteInputs {
		return m.DiscreteInputs
	}
	return m.Coils
}

func (m *DataModel) words(table TableType) []uint16 {
	if table == TableInputRegisters {
		return m.InputRegisters
	}
	return m.HoldingRegisters
}

// ReadBits returns a range of coils or discrete inputs packed LSB first.
func (m *DataModel) ReadBits(table TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}

	src := m.bits(table)
	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if src[int(address)+i] != 0 {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result, nil
}

// ReadRegisters returns a range of holding or input registers as big endian bytes.
func (m *DataModel) ReadRegisters(table TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}

	src := m.words(table)
	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], src[int(address)+i])
	}
	return result, nil
}

// WriteBits stores quantity bits packed LSB first into coils or discrete inputs.
func (m *DataModel) WriteBits(table TableType, address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < (int(quantity)+7)/8 {
		return fmt.Errorf("insufficient data length")
	}

	dst := m.bits(table)
	for i := 0; i < int(quantity); i++ {
		dst[int(address)+i] = (data[i/8] >> uint(i%8)) & 1
	}
	return nil
}

// WriteRegisters stores big endian register values into holding or input registers.
func (m *DataModel) WriteRegisters(table TableType, address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}

	dst := m.words(table)
	for i := 0; i < int(quantity); i++ {
		dst[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

// SetBit sets one coil or discrete input.
func (m *DataModel) SetBit(table TableType, address uint16, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var v byte
	if on {
		v = 1
	}
	m.bits(table)[address] = v
}

// Bit returns one coil or discrete input.
func (m *DataModel) Bit(table TableType, address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bits(table)[address] != 0
}

// SetRegisters stores values into holding or input registers from address on.
func (m *DataModel) SetRegisters(table TableType, address uint16, values ...uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	if err := validateRange(address, uint16(len(values))); err != nil || len(values) > MaxAddress+1 {
		return ErrOutOfRange
	}
	copy(m.words(table)[address:], values)
	return nil
}

// Register returns one holding or input register.
func (m *DataModel) Register(table TableType, address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.words(table)[address]
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return ErrOutOfRange
	}
	return nil
}
