// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/ffutop/modbus-master/internal/simulator/model"
)

// Layout of a storage file:
//
//	Coils:            65536 bytes      (offset 0)
//	DiscreteInputs:   65536 bytes      (offset 65536)
//	HoldingRegisters: 65536 * 2 bytes  (offset 131072)
//	InputRegisters:   65536 * 2 bytes  (offset 262144)
const (
	sizeCoils    = model.MaxAddress + 1
	sizeDiscrete = model.MaxAddress + 1
	sizeHolding  = (model.MaxAddress + 1) * 2
	sizeInput    = (model.MaxAddress + 1) * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// mapBytesToModel constructs a DataModel backed by the provided data slice.
// Register tables are reinterpreted in place, so multi-byte values use the
// host's byte order and files are not portable across architectures.
func mapBytesToModel(data []byte) *model.DataModel {
	m := &model.DataModel{}
	m.Coils = data[offsetCoils : offsetCoils+sizeCoils]
	m.DiscreteInputs = data[offsetDiscrete : offsetDiscrete+sizeDiscrete]

	holdingBytes := data[offsetHolding : offsetHolding+sizeHolding]
	m.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), sizeHolding/2)

	inputBytes := data[offsetInput : offsetInput+sizeInput]
	m.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), sizeInput/2)
	return m
}

// region returns the byte span of a table range inside the layout.
func region(table model.TableType, address, quantity uint16) (off, n int) {
	switch table {
	case model.TableCoils:
		return offsetCoils + int(address), int(quantity)
	case model.TableDiscreteInputs:
		return offsetDiscrete + int(address), int(quantity)
	case model.TableHoldingRegisters:
		return offsetHolding + 2*int(address), 2 * int(quantity)
	default:
		return offsetInput + 2*int(address), 2 * int(quantity)
	}
}

// openSized opens path, creating it if necessary, and sizes it to the layout.
func openSized(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}
	return f, nil
}
