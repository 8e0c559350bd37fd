// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"bytes"
	"errors"
	"testing"
)

func TestDataModel_Bits(t *testing.T) {
	m := NewDataModel()
	// 0b1100_1101, 0b0000_0001 for ten bits
	if err := m.WriteBits(TableCoils, 20, 10, []byte{0xCD, 0x01}); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadBits(TableCoils, 20, 10)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xCD, 0x01}; !bytes.Equal(got, want) {
		t.Errorf("ReadBits = %X, want %X", got, want)
	}
	if !m.Bit(TableCoils, 20) || m.Bit(TableCoils, 21) {
		t.Error("bit order is not LSB first")
	}
	if m.Bit(TableDiscreteInputs, 20) {
		t.Error("coil write leaked into discrete inputs")
	}
}

func TestDataModel_Registers(t *testing.T) {
	m := NewDataModel()
	if err := m.SetRegisters(TableInputRegisters, 65534, 0x1234, 0xABCD); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadRegisters(TableInputRegisters, 65534, 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x12, 0x34, 0xAB, 0xCD}; !bytes.Equal(got, want) {
		t.Errorf("ReadRegisters = %X, want %X", got, want)
	}
	if err := m.WriteRegisters(TableHoldingRegisters, 0, 1, []byte{0x00, 0x2A}); err != nil {
		t.Fatal(err)
	}
	if v := m.Register(TableHoldingRegisters, 0); v != 42 {
		t.Errorf("Register = %d, want 42", v)
	}
}

func TestDataModel_Range(t *testing.T) {
	m := NewDataModel()
	if _, err := m.ReadRegisters(TableHoldingRegisters, 65535, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
	if _, err := m.ReadBits(TableCoils, 0, 0); err == nil {
		t.Error("expected error for zero quantity")
	}
	if err := m.SetRegisters(TableHoldingRegisters, 65535, 1, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetRegisters err = %v, want ErrOutOfRange", err)
	}
}
