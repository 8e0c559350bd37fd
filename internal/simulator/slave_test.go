// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/modbus"
)

func TestSlave_Process(t *testing.T) {
	m := model.NewDataModel()
	m.SetRegisters(model.TableHoldingRegisters, 0, 0x0102, 0x0304)
	m.SetRegisters(model.TableInputRegisters, 10, 0xAAAA)
	m.SetBit(model.TableDiscreteInputs, 2, true)
	s := NewSlave(m, nil)

	tests := []struct {
		name string
		req  []byte // function code + data
		want []byte
	}{
		{"ReadHolding", []byte{0x03, 0x00, 0x00, 0x00, 0x02}, []byte{0x03, 0x04, 0x01, 0x02, 0x03, 0x04}},
		{"ReadInput", []byte{0x04, 0x00, 0x0A, 0x00, 0x01}, []byte{0x04, 0x02, 0xAA, 0xAA}},
		{"ReadDiscrete", []byte{0x02, 0x00, 0x00, 0x00, 0x03}, []byte{0x02, 0x01, 0x04}},
		{"ReadCoils", []byte{0x01, 0x00, 0x00, 0x00, 0x09}, []byte{0x01, 0x02, 0x00, 0x00}},
		{"WriteSingleCoil", []byte{0x05, 0x00, 0x07, 0xFF, 0x00}, []byte{0x05, 0x00, 0x07, 0xFF, 0x00}},
		{"WriteSingleCoilBadValue", []byte{0x05, 0x00, 0x07, 0x12, 0x34}, []byte{0x85, 0x03}},
		{"WriteSingleRegister", []byte{0x06, 0x00, 0x05, 0x00, 0x7B}, []byte{0x06, 0x00, 0x05, 0x00, 0x7B}},
		{"WriteMultipleRegisters", []byte{0x10, 0x00, 0x20, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}, []byte{0x10, 0x00, 0x20, 0x00, 0x02}},
		{"WriteMultipleCoils", []byte{0x0F, 0x00, 0x10, 0x00, 0x0A, 0x02, 0xFF, 0x03}, []byte{0x0F, 0x00, 0x10, 0x00, 0x0A}},
		{"WriteMultipleBadByteCount", []byte{0x10, 0x00, 0x20, 0x00, 0x02, 0x02, 0x00, 0x01}, []byte{0x90, 0x03}},
		{"QuantityZero", []byte{0x03, 0x00, 0x00, 0x00, 0x00}, []byte{0x83, 0x03}},
		{"QuantityTooLarge", []byte{0x03, 0x00, 0x00, 0x00, 0x7E}, []byte{0x83, 0x03}},
		{"AddressOverflow", []byte{0x03, 0xFF, 0xFF, 0x00, 0x02}, []byte{0x83, 0x02}},
		{"IllegalFunction", []byte{0x2B, 0x0E, 0x01, 0x00}, []byte{0xAB, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.Process(modbus.ProtocolDataUnit{FunctionCode: tt.req[0], Data: tt.req[1:]})
			if err != nil {
				t.Fatal(err)
			}
			got := append([]byte{resp.FunctionCode}, resp.Data...)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Process = %X, want %X", got, tt.want)
			}
		})
	}

	if v := m.Register(model.TableHoldingRegisters, 5); v != 123 {
		t.Errorf("holding 5 = %d, want 123", v)
	}
	if !m.Bit(model.TableCoils, 7) {
		t.Error("coil 7 not set")
	}
	// 0xFF, 0x03: coils 16..25 all on
	for a := uint16(16); a < 26; a++ {
		if !m.Bit(model.TableCoils, a) {
			t.Errorf("coil %d not set", a)
		}
	}
	if m.Bit(model.TableCoils, 26) {
		t.Error("coil 26 set beyond quantity")
	}
}

type recordingStorage struct {
	writes []model.TableType
}

func (r *recordingStorage) Load() (*model.DataModel, error) { return model.NewDataModel(), nil }
func (r *recordingStorage) Save(*model.DataModel) error { return nil }
func (r *recordingStorage) Close() error { return nil }
func (r *recordingStorage) OnWrite(table model.TableType, address, quantity uint16) {
	r.writes = append(r.writes, table)
}

func TestSlave_PersistsWrites(t *testing.T) {
	rs := &recordingStorage{}
	s := NewSlave(model.NewDataModel(), rs)

	s.Process(modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x02}})
	s.Process(modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x01, 0x00, 0x00}})
	s.Process(modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x01, 0x00, 0x01}})

	want := []model.TableType{model.TableHoldingRegisters, model.TableCoils}
	if len(rs.writes) != len(want) {
		t.Fatalf("OnWrite calls = %v, want %v", rs.writes, want)
	}
	for i := range want {
		if rs.writes[i] != want[i] {
			t.Errorf("OnWrite[%d] = %v, want %v", i, rs.writes[i], want[i])
		}
	}
}

func TestSlave_Handler(t *testing.T) {
	s := NewSlave(model.NewDataModel(), nil)
	s.ID = 5
	h := s.Handler()
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}

	if _, err := h(context.Background(), 4, pdu); !errors.Is(err, ErrNotAddressed) {
		t.Errorf("err = %v, want ErrNotAddressed", err)
	}
	if _, err := h(context.Background(), 5, pdu); err != nil {
		t.Errorf("err = %v", err)
	}
}
