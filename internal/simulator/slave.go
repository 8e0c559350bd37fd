// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator implements a simulated Modbus slave: a data model, its
// persistence and servers exposing it on a link.
package simulator

import (
	"context"
	"encoding/binary"

	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/internal/simulator/persistence"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Slave implements the Modbus protocol logic on top of a DataModel.
type Slave struct {
	model   *model.DataModel
	storage persistence.Storage
	// ID is the address the slave answers to. Zero answers any address.
	ID byte
}

// NewSlave creates a new Slave. storage may be nil.
func NewSlave(m *model.DataModel, storage persistence.Storage) *Slave {
	if storage == nil {
		storage = persistence.NewMemoryStorage()
	}
	return &Slave{model: m, storage: storage}
}

// Model returns the data model.
func (s *Slave) Model() *model.DataModel {
	return s.model
}

// Close closes the storage.
func (s *Slave) Close() error {
	return s.storage.Close()
}

// Handler adapts the slave to a serving link. Requests addressed to another
// slave are left unanswered.
func (s *Slave) Handler() transport.RequestHandler {
	return func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		if s.ID != 0 && slaveID != s.ID {
			return modbus.ProtocolDataUnit{}, ErrNotAddressed
		}
		return s.Process(pdu)
	}
}

// Process executes the Modbus Function Code against the memory model.
func (s *Slave) Process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.readBits(req, model.TableCoils), nil
	case modbus.FuncCodeReadDiscreteInputs:
		return s.readBits(req, model.TableDiscreteInputs), nil
	case modbus.FuncCodeReadHoldingRegisters:
		return s.readRegisters(req, model.TableHoldingRegisters), nil
	case modbus.FuncCodeReadInputRegisters:
		return s.readRegisters(req, model.TableInputRegisters), nil
	case modbus.FuncCodeWriteSingleCoil:
		return s.writeSingleCoil(req), nil
	case modbus.FuncCodeWriteSingleRegister:
		return s.writeSingleRegister(req), nil
	case modbus.FuncCodeWriteMultipleCoils:
		return s.writeMultiple(req, model.TableCoils, modbus.WriteBitsQuantityMax), nil
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.writeMultiple(req, model.TableHoldingRegisters, modbus.WriteRegQuantityMax), nil
	default:
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (s *Slave) readBits(req modbus.ProtocolDataUnit, table model.TableType) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.ReadBitsQuantityMax {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := s.model.ReadBits(table, address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return withByteCount(req.FunctionCode, data)
}

func (s *Slave) readRegisters(req modbus.ProtocolDataUnit, table model.TableType) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.ReadRegQuantityMax {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := s.model.ReadRegisters(table, address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return withByteCount(req.FunctionCode, data)
}

func (s *Slave) writeSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	var packed byte
	switch value {
	case modbus.CoilOn:
		packed = 1
	case modbus.CoilOff:
	default:
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if err := s.model.WriteBits(model.TableCoils, address, 1, []byte{packed}); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	s.storage.OnWrite(model.TableCoils, address, 1)
	return req // Echo request
}

func (s *Slave) writeSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	if err := s.model.WriteRegisters(model.TableHoldingRegisters, address, 1, req.Data[2:4]); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	s.storage.OnWrite(model.TableHoldingRegisters, address, 1)
	return req // Echo request
}

func (s *Slave) writeMultiple(req modbus.ProtocolDataUnit, table model.TableType, max uint16) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > max {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	want := 2 * int(quantity)
	if table == model.TableCoils {
		want = (int(quantity) + 7) / 8
	}
	if byteCount != want || len(req.Data)-5 != byteCount {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	var err error
	if table == model.TableCoils {
		err = s.model.WriteBits(table, address, quantity, req.Data[5:])
	} else {
		err = s.model.WriteRegisters(table, address, quantity, req.Data[5:])
	}
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	s.storage.OnWrite(table, address, quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         append([]byte(nil), req.Data[0:4]...),
	}
}

func withByteCount(fn byte, data []byte) modbus.ProtocolDataUnit {
	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)
	return modbus.ProtocolDataUnit{FunctionCode: fn, Data: respData}
}

func exception(funcCode byte, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: funcCode | modbus.ExceptionBit,
		Data:         []byte{code},
	}
}
