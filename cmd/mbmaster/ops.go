// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ffutop/modbus-master/internal/view"
	"github.com/ffutop/modbus-master/master"
)

// op is one command line operation.
type op struct {
	write   bool
	kind    view.Kind
	address uint16
	count   uint16
	values  []uint16
	coil    bool
}

// parseRead parses "kind:address[:count]".
func parseRead(s string) (op, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return op{}, fmt.Errorf("read %q: want kind:address[:count]", s)
	}
	kind, err := view.ParseKind(parts[0])
	if err != nil {
		return op{}, fmt.Errorf("read %q: %w", s, err)
	}
	address, err := parseUint16(parts[1])
	if err != nil {
		return op{}, fmt.Errorf("read %q: %w", s, err)
	}
	count := uint16(1)
	if len(parts) == 3 {
		if count, err = parseUint16(parts[2]); err != nil {
			return op{}, fmt.Errorf("read %q: %w", s, err)
		}
	}
	return op{kind: kind, address: address, count: count}, nil
}

// parseWriteRegister parses "address=value[,value...]".
func parseWriteRegister(s string) (op, error) {
	addr, vals, ok := strings.Cut(s, "=")
	if !ok {
		return op{}, fmt.Errorf("write %q: want address=value[,value...]", s)
	}
	address, err := parseUint16(addr)
	if err != nil {
		return op{}, fmt.Errorf("write %q: %w", s, err)
	}
	var values []uint16
	for _, f := range strings.Split(vals, ",") {
		v, err := parseUint16(f)
		if err != nil {
			return op{}, fmt.Errorf("write %q: %w", s, err)
		}
		values = append(values, v)
	}
	return op{write: true, kind: view.KindHoldingRegisters, address: address, count: uint16(len(values)), values: values}, nil
}

// parseWriteCoil parses "address=on|off".
func parseWriteCoil(s string) (op, error) {
	addr, val, ok := strings.Cut(s, "=")
	if !ok {
		return op{}, fmt.Errorf("write %q: want address=on|off", s)
	}
	address, err := parseUint16(addr)
	if err != nil {
		return op{}, fmt.Errorf("write %q: %w", s, err)
	}
	var on bool
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
	default:
		return op{}, fmt.Errorf("write %q: coil value must be on or off", s)
	}
	return op{write: true, kind: view.KindCoils, address: address, count: 1, coil: on}, nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// run executes o on m and prints the outcome to w.
func (o op) run(m *master.Master, w io.Writer) error {
	if o.write {
		var err error
		switch {
		case o.kind == view.KindCoils:
			err = m.WriteSingleCoil(o.address, o.coil)
		case len(o.values) == 1:
			err = m.WriteSingleRegister(o.address, o.values[0])
		default:
			err = m.WriteMultipleRegisters(o.address, o.count, o.values)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %d: written\n", o.kind, o.address)
		return nil
	}

	switch o.kind {
	case view.KindCoils, view.KindDiscreteInputs:
		dst := make([]bool, o.count)
		read := m.ReadCoils
		if o.kind == view.KindDiscreteInputs {
			read = m.ReadDiscreteInputs
		}
		if err := read(o.address, o.count, dst); err != nil {
			return err
		}
		printRows(w, o.kind.String(), o.address, 8, dst)
	default:
		dst := make([]uint16, o.count)
		read := m.ReadHoldingRegisters
		if o.kind == view.KindInputRegisters {
			read = m.ReadInputRegisters
		}
		if err := read(o.address, o.count, dst); err != nil {
			return err
		}
		printRows(w, o.kind.String(), o.address, 8, dst)
	}
	return nil
}

// printRows prints data in rows of columns items, each row led by the
// address of its first item.
func printRows[T uint16 | bool](w io.Writer, title string, base uint16, columns int, data []T) {
	if columns < 1 {
		columns = 1
	}
	fmt.Fprintf(w, "[%s]\n", title)
	for row := 0; row*columns < len(data); row++ {
		end := (row + 1) * columns
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(w, "%5d:", int(base)+row*columns)
		for _, v := range data[row*columns : end] {
			switch v := any(v).(type) {
			case bool:
				if v {
					fmt.Fprint(w, " 1")
				} else {
					fmt.Fprint(w, " 0")
				}
			default:
				fmt.Fprintf(w, " %5d", v)
			}
		}
		fmt.Fprintln(w)
	}
}
