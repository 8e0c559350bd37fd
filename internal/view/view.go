// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package view binds master reads and writes to tabular data. It keeps the
// data and edit semantics of a grid and leaves rendering to the caller.
package view

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
)

// ErrNotBound is returned by tables that have no master yet.
var ErrNotBound = errors.New("view: table not bound to a master")

// ErrSkipped is returned by edits that were not sent to the slave.
var ErrSkipped = errors.New("view: edit skipped")

// Master is the part of master.Master used by tables.
type Master interface {
	IsConnected() bool
	ReadCoils(address, count uint16, dst []bool) error
	ReadDiscreteInputs(address, count uint16, dst []bool) error
	ReadHoldingRegisters(address, count uint16, dst []uint16) error
	ReadInputRegisters(address, count uint16, dst []uint16) error
	WriteSingleCoil(address uint16, value bool) error
	WriteSingleRegister(address, value uint16) error
	WriteMultipleRegisters(address, count uint16, src []uint16) error
}

// Kind is the Modbus table a view shows.
type Kind int

const (
	KindHoldingRegisters Kind = iota
	KindInputRegisters
	KindCoils
	KindDiscreteInputs
)

func (k Kind) String() string {
	switch k {
	case KindHoldingRegisters:
		return "holding"
	case KindInputRegisters:
		return "input"
	case KindCoils:
		return "coils"
	case KindDiscreteInputs:
		return "discrete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindHoldingRegisters; k <= KindDiscreteInputs; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("view: unknown table kind '%s'", s)
}

// Table is what a Poller refreshes.
type Table interface {
	Title() string
	Kind() Kind
	BaseAddr() uint16
	NumItems() uint16
	Update() error
	LastError() master.ErrorCode
}

// UpdateFunc is called with the changed range of the data. data is the
// whole table and must not be retained.
type UpdateFunc[T any] func(first, count int, data []T)

// grid holds what all tables share.
type grid[T uint16 | bool] struct {
	title    string
	kind     Kind
	baseAddr uint16
	numItems uint16
	columns  int
	max      int
	read     func(m Master, address, count uint16, dst []T) error

	mu       sync.Mutex
	m        Master
	data     []T
	onUpdate UpdateFunc[T]
	// quiet suppresses edits while an update is delivered.
	quiet   atomic.Bool
	lastErr atomic.Int64
}

func newGrid[T uint16 | bool](kind Kind, title string, baseAddr, numItems uint16, itemColumns, max int, read func(Master, uint16, uint16, []T) error) grid[T] {
	if itemColumns < 1 {
		itemColumns = 1
	}
	if title == "" {
		title = fmt.Sprintf("%s@%d", kind, baseAddr)
	}
	return grid[T]{
		title:    title,
		kind:     kind,
		baseAddr: baseAddr,
		numItems: numItems,
		columns:  itemColumns,
		max:      max,
		read:     read,
	}
}

func (g *grid[T]) Title() string    { return g.title }
func (g *grid[T]) Kind() Kind       { return g.kind }
func (g *grid[T]) BaseAddr() uint16 { return g.baseAddr }
func (g *grid[T]) NumItems() uint16 { return g.numItems }
func (g *grid[T]) Columns() int     { return g.columns }

// Rows returns the number of rows needed for all items.
func (g *grid[T]) Rows() int {
	return (int(g.numItems) + g.columns - 1) / g.columns
}

// Bind attaches the table to m and allocates its data.
func (g *grid[T]) Bind(m Master) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m = m
	g.data = make([]T, g.numItems)
}

// OnUpdate installs the update callback.
func (g *grid[T]) OnUpdate(fn UpdateFunc[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUpdate = fn
}

// Data returns a copy of the table data.
func (g *grid[T]) Data() []T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]T(nil), g.data...)
}

// LastError returns the outcome of the last read or write.
func (g *grid[T]) LastError() master.ErrorCode {
	return master.ErrorCode(g.lastErr.Load())
}

func (g *grid[T]) record(err error) error {
	g.lastErr.Store(int64(master.CodeOf(err)))
	return err
}

// CellAddress returns the Modbus address shown at row and col.
func (g *grid[T]) CellAddress(row, col int) uint16 {
	return g.baseAddr + uint16(g.index(row, col))
}

func (g *grid[T]) index(row, col int) int {
	return row*g.columns + col
}

// Update reads the whole table. The data is replaced only when every read
// succeeds, then the update callback runs with edits suppressed.
func (g *grid[T]) Update() error {
	g.mu.Lock()
	m := g.m
	g.mu.Unlock()
	if m == nil {
		return ErrNotBound
	}

	buf := make([]T, g.numItems)
	for off := 0; off < len(buf); off += g.max {
		count := len(buf) - off
		if count > g.max {
			count = g.max
		}
		if err := g.read(m, g.baseAddr+uint16(off), uint16(count), buf[off:off+count]); err != nil {
			return g.record(err)
		}
	}
	g.record(nil)

	g.mu.Lock()
	g.data = buf
	snapshot := append([]T(nil), buf...)
	fn := g.onUpdate
	g.mu.Unlock()

	if fn != nil {
		g.quiet.Store(true)
		fn(0, len(snapshot), snapshot)
		g.quiet.Store(false)
	}
	return nil
}

// SetValue changes one item locally and reports it to the update callback.
// The callback gets a copy of the table.
func (g *grid[T]) SetValue(idx int, v T) error {
	g.mu.Lock()
	if idx < 0 || idx >= len(g.data) {
		g.mu.Unlock()
		return fmt.Errorf("view: index %d out of range [0,%d)", idx, len(g.data))
	}
	g.data[idx] = v
	data, fn := append([]T(nil), g.data...), g.onUpdate
	g.mu.Unlock()

	if fn != nil {
		fn(idx, 1, data)
	}
	return nil
}

// editable returns the master when an edit may be sent.
func (g *grid[T]) editable() (Master, error) {
	g.mu.Lock()
	m := g.m
	g.mu.Unlock()
	if m == nil {
		return nil, ErrNotBound
	}
	if g.quiet.Load() || !m.IsConnected() {
		return nil, ErrSkipped
	}
	return m, nil
}

// HoldingRegisters is a writable register table.
type HoldingRegisters struct {
	grid[uint16]
}

// NewHoldingRegisters creates a holding register table.
func NewHoldingRegisters(title string, baseAddr, numItems uint16, itemColumns int) *HoldingRegisters {
	return &HoldingRegisters{newGrid(KindHoldingRegisters, title, baseAddr, numItems, itemColumns,
		modbus.ReadRegQuantityMax, Master.ReadHoldingRegisters)}
}

// Edit writes values starting at the cell at row and col. One value is
// written with WriteSingleRegister, several with WriteMultipleRegisters.
func (t *HoldingRegisters) Edit(row, col int, values ...uint16) error {
	idx := t.index(row, col)
	if len(values) == 0 || idx < 0 || idx+len(values) > int(t.numItems) {
		return fmt.Errorf("view: edit of %d values at index %d out of range", len(values), idx)
	}
	m, err := t.editable()
	if err != nil {
		return err
	}

	address := t.CellAddress(row, col)
	if len(values) == 1 {
		err = m.WriteSingleRegister(address, values[0])
	} else {
		err = m.WriteMultipleRegisters(address, uint16(len(values)), values)
	}
	if err != nil {
		return t.record(err)
	}
	t.record(nil)

	t.mu.Lock()
	copy(t.data[idx:], values)
	t.mu.Unlock()
	return nil
}

// InputRegisters is a read-only register table.
type InputRegisters struct {
	grid[uint16]
}

// NewInputRegisters creates an input register table.
func NewInputRegisters(title string, baseAddr, numItems uint16, itemColumns int) *InputRegisters {
	return &InputRegisters{newGrid(KindInputRegisters, title, baseAddr, numItems, itemColumns,
		modbus.ReadRegQuantityMax, Master.ReadInputRegisters)}
}

// Coils is a coil table whose cells toggle on click.
type Coils struct {
	grid[bool]
}

// NewCoils creates a coil table.
func NewCoils(title string, baseAddr, numItems uint16, itemColumns int) *Coils {
	return &Coils{newGrid(KindCoils, title, baseAddr, numItems, itemColumns,
		modbus.ReadBitsQuantityMax, Master.ReadCoils)}
}

// Toggle flips the coil at row and col and writes the new state. The local
// value changes even when the write is skipped or fails.
func (t *Coils) Toggle(row, col int) (bool, error) {
	idx := t.index(row, col)
	t.mu.Lock()
	if idx < 0 || idx >= len(t.data) {
		t.mu.Unlock()
		return false, fmt.Errorf("view: index %d out of range [0,%d)", idx, len(t.data))
	}
	value := !t.data[idx]
	t.data[idx] = value
	t.mu.Unlock()

	m, err := t.editable()
	if err != nil {
		return value, err
	}
	return value, t.record(m.WriteSingleCoil(t.CellAddress(row, col), value))
}

// DiscreteInputs is a read-only bit table.
type DiscreteInputs struct {
	grid[bool]
}

// NewDiscreteInputs creates a discrete input table.
func NewDiscreteInputs(title string, baseAddr, numItems uint16, itemColumns int) *DiscreteInputs {
	return &DiscreteInputs{newGrid(KindDiscreteInputs, title, baseAddr, numItems, itemColumns,
		modbus.ReadBitsQuantityMax, Master.ReadDiscreteInputs)}
}

// New creates the table of kind bound to m.
func New(kind Kind, title string, baseAddr, numItems uint16, itemColumns int, m Master) (Table, error) {
	switch kind {
	case KindHoldingRegisters:
		t := NewHoldingRegisters(title, baseAddr, numItems, itemColumns)
		t.Bind(m)
		return t, nil
	case KindInputRegisters:
		t := NewInputRegisters(title, baseAddr, numItems, itemColumns)
		t.Bind(m)
		return t, nil
	case KindCoils:
		t := NewCoils(title, baseAddr, numItems, itemColumns)
		t.Bind(m)
		return t, nil
	case KindDiscreteInputs:
		t := NewDiscreteInputs(title, baseAddr, numItems, itemColumns)
		t.Bind(m)
		return t, nil
	default:
		return nil, fmt.Errorf("view: unknown table kind %v", kind)
	}
}
