// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-master/internal/simulator/model"
)

func backends(b *testing.B) map[string]func() Storage {
	dir := b.TempDir()
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage() },
		"file":   func() Storage { return NewFileStorage(filepath.Join(dir, "bench_file.bin")) },
		"mmap":   func() Storage { return NewMmapStorage(filepath.Join(dir, "bench_mmap.bin")) },
	}
}

// BenchmarkStorage_OnWrite measures the cost of persisting one register write.
func BenchmarkStorage_OnWrite(b *testing.B) {
	for name, open := range backends(b) {
		b.Run(name, func(b *testing.B) {
			s := open()
			m, err := s.Load()
			if err != nil {
				b.Fatalf("Load failed: %v", err)
			}
			defer s.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				m.HoldingRegisters[10] = uint16(i)
				s.OnWrite(model.TableHoldingRegisters, 10, 1)
			}
		})
	}
}

// BenchmarkStorage_Load measures open, size check and mapping.
func BenchmarkStorage_Load(b *testing.B) {
	for name, open := range backends(b) {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				s := open()
				if _, err := s.Load(); err != nil {
					b.Fatalf("Load failed: %v", err)
				}
				s.Close()
			}
		})
	}
}

// BenchmarkDataModel_Write is the in-memory baseline.
func BenchmarkDataModel_Write(b *testing.B) {
	m := model.NewDataModel()
	data := []byte{0x12, 0x34}
	for i := 0; i < b.N; i++ {
		_ = m.WriteRegisters(model.TableHoldingRegisters, 10, 1, data)
	}
}
