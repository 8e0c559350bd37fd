// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"log/slog"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/simulator/model"
)

// Storage defines the interface for persisting the simulated slave data model.
type Storage interface {
	// Load loads the data model from storage.
	Load() (*model.DataModel, error)

	// Save saves the current data model to storage.
	Save(model *model.DataModel) error

	// OnWrite is a hook called whenever a range is modified.
	OnWrite(table model.TableType, address, quantity uint16)

	// Close releases the storage.
	Close() error
}

// Open selects a storage per cfg and loads its data model. A backend that
// fails to load falls back to memory storage.
func Open(cfg config.PersistenceConfig) (Storage, *model.DataModel) {
	var storage Storage
	switch cfg.Type {
	case "file":
		slog.Info("Initializing simulator with file persistence", "path", cfg.Path)
		storage = NewFileStorage(cfg.Path)
	case "mmap":
		slog.Info("Initializing simulator with MMAP persistence", "path", cfg.Path)
		storage = NewMmapStorage(cfg.Path)
	default:
		slog.Info("Initializing simulator with memory storage (non-persistent)")
		storage = NewMemoryStorage()
	}

	m, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persistence data", "type", cfg.Type, "err", err)
		slog.Warn("Falling back to MemoryStorage")
		storage = NewMemoryStorage()
		m, _ = storage.Load()
	}
	return storage, m
}
