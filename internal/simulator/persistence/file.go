// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-master/internal/simulator/model"
)

// FileStorage keeps the data model in memory and writes modified ranges back
// to a file.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load reads the file into memory.
func (fs *FileStorage) Load() (*model.DataModel, error) {
	f, err := openSized(fs.path)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file = f
	fs.data = data
	return mapBytesToModel(data), nil
}

// Save writes the whole layout and syncs it to disk.
func (fs *FileStorage) Save(m *model.DataModel) error {
	return fs.writeRange(0, len(fs.data))
}

// OnWrite writes the modified range back to the file.
func (fs *FileStorage) OnWrite(table model.TableType, address, quantity uint16) {
	off, n := region(table, address, quantity)
	if err := fs.writeRange(off, n); err != nil {
		slog.Error("Failed to sync file", "table", table, "err", err)
	}
}

func (fs *FileStorage) writeRange(off, n int) error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if off < 0 || off+n > len(fs.data) {
		return fmt.Errorf("range %d+%d outside storage", off, n)
	}
	if _, err := fs.file.WriteAt(fs.data[off:off+n], int64(off)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close closes the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
