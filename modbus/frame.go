// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "fmt"

// RawFrame is a byte container with a logical length distinct from its
// capacity. It backs both outbound and inbound frames. Content past the
// logical length is undefined and must not be interpreted.
type RawFrame struct {
	buf []byte
	n   int
}

// NewRawFrame allocates a frame buffer able to hold size bytes.
func NewRawFrame(size int) *RawFrame {
	return &RawFrame{buf: make([]byte, size)}
}

// Reset sets the logical length back to zero.
func (f *RawFrame) Reset() {
	f.n = 0
}

// Len returns the logical length.
func (f *RawFrame) Len() int {
	return f.n
}

// Cap returns the capacity.
func (f *RawFrame) Cap() int {
	return len(f.buf)
}

// Bytes returns the content up to the logical length. The slice aliases the
// buffer and is only valid until the next modification.
func (f *RawFrame) Bytes() []byte {
	return f.buf[:f.n]
}

// Append copies p after the logical length.
func (f *RawFrame) Append(p ...byte) error {
	if f.n+len(p) > len(f.buf) {
		return fmt.Errorf("%w: need %d bytes, capacity %d", ErrFrameOverflow, f.n+len(p), len(f.buf))
	}
	f.n += copy(f.buf[f.n:], p)
	return nil
}

// SetLen changes the logical length. Growing exposes bytes that a reader
// filled through Grow.
func (f *RawFrame) SetLen(n int) error {
	if n < 0 || n > len(f.buf) {
		return fmt.Errorf("%w: length %d, capacity %d", ErrFrameOverflow, n, len(f.buf))
	}
	f.n = n
	return nil
}

// Grow returns the n bytes following the logical length so a reader can fill
// them in place. The logical length is unchanged until Commit.
func (f *RawFrame) Grow(n int) ([]byte, error) {
	if n < 0 || f.n+n > len(f.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, capacity %d", ErrFrameOverflow, f.n+n, len(f.buf))
	}
	return f.buf[f.n : f.n+n], nil
}

// Commit extends the logical length by k bytes previously filled through Grow.
func (f *RawFrame) Commit(k int) error {
	return f.SetLen(f.n + k)
}

// CopyFrom replaces the content of f with the content of src.
func (f *RawFrame) CopyFrom(src *RawFrame) error {
	f.Reset()
	return f.Append(src.Bytes()...)
}
