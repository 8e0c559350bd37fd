// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package lrc implements the longitudinal redundancy check of ASCII frames.
package lrc

// Compute returns the two's complement of the sum of all bytes in buf.
func Compute(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return ^sum + 1
}

// Verify reports whether lrc matches the value computed for buf.
func Verify(buf []byte, lrc byte) bool {
	return Compute(buf) == lrc
}
