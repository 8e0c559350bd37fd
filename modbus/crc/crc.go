// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the CRC-16/MODBUS checksum of RTU frames.
package crc

// Table of CRC values for polynomial 0xA001 (reflected 0x8005).
var crcTable = func() (t [256]uint16) {
	for i := range t {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return
}()

// CRC accumulates a Modbus CRC16. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

// Reset prepares the accumulator for a new frame.
func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

// PushBytes feeds bs into the checksum.
func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value = crc.value>>8 ^ crcTable[byte(crc.value)^b]
	}
	return crc
}

// Value returns the checksum. On the wire the low byte goes first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC16 of data.
func Checksum(data []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(data).Value()
}
