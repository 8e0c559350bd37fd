// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4   // address(1) + function(1) + crc(2)
	MaxSize = 256 // address(1) + PDU(253) + crc(2)

	ExceptionSize = 5

	// HeaderSize covers address, function code and the first data byte,
	// which is the byte count of read responses.
	HeaderSize = 3
	// RequestHeaderSize covers the byte count of write multiple requests.
	RequestHeaderSize = 7
)
