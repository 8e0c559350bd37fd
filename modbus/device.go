// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"strings"
)

// DeviceType selects the framing convention (header layout and checksum) of a
// link. It does not change transport mechanics.
type DeviceType int

const (
	// DeviceRTU is the binary serial line framing: address, PDU, CRC16.
	DeviceRTU DeviceType = iota
	// DeviceTCP is the MBAP framing: transaction id, protocol id, length, unit id, PDU.
	DeviceTCP
	// DeviceASCII is the hex encoded serial line framing: ':', address, PDU, LRC, CRLF.
	DeviceASCII
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceRTU:
		return "rtu"
	case DeviceTCP:
		return "tcp"
	case DeviceASCII:
		return "ascii"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(dt))
	}
}

// ParseDeviceType converts a configuration string into a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rtu", "":
		return DeviceRTU, nil
	case "tcp", "mbap":
		return DeviceTCP, nil
	case "ascii":
		return DeviceASCII, nil
	default:
		return 0, fmt.Errorf("modbus: unknown device type %q", s)
	}
}

// Header carries the addressing fields wrapped around a PDU. TransactionID is
// only meaningful for DeviceTCP.
type Header struct {
	TransactionID uint16
	SlaveID       byte
}

// Framer is the framing strategy of one DeviceType.
type Framer interface {
	// HeaderSize is the fixed leading portion needed to determine the frame length.
	HeaderSize() int
	// ValidateHeader checks that header (HeaderSize bytes) is well formed.
	ValidateHeader(header []byte) error
	// FrameLength returns the total length of the response frame introduced by header.
	FrameLength(header []byte) (int, error)
	// Encode writes the complete frame for pdu into tx.
	Encode(h Header, pdu ProtocolDataUnit, tx *RawFrame) error
	// Decode checks the integrity of a complete frame and splits it.
	Decode(frame []byte) (Header, ProtocolDataUnit, error)
}

// RequestFramer is implemented by framers that can also delimit requests,
// which the serving side of a link needs.
type RequestFramer interface {
	// RequestHeaderSize is the leading portion needed to determine a request length.
	RequestHeaderSize() int
	// RequestLength returns the total length of the request introduced by header.
	RequestLength(header []byte) (int, error)
}
