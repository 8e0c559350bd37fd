// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package framing is the single dispatch point from a modbus.DeviceType to its
// framing strategy.
package framing

import (
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/ascii"
	"github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/modbus/tcp"
)

// For returns the framer of dt.
func For(dt modbus.DeviceType) (modbus.Framer, error) {
	switch dt {
	case modbus.DeviceRTU:
		return rtu.Framer{}, nil
	case modbus.DeviceTCP:
		return tcp.Framer{}, nil
	case modbus.DeviceASCII:
		return ascii.Framer{}, nil
	default:
		return nil, fmt.Errorf("modbus: no framer for device type %v", dt)
	}
}

// RequestFramerFor returns the request delimiting side of the framer of dt.
func RequestFramerFor(dt modbus.DeviceType) (modbus.RequestFramer, error) {
	f, err := For(dt)
	if err != nil {
		return nil, err
	}
	rf, ok := f.(modbus.RequestFramer)
	if !ok {
		return nil, fmt.Errorf("modbus: framer of %v cannot delimit requests", dt)
	}
	return rf, nil
}
