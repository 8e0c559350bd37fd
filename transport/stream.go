// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
)

// ReadHeader reads the header of a frame framed per dt from r into rx and
// validates it. It is shared by the stream oriented transports.
func ReadHeader(r io.Reader, dt modbus.DeviceType, rx *modbus.RawFrame) error {
	f, err := framing.For(dt)
	if err != nil {
		return err
	}
	rx.Reset()
	if err := ReadFull(r, rx, f.HeaderSize()); err != nil {
		return err
	}
	return f.ValidateHeader(rx.Bytes())
}

// ReadFull appends exactly count bytes read from r to rx.
func ReadFull(r io.Reader, rx *modbus.RawFrame, count int) error {
	if count <= 0 {
		return nil
	}
	p, err := rx.Grow(count)
	if err != nil {
		return err
	}
	n, err := io.ReadFull(r, p)
	if cerr := rx.Commit(n); cerr != nil {
		return cerr
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps I/O errors onto the package sentinels.
func classify(err error) error {
	var te interface{ Timeout() bool }
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &te) && te.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}
