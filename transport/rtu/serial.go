// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Default timeout
	serialTimeout     = 500 * time.Millisecond
	serialIdleTimeout = 60 * time.Second
	// pollTimeout bounds a single read of the port.
	pollTimeout = 20 * time.Millisecond
)

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port io.ReadWriteCloser
	// connected is the state requested through Connect/Disconnect. The port
	// itself may be closed while idle and is reopened on the next frame.
	connected bool
	// canceled interrupts the receive in progress at its next poll.
	canceled     bool
	lastActivity time.Time
	closeTimer   *time.Timer
}

// open opens the serial port if it is not open. Caller must hold the mutex.
func (sp *serialPort) open(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sp.port == nil {
		port, err := serial.Open(&sp.Config)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", sp.Config.Address, err)
		}
		sp.port = port
		slog.Info("serial port opened", "device", sp.Config.Address, "baudRate", sp.Config.BaudRate)
	}
	return nil
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (sp *serialPort) close() (err error) {
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

// current returns the open port, reopening it after an idle close.
func (sp *serialPort) current() (io.ReadWriteCloser, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if !sp.connected {
		return nil, nil
	}
	if err := sp.open(context.Background()); err != nil {
		return nil, err
	}
	return sp.port, nil
}

func (sp *serialPort) startCloseTimer() {
	if sp.IdleTimeout <= 0 {
		return
	}
	if sp.closeTimer == nil {
		sp.closeTimer = time.AfterFunc(sp.IdleTimeout, sp.closeIdle)
	} else {
		sp.closeTimer.Reset(sp.IdleTimeout)
	}
}

// closeIdle closes the port if last activity is passed behind IdleTimeout.
func (sp *serialPort) closeIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(sp.lastActivity); idle >= sp.IdleTimeout {
		slog.Debug("closing serial port due to idle timeout", "device", sp.Config.Address, "idle", idle)
		sp.close()
	}
}

// calculateDelay calculates the needed delay to separate frames.
func (sp *serialPort) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if sp.BaudRate <= 0 || sp.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / sp.BaudRate
		frameDelay = 35000000 / sp.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
