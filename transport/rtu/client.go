// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the serial line transport.
package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Transport drives a serial line. Any device type can run over it, usually
// RTU or ASCII.
type Transport struct {
	transport.Link
	serialPort

	// RqstPause is the minimal silence kept between the end of a response and
	// the next request.
	RqstPause time.Duration
	// ReadTimeout bounds each receive step of a response.
	ReadTimeout time.Duration
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.PayloadReceiver = (*Transport)(nil)
	_ transport.Locker          = (*Transport)(nil)
	_ transport.Canceler        = (*Transport)(nil)
)

// New allocates and initializes a serial Transport.
func New(cfg config.SerialConfig) *Transport {
	t := &Transport{RqstPause: cfg.RqstPause, ReadTimeout: cfg.Timeout}
	if t.ReadTimeout <= 0 {
		t.ReadTimeout = serialTimeout
	}

	t.serialPort.Config.Address = cfg.Device
	t.serialPort.Config.BaudRate = cfg.BaudRate
	t.serialPort.Config.DataBits = cfg.DataBits
	t.serialPort.Config.StopBits = cfg.StopBits
	t.serialPort.Config.Parity = cfg.Parity
	t.serialPort.Config.Timeout = pollTimeout
	if cfg.RS485 {
		t.serialPort.Config.RS485.Enabled = true
		t.serialPort.Config.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		t.serialPort.Config.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		t.serialPort.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		t.serialPort.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		t.serialPort.Config.RS485.RxDuringTx = cfg.RxDuringTx
	}

	t.IdleTimeout = serialIdleTimeout
	return t
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(ctx); err != nil {
		return err
	}
	t.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	if t.closeTimer != nil {
		t.closeTimer.Stop()
	}
	return t.close()
}

// SendFrame implements transport.Transport.
func (t *Transport) SendFrame(tx *modbus.RawFrame, length int) error {
	port, err := t.current()
	if err != nil {
		return err
	}
	if port == nil {
		return transport.ErrNotConnected
	}

	t.mu.Lock()
	last := t.lastActivity
	t.canceled = false
	t.mu.Unlock()

	// Bytes of an abandoned response must not answer this request.
	t.drain(port)
	if wait := time.Until(last.Add(t.RqstPause)); wait > 0 {
		time.Sleep(wait)
	}

	frame := tx.Bytes()[:length]
	slog.Debug("send to modbus slave", "device", t.Config.Address, "request", hex.EncodeToString(frame))
	if _, err := port.Write(frame); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastActivity = time.Now()
	t.startCloseTimer()
	t.mu.Unlock()

	// Let the request leave the wire before listening.
	time.Sleep(t.calculateDelay(length))
	return nil
}

// ReceiveHeader implements transport.Transport.
func (t *Transport) ReceiveHeader(dt modbus.DeviceType, rx *modbus.RawFrame) error {
	r, err := t.reader()
	if err != nil {
		return err
	}
	return t.failed(r, transport.ReadHeader(r, dt, rx))
}

// ReceiveBytes implements transport.PayloadReceiver.
func (t *Transport) ReceiveBytes(rx *modbus.RawFrame, count int) error {
	r, err := t.reader()
	if err != nil {
		return err
	}
	return t.failed(r, transport.ReadFull(r, rx, count))
}

// CancelReceive implements transport.Canceler. The blocked receive returns
// transport.ErrCanceled at its next poll of the port.
func (t *Transport) CancelReceive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
}

// EndOfFrame implements transport.PayloadReceiver.
func (t *Transport) EndOfFrame(rx *modbus.RawFrame) error {
	slog.Debug("recv from modbus slave", "device", t.Config.Address, "response", hex.EncodeToString(rx.Bytes()))
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *Transport) reader() (*lineReader, error) {
	port, err := t.current()
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, transport.ErrNotConnected
	}
	return &lineReader{t: t, port: port, deadline: time.Now().Add(t.ReadTimeout)}, nil
}

// failed drains the line after a receive that timed out or broke off in the
// middle of a frame.
func (t *Transport) failed(r *lineReader, err error) error {
	if err != nil && !errors.Is(err, transport.ErrCanceled) && !errors.Is(err, transport.ErrNotConnected) {
		t.drain(r.port)
	}
	return err
}

// drain discards whatever the line holds until a poll comes back empty.
func (t *Transport) drain(port io.Reader) {
	buf := make([]byte, modbus.MaxADUSize)
	deadline := time.Now().Add(t.ReadTimeout)
	discarded := 0
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		discarded += n
		if n == 0 || err != nil {
			break
		}
	}
	if discarded > 0 {
		slog.Debug("discarded stale bytes", "device", t.Config.Address, "count", discarded)
	}
}

// lineReader reads a port whose reads return after pollTimeout. It keeps
// polling until data arrives, the deadline passes or the receive is canceled.
type lineReader struct {
	t        *Transport
	port     io.Reader
	deadline time.Time
}

func (r *lineReader) Read(p []byte) (int, error) {
	for {
		r.t.mu.Lock()
		canceled := r.t.canceled
		r.t.mu.Unlock()
		if canceled {
			return 0, transport.ErrCanceled
		}

		n, err := r.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !quiet(err) {
			return 0, err
		}
		if !time.Now().Before(r.deadline) {
			return 0, fmt.Errorf("%w: no data within %v", transport.ErrTimeout, r.t.ReadTimeout)
		}
	}
}

// quiet reports whether err only means the line had nothing to read.
func quiet(err error) bool {
	var te interface{ Timeout() bool }
	return errors.Is(err, serial.ErrTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.As(err, &te) && te.Timeout()
}
