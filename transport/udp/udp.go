// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package udp implements a datagram transport. One datagram carries one
// whole frame, so ReceiveHeader stores the complete frame.
package udp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
	"github.com/ffutop/modbus-master/transport"
)

// Transport implements transport.Transport over a connected UDP socket.
type Transport struct {
	transport.Link

	Address     string
	ReadTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	canceled  bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Canceler  = (*Transport)(nil)
)

// New allocates and initializes a UDP Transport.
func New(cfg config.TcpConfig) *Transport {
	return &Transport{
		Address:     cfg.Address,
		ReadTimeout: cfg.IdleTimeout,
	}
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return fmt.Errorf("modbus: failed to open udp socket to %s: %w", t.Address, err)
	}
	t.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	return t.close()
}

// SendFrame implements transport.Transport.
func (t *Transport) SendFrame(tx *modbus.RawFrame, length int) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	if err := t.dial(context.Background()); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	conn := t.conn
	t.canceled = false
	t.mu.Unlock()

	frame := tx.Bytes()[:length]
	slog.Debug("send to modbus slave", "addr", t.Address, "request", hex.EncodeToString(frame))
	if _, err := conn.Write(frame); err != nil {
		t.drop(conn)
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return nil
}

// ReceiveHeader implements transport.Transport.
func (t *Transport) ReceiveHeader(dt modbus.DeviceType, rx *modbus.RawFrame) error {
	f, err := framing.For(dt)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	if !t.connected || conn == nil {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	if t.canceled {
		t.mu.Unlock()
		t.drop(conn)
		return transport.ErrCanceled
	}
	var deadline time.Time
	if t.ReadTimeout > 0 {
		deadline = time.Now().Add(t.ReadTimeout)
	}
	err = conn.SetReadDeadline(deadline)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}

	rx.Reset()
	p, err := rx.Grow(rx.Cap())
	if err != nil {
		return err
	}
	n, err := conn.Read(p)
	if err != nil {
		// A late datagram must not reach the next transaction, so the
		// socket is replaced.
		t.drop(conn)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	if err := rx.Commit(n); err != nil {
		return err
	}
	slog.Debug("recv from modbus slave", "addr", t.Address, "response", hex.EncodeToString(rx.Bytes()))

	if rx.Len() < f.HeaderSize() {
		return &modbus.InvalidLengthError{Length: rx.Len()}
	}
	return f.ValidateHeader(rx.Bytes()[:f.HeaderSize()])
}

// CancelReceive implements transport.Canceler.
func (t *Transport) CancelReceive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
	if t.conn != nil {
		_ = t.conn.SetReadDeadline(time.Now())
	}
}

// dial opens the socket if needed. Caller must hold the mutex.
func (t *Transport) dial(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.Address)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// close closes the socket. Caller must hold the mutex.
func (t *Transport) close() error {
	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	return err
}

func (t *Transport) drop(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.close()
	}
}
