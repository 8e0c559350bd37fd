// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp implements the TCP socket transport. Any device type can run
// over it: MBAP for Modbus TCP, RTU or ASCII frames for serial gateways.
package tcp

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
	"github.com/ffutop/modbus-master/transport"
)

const (
	tcpTimeout = 10 * time.Second
)

// Transport implements transport.Transport over a TCP connection.
type Transport struct {
	transport.Link

	Address     string
	DialTimeout time.Duration
	// ReadTimeout bounds a single blocked read. Zero leaves reads unbounded
	// and relies on CancelReceive.
	ReadTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	canceled  bool
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.PayloadReceiver = (*Transport)(nil)
	_ transport.Canceler        = (*Transport)(nil)
	_ transport.Locker          = (*Transport)(nil)
)

// New allocates and initializes a TCP Transport.
func New(cfg config.TcpConfig) *Transport {
	t := &Transport{
		Address:     cfg.Address,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.IdleTimeout,
	}
	if t.DialTimeout <= 0 {
		t.DialTimeout = tcpTimeout
	}
	return t
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", t.Address, err)
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
	conn, err := t.current()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.canceled = false
	t.mu.Unlock()

	frame := tx.Bytes()[:length]
	slog.Debug("send to modbus slave", "addr", t.Address, "request", hex.EncodeToString(frame))
	if err := conn.SetWriteDeadline(time.Now().Add(t.DialTimeout)); err != nil {
		t.drop(conn)
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	if _, err := conn.Write(frame); err != nil {
		// Close connection on write failure to force reconnect next time
		t.drop(conn)
		return fmt.Errorf("%w: failed to write to connection: %v", transport.ErrNotConnected, err)
	}
	return nil
}

// ReceiveHeader implements transport.Transport.
func (t *Transport) ReceiveHeader(dt modbus.DeviceType, rx *modbus.RawFrame) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	var deadline time.Time
	if t.ReadTimeout > 0 {
		deadline = time.Now().Add(t.ReadTimeout)
	}
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		t.drop(conn)
		return transport.ErrCanceled
	}
	err = conn.SetReadDeadline(deadline)
	t.mu.Unlock()
	if err != nil {
		t.drop(conn)
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	if err := transport.ReadHeader(conn, dt, rx); err != nil {
		// A partial or garbled frame leaves the stream out of sync.
		t.drop(conn)
		return err
	}
	return nil
}

// ReceiveBytes implements transport.PayloadReceiver.
func (t *Transport) ReceiveBytes(rx *modbus.RawFrame, count int) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if err := transport.ReadFull(conn, rx, count); err != nil {
		t.drop(conn)
		return err
	}
	return nil
}

// EndOfFrame implements transport.PayloadReceiver.
func (t *Transport) EndOfFrame(rx *modbus.RawFrame) error {
	slog.Debug("recv from modbus slave", "addr", t.Address, "response", hex.EncodeToString(rx.Bytes()))
	return nil
}

// CancelReceive implements transport.Canceler. The blocked read fails, the
// connection is dropped and a late response can no longer be read.
func (t *Transport) CancelReceive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
	if t.conn != nil {
		_ = t.conn.SetReadDeadline(time.Now())
	}
}

// current returns the connection, redialing one dropped after a failure.
func (t *Transport) current() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, transport.ErrNotConnected
	}
	if err := t.dial(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return t.conn, nil
}

// dial ensures there is an active connection. Caller must hold the mutex.
func (t *Transport) dial(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return err
	}
	slog.Info("connected to modbus slave", "addr", t.Address)
	t.conn = conn
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (t *Transport) close() error {
	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	return err
}

// drop closes conn if it is still the active connection.
func (t *Transport) drop(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		slog.Debug("dropping modbus connection", "addr", t.Address)
		t.close()
	}
}
