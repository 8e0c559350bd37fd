// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package master implements the Modbus master transaction engine.
//
// A Master owns one transaction at a time on its transport. Each operation
// validates its input before any I/O, sends one request and waits for the
// matching response up to the configured timeout. Destination buffers are
// written only when the transaction succeeds.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
	"github.com/ffutop/modbus-master/transport"
)

const (
	// DefaultTimeout is the response timeout of a new Master.
	DefaultTimeout = time.Second
	// DefaultSlaveID is the slave addressed by a new Master.
	DefaultSlaveID = 1
	// DefaultAttempts is the number of connect attempts made by ReConnect.
	DefaultAttempts = 1
)

// ConnState is the connection state seen by the engine.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Observer is called once per operation with its outcome.
type Observer func(function byte, code ErrorCode, elapsed time.Duration)

// Option configures a Master.
type Option func(*Master)

// WithDeviceType selects the framing.
func WithDeviceType(dt modbus.DeviceType) Option {
	return func(m *Master) { m.deviceType = dt }
}

// WithSlaveID sets the address of the slave the master talks to.
func WithSlaveID(id byte) Option {
	return func(m *Master) { m.slaveID = id }
}

// WithTimeout sets the response timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Master) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithReconnect sets how many connect attempts ReConnect makes and the pause
// before the second one. Later pauses double, capped at MaxBackoff.
func WithReconnect(attempts int, backoff time.Duration) Option {
	return func(m *Master) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.backoff = backoff
	}
}

// WithObserver installs an observer.
func WithObserver(o Observer) Option {
	return func(m *Master) { m.observer = o }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) {
		if l != nil {
			m.logger = l
		}
	}
}

// Master is a Modbus master bound to one transport.
type Master struct {
	t          transport.Transport
	deviceType modbus.DeviceType
	framer     modbus.Framer
	slaveID    byte
	timeout    time.Duration
	attempts   int
	backoff    time.Duration
	observer   Observer
	logger     *slog.Logger

	// lock serializes transactions and connection changes.
	lock  sync.Locker
	mu    sync.Mutex
	state atomic.Int32
	tid   uint16

	tx *modbus.RawFrame
	rx *modbus.RawFrame
}

// New creates a Master on t. The transport is not connected.
func New(t transport.Transport, opts ...Option) (*Master, error) {
	m := &Master{
		t:          t,
		deviceType: modbus.DeviceRTU,
		slaveID:    DefaultSlaveID,
		timeout:    DefaultTimeout,
		attempts:   DefaultAttempts,
		logger:     slog.Default(),
		tx:         modbus.NewRawFrame(modbus.MaxADUSize),
		rx:         modbus.NewRawFrame(modbus.MaxADUSize),
	}
	for _, opt := range opts {
		opt(m)
	}

	f, err := framing.For(m.deviceType)
	if err != nil {
		return nil, err
	}
	m.framer = f

	m.lock = &m.mu
	if l, ok := t.(transport.Locker); ok {
		m.lock = l.Locker()
	}
	return m, nil
}

// DeviceType returns the framing in use.
func (m *Master) DeviceType() modbus.DeviceType { return m.deviceType }

// SlaveID returns the slave address.
func (m *Master) SlaveID() byte { return m.slaveID }

// State returns the connection state.
func (m *Master) State() ConnState {
	return ConnState(m.state.Load())
}

// IsConnected reports whether the master is connected.
func (m *Master) IsConnected() bool {
	return m.State() == Connected
}

// Connect connects the transport.
func (m *Master) Connect(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connect(ctx)
}

// connect connects the transport. Caller must hold the lock.
func (m *Master) connect(ctx context.Context) error {
	if err := m.t.Connect(ctx); err != nil {
		m.setState(Disconnected)
		return fail(0, NotConnected, err)
	}
	m.setState(Connected)
	return nil
}

// Disconnect disconnects the transport.
func (m *Master) Disconnect() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.setState(Disconnected)
	return m.t.Disconnect()
}

// ReConnect disconnects, then connects again with the configured attempts.
// On failure the master stays disconnected.
func (m *Master) ReConnect(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(m.backoff, attempt-1)
			m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				m.setState(Disconnected)
				return fail(0, NotConnected, ctx.Err())
			case <-time.After(delay):
			}
		}
		if err = transport.ReConnect(ctx, m.t); err == nil {
			m.setState(Connected)
			return nil
		}
		m.logger.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
	m.setState(Disconnected)
	return fail(0, NotConnected, err)
}

func (m *Master) setState(s ConnState) {
	if old := ConnState(m.state.Swap(int32(s))); old != s {
		m.logger.Info("connection state changed", "from", old, "to", s)
	}
}

// MaxBackoff caps the pause between reconnect attempts.
const MaxBackoff = 30 * time.Second

// backoffDelay returns the pause before retry n (1-based).
func backoffDelay(initial time.Duration, n int) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 1; i < n && delay < MaxBackoff; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}

// guard fails fast when the master is not connected.
func (m *Master) guard(fn byte) error {
	if !m.IsConnected() {
		return fail(fn, NotConnected, transport.ErrNotConnected)
	}
	return nil
}

// done reports the outcome to the observer and returns err.
func (m *Master) done(fn byte, start time.Time, err error) error {
	if m.observer != nil {
		m.observer(fn, CodeOf(err), time.Since(start))
	}
	return err
}

// transact runs one request/response exchange and returns a copy of the
// response data.
func (m *Master) transact(req modbus.ProtocolDataUnit) ([]byte, error) {
	fn := req.FunctionCode

	m.lock.Lock()
	defer m.lock.Unlock()

	// Connection may have changed while waiting for the lock.
	if !m.IsConnected() {
		return nil, fail(fn, NotConnected, transport.ErrNotConnected)
	}

	m.tid++
	header := modbus.Header{TransactionID: m.tid, SlaveID: m.slaveID}
	if err := m.framer.Encode(header, req, m.tx); err != nil {
		return nil, fail(fn, IllegalDataValue, err)
	}

	if err := m.t.SendFrame(m.tx, m.tx.Len()); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			m.setState(Disconnected)
		}
		return nil, fail(fn, NotConnected, err)
	}

	received := make(chan error, 1)
	go func() {
		received <- m.receive()
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-received:
	case <-timer.C:
		if c, ok := m.t.(transport.Canceler); ok {
			c.CancelReceive()
		}
		// Whatever the receive produces now belongs to no one.
		<-received
		m.logger.Warn("modbus response timeout", "function", modbus.FunctionName(fn), "slave", m.slaveID, "timeout", m.timeout)
		return nil, fail(fn, Timeout, transport.ErrTimeout)
	}
	if err != nil {
		return nil, m.receiveFailure(fn, err)
	}

	h, resp, err := m.framer.Decode(m.rx.Bytes())
	if err != nil {
		return nil, fail(fn, CrcOrFormatError, err)
	}
	if h.SlaveID != m.slaveID {
		return nil, fail(fn, ResponseMismatch, fmt.Errorf("response slave id '%v' does not match request '%v'", h.SlaveID, m.slaveID))
	}
	if m.deviceType == modbus.DeviceTCP && h.TransactionID != header.TransactionID {
		return nil, fail(fn, ResponseMismatch, fmt.Errorf("response transaction id '%v' does not match request '%v'", h.TransactionID, header.TransactionID))
	}

	switch resp.FunctionCode {
	case fn:
	case fn | modbus.ExceptionBit:
		if len(resp.Data) < 1 {
			return nil, fail(fn, CrcOrFormatError, fmt.Errorf("%w: empty exception response", modbus.ErrFrameFormat))
		}
		code := resp.Data[0]
		m.logger.Debug("modbus exception", "function", modbus.FunctionName(fn), "exception", modbus.ExceptionName(code))
		return nil, fail(fn, exceptionCode(code), fmt.Errorf("exception '%v' (%s)", code, modbus.ExceptionName(code)))
	default:
		return nil, fail(fn, ResponseMismatch, fmt.Errorf("response function '%v' does not match request '%v'", resp.FunctionCode, fn))
	}

	return append([]byte(nil), resp.Data...), nil
}

// receive assembles one response frame into m.rx.
func (m *Master) receive() error {
	m.rx.Reset()
	if err := m.t.ReceiveHeader(m.deviceType, m.rx); err != nil {
		return err
	}
	hs := m.framer.HeaderSize()
	if m.rx.Len() < hs {
		return &modbus.InvalidLengthError{Length: m.rx.Len()}
	}
	total, err := m.framer.FrameLength(m.rx.Bytes()[:hs])
	if err != nil {
		return err
	}
	if remaining := total - m.rx.Len(); remaining > 0 {
		if err := transport.ReceiveBytes(m.t, m.rx, remaining); err != nil {
			return err
		}
	}
	switch {
	case m.rx.Len() < total:
		return fmt.Errorf("%w: frame has %d of %d bytes", modbus.ErrFrameFormat, m.rx.Len(), total)
	case m.rx.Len() > total:
		// Trailing bytes of a datagram are never interpreted.
		if err := m.rx.SetLen(total); err != nil {
			return err
		}
	}
	return transport.EndOfFrame(m.t, m.rx)
}

// receiveFailure classifies an error from the receive stage.
func (m *Master) receiveFailure(fn byte, err error) error {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		m.setState(Disconnected)
		return fail(fn, NotConnected, err)
	case errors.Is(err, modbus.ErrFrameFormat),
		errors.Is(err, modbus.ErrChecksum),
		errors.Is(err, modbus.ErrFrameOverflow):
		return fail(fn, CrcOrFormatError, err)
	default:
		return fail(fn, Timeout, err)
	}
}
