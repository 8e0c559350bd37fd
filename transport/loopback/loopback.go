// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package loopback implements a virtual transport wired to an in-process
// request handler, usually a simulated slave. Replies are produced on their
// own goroutine and pushed to the receiving side as whole frames, so the
// transport behaves like an event driven link.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
	"github.com/ffutop/modbus-master/transport"
)

// ErrConnectRefused is returned by Connect while RefuseConnect is set.
var ErrConnectRefused = errors.New("loopback: connect refused")

// Fault alters the handling of one request.
type Fault struct {
	// Drop discards the request without a reply.
	Drop bool
	// Corrupt flips the bits of the last reply byte.
	Corrupt bool
	// Exception replies with this exception code instead of calling the handler.
	Exception byte
	// Delay postpones the reply, on top of Transport.Delay.
	Delay time.Duration
	// SlaveID, when not zero, replaces the slave id of the reply.
	SlaveID byte
	// Reply, when set, is sent verbatim instead of the encoded reply.
	Reply []byte
}

type reply struct {
	gen   uint64
	frame []byte
}

// Transport is the loopback transport.
type Transport struct {
	transport.Link

	// Delay postpones every reply.
	Delay time.Duration
	// RefuseConnect makes Connect fail.
	RefuseConnect bool

	dt      modbus.DeviceType
	framer  modbus.Framer
	handler transport.RequestHandler

	mu        sync.Mutex
	connected bool
	gen       uint64
	faults    []Fault
	sent      int
	last      []byte
	inbox     chan reply
	cancel    chan struct{}
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Canceler  = (*Transport)(nil)
	_ transport.Locker    = (*Transport)(nil)
)

// New creates a loopback transport that frames per dt and answers through
// handler.
func New(dt modbus.DeviceType, handler transport.RequestHandler) (*Transport, error) {
	f, err := framing.For(dt)
	if err != nil {
		return nil, err
	}
	return &Transport{
		dt:      dt,
		framer:  f,
		handler: handler,
		inbox:   make(chan reply, 16),
		cancel:  make(chan struct{}, 1),
	}, nil
}

// Inject queues faults applied to the next requests, one fault per request.
func (t *Transport) Inject(faults ...Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, faults...)
}

// Sent returns the number of frames sent so far.
func (t *Transport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// LastFrame returns a copy of the last frame sent.
func (t *Transport) LastFrame() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.last...)
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RefuseConnect {
		return ErrConnectRefused
	}
	t.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	// Replies still in flight belong to a dead link.
	t.gen++
	t.CancelReceive()
	return nil
}

// SendFrame implements transport.Transport.
func (t *Transport) SendFrame(tx *modbus.RawFrame, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return transport.ErrNotConnected
	}
	t.sent++
	t.gen++
	t.last = append(t.last[:0], tx.Bytes()[:length]...)

	// Drop signals left by an earlier transaction.
	select {
	case <-t.cancel:
	default:
	}

	var fault Fault
	if len(t.faults) > 0 {
		fault = t.faults[0]
		t.faults = t.faults[1:]
	}
	req := append([]byte(nil), t.last...)
	go t.serve(t.gen, req, fault, t.Delay+fault.Delay)
	return nil
}

// serve answers one request on behalf of the remote slave.
func (t *Transport) serve(gen uint64, req []byte, fault Fault, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	if fault.Drop {
		return
	}

	frame, err := t.answer(req, fault)
	if err != nil {
		slog.Debug("loopback request not answered", "err", err)
		return
	}
	if fault.Corrupt && len(frame) > 0 {
		frame[len(frame)-1] ^= 0xFF
	}

	select {
	case t.inbox <- reply{gen: gen, frame: frame}:
	default:
		slog.Warn("loopback inbox full, reply dropped")
	}
}

func (t *Transport) answer(req []byte, fault Fault) ([]byte, error) {
	if fault.Reply != nil {
		return append([]byte(nil), fault.Reply...), nil
	}
	h, pdu, err := t.framer.Decode(req)
	if err != nil {
		return nil, err
	}

	var resp modbus.ProtocolDataUnit
	switch {
	case fault.Exception != 0:
		resp = modbus.ProtocolDataUnit{
			FunctionCode: pdu.FunctionCode | modbus.ExceptionBit,
			Data:         []byte{fault.Exception},
		}
	case t.handler == nil:
		return nil, fmt.Errorf("loopback: no handler")
	default:
		resp, err = t.handler(context.Background(), h.SlaveID, pdu)
		if err != nil {
			return nil, err
		}
	}
	if fault.SlaveID != 0 {
		h.SlaveID = fault.SlaveID
	}

	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := t.framer.Encode(h, resp, rx); err != nil {
		return nil, err
	}
	return append([]byte(nil), rx.Bytes()...), nil
}

// ReceiveHeader implements transport.Transport. It delivers the whole frame
// once its header is valid for dt.
func (t *Transport) ReceiveHeader(dt modbus.DeviceType, rx *modbus.RawFrame) error {
	if dt != t.dt {
		return fmt.Errorf("%w: link frames %v, receive asked for %v", modbus.ErrFrameFormat, t.dt, dt)
	}
	for {
		t.mu.Lock()
		connected, gen := t.connected, t.gen
		t.mu.Unlock()
		if !connected {
			return transport.ErrNotConnected
		}

		select {
		case r := <-t.inbox:
			if r.gen != gen {
				slog.Debug("loopback discarding stale reply", "len", len(r.frame))
				continue
			}
			rx.Reset()
			if err := rx.Append(r.frame...); err != nil {
				return err
			}
			if hs := t.framer.HeaderSize(); rx.Len() < hs {
				return &modbus.InvalidLengthError{Length: rx.Len()}
			}
			return t.framer.ValidateHeader(rx.Bytes()[:t.framer.HeaderSize()])
		case <-t.cancel:
			return transport.ErrCanceled
		}
	}
}

// CancelReceive implements transport.Canceler.
func (t *Transport) CancelReceive() {
	select {
	case t.cancel <- struct{}{}:
	default:
	}
}
