// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the link contract a Modbus master drives.
//
// A transport moves whole frames out (SendFrame) and assembles inbound frames
// in two stages: ReceiveHeader obtains the fixed leading portion selected by
// the device type, then the optional PayloadReceiver hooks pull the rest.
// Transports that read synchronously implement the hooks with blocking reads;
// datagram or event driven transports may deliver the whole frame from
// ReceiveHeader and leave the hooks out.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ffutop/modbus-master/modbus"
)

var (
	// ErrNotConnected is returned by I/O on a link that is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout is returned when the transport wait limit elapses.
	ErrTimeout = errors.New("transport: timed out")
	// ErrCanceled is returned by a receive interrupted through CancelReceive.
	ErrCanceled = errors.New("transport: receive canceled")
)

// Transport is the link between a master and one or more slaves.
type Transport interface {
	// Connect establishes the link. Calling it on a connected link is allowed.
	Connect(ctx context.Context) error
	// Disconnect tears the link down. Calling it on a closed link is allowed.
	Disconnect() error
	// SendFrame transmits exactly length bytes of tx without waiting for a reply.
	SendFrame(tx *modbus.RawFrame, length int) error
	// ReceiveHeader waits for the leading portion of a response framed per dt,
	// validates it and stores it into rx. It may store more than the header.
	ReceiveHeader(dt modbus.DeviceType, rx *modbus.RawFrame) error
}

// PayloadReceiver is implemented by transports that pull the rest of a frame
// after its header. Transports without it are expected to deliver complete
// frames from ReceiveHeader.
type PayloadReceiver interface {
	// ReceiveBytes appends count more bytes to rx.
	ReceiveBytes(rx *modbus.RawFrame, count int) error
	// EndOfFrame is called once the declared length has been received.
	EndOfFrame(rx *modbus.RawFrame) error
}

// Canceler is implemented by transports able to interrupt a blocked receive.
type Canceler interface {
	CancelReceive()
}

// Locker is implemented by transports that carry their own transaction lock,
// so that every master sharing the link serializes on it.
type Locker interface {
	Locker() sync.Locker
}

// ReceiveBytes calls t.ReceiveBytes when t implements PayloadReceiver.
func ReceiveBytes(t Transport, rx *modbus.RawFrame, count int) error {
	if pr, ok := t.(PayloadReceiver); ok {
		return pr.ReceiveBytes(rx, count)
	}
	return nil
}

// EndOfFrame calls t.EndOfFrame when t implements PayloadReceiver.
func EndOfFrame(t Transport, rx *modbus.RawFrame) error {
	if pr, ok := t.(PayloadReceiver); ok {
		return pr.EndOfFrame(rx)
	}
	return nil
}

// ReConnect disconnects and connects t again. A failed connect leaves the
// link disconnected.
func ReConnect(ctx context.Context, t Transport) error {
	_ = t.Disconnect()
	return t.Connect(ctx)
}

// Link is embedded by transports to provide the Locker extension.
type Link struct {
	txMu sync.Mutex
}

// Locker implements Locker.
func (l *Link) Locker() sync.Locker {
	return &l.txMu
}

// RequestHandler serves one request PDU addressed to slaveID. It is the
// contract between a serving link and a simulated device.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
