// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	rtupacket "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// mockPort behaves like a serial port opened with a short read timeout.
// Each write queues the next canned reply, a nil reply queues nothing.
type mockPort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	written bytes.Buffer
	replies [][]byte
	closed  bool
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.in.Len() == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, serial.ErrTimeout
	}
	defer m.mu.Unlock()
	return m.in.Read(p)
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written.Write(p)
	if len(m.replies) > 0 {
		m.in.Write(m.replies[0])
		m.replies = m.replies[1:]
	}
	return len(p), nil
}

// feed puts bytes on the line as if the slave sent them unprompted.
func (m *mockPort) feed(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in.Write(b)
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func withCRC(b []byte) []byte {
	sum := crc.Checksum(b)
	return append(b, byte(sum), byte(sum>>8))
}

func newMockTransport(replies ...[]byte) (*Transport, *mockPort) {
	mock := &mockPort{replies: replies}

	tr := New(config.SerialConfig{BaudRate: 19200})
	tr.port = mock
	tr.connected = true
	tr.IdleTimeout = 0
	tr.RqstPause = 0
	tr.ReadTimeout = 50 * time.Millisecond
	return tr, mock
}

func readRequest(t *testing.T, address uint16) *modbus.RawFrame {
	t.Helper()
	var framer rtupacket.Framer
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{byte(address >> 8), byte(address), 0x00, 0x01}}
	if err := framer.Encode(modbus.Header{SlaveID: 1}, pdu, tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

// receiveFrame reads one RTU response the way the master does.
func receiveFrame(tr *Transport) (*modbus.RawFrame, error) {
	var framer rtupacket.Framer
	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := tr.ReceiveHeader(modbus.DeviceRTU, rx); err != nil {
		return rx, err
	}
	total, err := framer.FrameLength(rx.Bytes())
	if err != nil {
		return rx, err
	}
	if err := tr.ReceiveBytes(rx, total-rx.Len()); err != nil {
		return rx, err
	}
	return rx, tr.EndOfFrame(rx)
}

func TestTransport_SendAndReceive(t *testing.T) {
	respADU := withCRC([]byte{0x01, 0x03, 0x02, 0xAA, 0xBB})
	tr, mock := newMockTransport(respADU)

	tx := readRequest(t, 0)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	if want := withCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}); !bytes.Equal(mock.written.Bytes(), want) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", want, mock.written.Bytes())
	}

	rx, err := receiveFrame(tr)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(rx.Bytes(), respADU) {
		t.Errorf("Response mismatch.\nWant: %X\nGot:  %X", respADU, rx.Bytes())
	}
}

func TestTransport_ShortResponse(t *testing.T) {
	tr, mock := newMockTransport()
	mock.feed([]byte{0x01, 0x03, 0x04, 0x00})

	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := tr.ReceiveHeader(modbus.DeviceRTU, rx); err != nil {
		t.Fatal(err)
	}
	err := tr.ReceiveBytes(rx, 6)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout on truncated frame", err)
	}
	if rx.Len() != 4 {
		t.Errorf("partial bytes = %d, want 4", rx.Len())
	}
}

func TestTransport_DiscardsLateReply(t *testing.T) {
	stale := withCRC([]byte{0x01, 0x03, 0x02, 0x11, 0x11})
	fresh := withCRC([]byte{0x01, 0x03, 0x02, 0x22, 0x22})
	tr, mock := newMockTransport(nil, fresh)

	tx := readRequest(t, 0)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	if _, err := receiveFrame(tr); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("first receive err = %v, want ErrTimeout", err)
	}

	// The slave answers the first request after the master gave up.
	mock.feed(stale)

	tx = readRequest(t, 10)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	rx, err := receiveFrame(tr)
	if err != nil {
		t.Fatalf("second receive failed: %v", err)
	}
	if !bytes.Equal(rx.Bytes(), fresh) {
		t.Errorf("second response = %X, want %X", rx.Bytes(), fresh)
	}
}

func TestTransport_DrainAfterBrokenFrame(t *testing.T) {
	tr, mock := newMockTransport()
	// Unknown function code, followed by the rest of the garbled frame.
	mock.feed([]byte{0x01, 0x55, 0x00, 0xDE, 0xAD, 0xBE, 0xEF})

	if _, err := receiveFrame(tr); !errors.Is(err, modbus.ErrFrameFormat) {
		t.Fatalf("err = %v, want ErrFrameFormat", err)
	}
	mock.mu.Lock()
	left := mock.in.Len()
	mock.mu.Unlock()
	if left != 0 {
		t.Errorf("%d bytes left on the line", left)
	}
}

func TestTransport_CancelReceive(t *testing.T) {
	tr, _ := newMockTransport()
	tr.ReadTimeout = 5 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := receiveFrame(tr)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.CancelReceive()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrCanceled) {
			t.Errorf("err = %v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive not interrupted by CancelReceive")
	}

	// The next request clears the cancellation.
	tx := readRequest(t, 0)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	canceled := tr.canceled
	tr.mu.Unlock()
	if canceled {
		t.Error("cancellation survived SendFrame")
	}
}

func TestTransport_MasterTimeout(t *testing.T) {
	fresh := withCRC([]byte{0x01, 0x03, 0x02, 0x22, 0x22})
	tr, mock := newMockTransport(nil, fresh)
	tr.ReadTimeout = 5 * time.Second

	const timeout = 50 * time.Millisecond
	m, err := master.New(tr, master.WithDeviceType(modbus.DeviceRTU), master.WithTimeout(timeout))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	dst := []uint16{0}
	start := time.Now()
	err = m.ReadHoldingRegisters(0, 1, dst)
	elapsed := time.Since(start)
	if master.CodeOf(err) != master.Timeout {
		t.Fatalf("code = %v, want Timeout", master.CodeOf(err))
	}
	if elapsed > timeout+250*time.Millisecond {
		t.Errorf("elapsed = %v, want close to %v", elapsed, timeout)
	}

	// A reply to the timed out request shows up late.
	mock.feed(withCRC([]byte{0x01, 0x03, 0x02, 0x11, 0x11}))

	if err := m.ReadHoldingRegisters(10, 1, dst); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if dst[0] != 0x2222 {
		t.Errorf("value = %#04x, want 0x2222", dst[0])
	}
}

func TestTransport_NotConnected(t *testing.T) {
	tr := New(config.SerialConfig{})
	tx := modbus.NewRawFrame(8)
	_ = tx.Append(0x01, 0x03)

	if err := tr.SendFrame(tx, tx.Len()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendFrame err = %v, want ErrNotConnected", err)
	}
	if err := tr.ReceiveHeader(modbus.DeviceRTU, modbus.NewRawFrame(8)); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("ReceiveHeader err = %v, want ErrNotConnected", err)
	}
}

func TestTransport_Disconnect(t *testing.T) {
	tr, mock := newMockTransport()
	if err := tr.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if !mock.closed {
		t.Error("port not closed")
	}
	if tr.connected {
		t.Error("still marked connected")
	}
	// Disconnect on a closed link is allowed.
	if err := tr.Disconnect(); err != nil {
		t.Errorf("second Disconnect err = %v", err)
	}
}

func TestTransport_ConnectCanceled(t *testing.T) {
	tr := New(config.SerialConfig{Device: "/dev/does-not-exist"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Connect(ctx); err == nil {
		t.Fatal("expected error")
	}
	if tr.connected {
		t.Error("failed connect left transport connected")
	}
}

func TestCalculateDelay(t *testing.T) {
	var sp serialPort
	sp.BaudRate = 9600
	// 15000000/9600 = 1562us per char, 35000000/9600 = 3645us gap
	if got, want := sp.calculateDelay(8), time.Duration(1562*8+3645)*time.Microsecond; got != want {
		t.Errorf("9600 baud delay = %v, want %v", got, want)
	}
	sp.BaudRate = 115200
	if got, want := sp.calculateDelay(8), time.Duration(750*8+1750)*time.Microsecond; got != want {
		t.Errorf("115200 baud delay = %v, want %v", got, want)
	}
}
