// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	mbap "github.com/ffutop/modbus-master/modbus/tcp"
	"github.com/ffutop/modbus-master/transport"
)

// scriptedServer accepts connections and answers each 12 byte request
// through reply. A nil reply leaves the request unanswered.
func scriptedServer(t *testing.T, reply func(req []byte) []byte) (string, *int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	var accepted int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			go func(conn net.Conn) {
				defer conn.Close()
				req := make([]byte, 12)
				for {
					if _, err := io.ReadFull(conn, req); err != nil {
						return
					}
					if resp := reply(req); resp != nil {
						conn.Write(resp)
					}
				}
			}(conn)
		}
	}()
	return l.Addr().String(), &accepted
}

func readRequest(t *testing.T, tid uint16) *modbus.RawFrame {
	t.Helper()
	var f mbap.Framer
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	if err := f.Encode(modbus.Header{TransactionID: tid, SlaveID: 1}, pdu, tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

func receive(tr *Transport, rx *modbus.RawFrame) error {
	if err := tr.ReceiveHeader(modbus.DeviceTCP, rx); err != nil {
		return err
	}
	var f mbap.Framer
	total, err := f.FrameLength(rx.Bytes())
	if err != nil {
		return err
	}
	if err := tr.ReceiveBytes(rx, total-rx.Len()); err != nil {
		return err
	}
	return tr.EndOfFrame(rx)
}

func TestTransport_RoundTrip(t *testing.T) {
	addr, _ := scriptedServer(t, func(req []byte) []byte {
		// Echo transaction and unit id, answer one register 0xAABB.
		return []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x05, req[6], 0x03, 0x02, 0xAA, 0xBB}
	})

	tr := New(config.TcpConfig{Address: addr, DialTimeout: time.Second})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	tx := readRequest(t, 0x1234)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := receive(tr, rx); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	want := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(rx.Bytes(), want) {
		t.Errorf("Response mismatch.\nWant: %X\nGot:  %X", want, rx.Bytes())
	}
}

func TestTransport_CancelReceive(t *testing.T) {
	addr, accepted := scriptedServer(t, func(req []byte) []byte { return nil })

	tr := New(config.TcpConfig{Address: addr, DialTimeout: time.Second})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	tx := readRequest(t, 1)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- tr.ReceiveHeader(modbus.DeviceTCP, modbus.NewRawFrame(modbus.MaxADUSize)) }()

	time.Sleep(50 * time.Millisecond)
	tr.CancelReceive()

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrTimeout) {
			t.Errorf("canceled receive err = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CancelReceive did not interrupt the read")
	}

	// The next frame goes out on a fresh connection.
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatalf("SendFrame after cancel failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(accepted) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(accepted); n != 2 {
		t.Errorf("accepted connections = %d, want 2", n)
	}
}

func TestTransport_NotConnected(t *testing.T) {
	tr := New(config.TcpConfig{Address: "127.0.0.1:1"})
	tx := readRequest(t, 1)
	if err := tr.SendFrame(tx, tx.Len()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendFrame err = %v, want ErrNotConnected", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Errorf("Disconnect on closed link err = %v", err)
	}
}

func TestTransport_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	tr := New(config.TcpConfig{Address: addr, DialTimeout: 200 * time.Millisecond})
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	tx := readRequest(t, 1)
	if err := tr.SendFrame(tx, tx.Len()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendFrame err = %v, want ErrNotConnected", err)
	}
}

func TestTransport_PeerClosed(t *testing.T) {
	addr, _ := scriptedServer(t, func(req []byte) []byte {
		// Half a header; the rest never arrives.
		return []byte{req[0], req[1], 0x00}
	})

	tr := New(config.TcpConfig{Address: addr, DialTimeout: time.Second})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	tx := readRequest(t, 7)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	tr.ReadTimeout = 200 * time.Millisecond
	err := tr.ReceiveHeader(modbus.DeviceTCP, modbus.NewRawFrame(modbus.MaxADUSize))
	if err == nil {
		t.Fatal("expected error on short header")
	}
}
