// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package udp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// udpSlave answers every datagram through reply. A nil reply is not sent.
func udpSlave(t *testing.T, reply func(req []byte) []byte) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if resp := reply(buf[:n]); resp != nil {
				pc.WriteTo(resp, addr)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func mbapRequest(tid byte) *modbus.RawFrame {
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	_ = tx.Append(0x00, tid, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01)
	return tx
}

func TestTransport_Datagram(t *testing.T) {
	addr := udpSlave(t, func(req []byte) []byte {
		return []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x2A}
	})

	tr := New(config.TcpConfig{Address: addr, IdleTimeout: time.Second})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	tx := mbapRequest(9)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := tr.ReceiveHeader(modbus.DeviceTCP, rx); err != nil {
		t.Fatalf("ReceiveHeader failed: %v", err)
	}
	want := []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x2A}
	if !bytes.Equal(rx.Bytes(), want) {
		t.Errorf("frame = %X, want %X", rx.Bytes(), want)
	}
}

func TestTransport_Timeout(t *testing.T) {
	addr := udpSlave(t, func(req []byte) []byte { return nil })

	tr := New(config.TcpConfig{Address: addr, IdleTimeout: 50 * time.Millisecond})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	tx := mbapRequest(1)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	err := tr.ReceiveHeader(modbus.DeviceTCP, modbus.NewRawFrame(modbus.MaxADUSize))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	// The socket is replaced lazily.
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Errorf("SendFrame after timeout failed: %v", err)
	}
}

func TestTransport_ShortDatagram(t *testing.T) {
	addr := udpSlave(t, func(req []byte) []byte { return []byte{0x00, 0x01, 0x00} })

	tr := New(config.TcpConfig{Address: addr, IdleTimeout: time.Second})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	tx := mbapRequest(1)
	if err := tr.SendFrame(tx, tx.Len()); err != nil {
		t.Fatal(err)
	}
	err := tr.ReceiveHeader(modbus.DeviceTCP, modbus.NewRawFrame(modbus.MaxADUSize))
	if !errors.Is(err, modbus.ErrFrameFormat) {
		t.Errorf("err = %v, want ErrFrameFormat", err)
	}
}
