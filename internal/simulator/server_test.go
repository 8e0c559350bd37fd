// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
)

type mockPort struct {
	io.Reader
	io.Writer
}

func (m *mockPort) Close() error { return nil }

func encode(t *testing.T, dt modbus.DeviceType, h modbus.Header, fn byte, data ...byte) []byte {
	t.Helper()
	f, err := framing.For(dt)
	if err != nil {
		t.Fatal(err)
	}
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	if err := f.Encode(h, modbus.ProtocolDataUnit{FunctionCode: fn, Data: data}, tx); err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), tx.Bytes()...)
}

func TestServeConn(t *testing.T) {
	for _, dt := range []modbus.DeviceType{modbus.DeviceRTU, modbus.DeviceTCP, modbus.DeviceASCII} {
		t.Run(dt.String(), func(t *testing.T) {
			m := model.NewDataModel()
			m.SetRegisters(model.TableHoldingRegisters, 1, 0xAABB)
			s := NewSlave(m, nil)
			s.ID = 1

			h := modbus.Header{TransactionID: 42, SlaveID: 1}
			var input []byte
			// A request for another slave, then a read and a multiple write.
			input = append(input, encode(t, dt, modbus.Header{TransactionID: 41, SlaveID: 9}, 0x03, 0x00, 0x01, 0x00, 0x01)...)
			input = append(input, encode(t, dt, h, 0x03, 0x00, 0x01, 0x00, 0x01)...)
			input = append(input, encode(t, dt, h, 0x10, 0x00, 0x02, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44)...)

			writer := &bytes.Buffer{}
			port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

			// The reader runs dry, so ServeConn returns on its own.
			if err := ServeConn(context.Background(), port, dt, s.Handler()); err != nil {
				t.Fatalf("ServeConn failed: %v", err)
			}

			var want []byte
			want = append(want, encode(t, dt, h, 0x03, 0x02, 0xAA, 0xBB)...)
			want = append(want, encode(t, dt, h, 0x10, 0x00, 0x02, 0x00, 0x02)...)
			if !bytes.Equal(writer.Bytes(), want) {
				t.Errorf("responses mismatch.\nWant: %X\nGot:  %X", want, writer.Bytes())
			}
			if v := m.Register(model.TableHoldingRegisters, 3); v != 0x3344 {
				t.Errorf("holding 3 = %#x, want 0x3344", v)
			}
		})
	}
}

func TestServeConn_SkipsCorruptFrame(t *testing.T) {
	s := NewSlave(model.NewDataModel(), nil)
	h := modbus.Header{SlaveID: 1}

	bad := encode(t, modbus.DeviceRTU, h, 0x03, 0x00, 0x00, 0x00, 0x01)
	bad[len(bad)-1] ^= 0xFF
	good := encode(t, modbus.DeviceRTU, h, 0x06, 0x00, 0x00, 0x00, 0x01)

	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(append(bad, good...)), Writer: writer}
	if err := ServeConn(context.Background(), port, modbus.DeviceRTU, s.Handler()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(writer.Bytes(), good) {
		t.Errorf("response = %X, want echo %X", writer.Bytes(), good)
	}
}

func TestServer_Start(t *testing.T) {
	s := NewServer("127.0.0.1:0", modbus.DeviceTCP)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slave := NewSlave(model.NewDataModel(), nil)
	slave.Model().SetRegisters(model.TableInputRegisters, 0, 7)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx, slave.Handler())
	}()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	h := modbus.Header{TransactionID: 123, SlaveID: 1}
	if _, err := conn.Write(encode(t, modbus.DeviceTCP, h, 0x04, 0x00, 0x00, 0x00, 0x01)); err != nil {
		t.Fatal(err)
	}
	want := encode(t, modbus.DeviceTCP, h, 0x04, 0x02, 0x00, 0x07)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("response mismatch.\nWant: %X\nGot:  %X", want, got)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Error("server did not stop")
	}
}

func TestServePacket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slave := NewSlave(model.NewDataModel(), nil)
	go ServePacket(ctx, pc, modbus.DeviceTCP, slave.Handler())

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	h := modbus.Header{TransactionID: 5, SlaveID: 1}
	if _, err := conn.Write(encode(t, modbus.DeviceTCP, h, 0x06, 0x00, 0x09, 0x00, 0x01)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if want := encode(t, modbus.DeviceTCP, h, 0x06, 0x00, 0x09, 0x00, 0x01); !bytes.Equal(buf[:n], want) {
		t.Errorf("response = %X, want %X", buf[:n], want)
	}
}
