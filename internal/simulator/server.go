// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/framing"
	"github.com/ffutop/modbus-master/transport"
	"github.com/grid-x/serial"
)

// ErrNotAddressed is returned by a handler for a request meant for another
// slave. The server does not answer it.
var ErrNotAddressed = errors.New("simulator: request not addressed to this slave")

// Server exposes a handler on a TCP listener, framing per Device.
type Server struct {
	Address string
	Device  modbus.DeviceType

	listener net.Listener
}

// NewServer creates a new Server.
func NewServer(address string, dt modbus.DeviceType) *Server {
	return &Server{
		Address: address,
		Device:  dt,
	}
}

// Listen binds the listener. It is called by Start when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves connections until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("Modbus simulator listening", "addr", s.listener.Addr(), "device", s.Device)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go func() {
			defer conn.Close()
			slog.Info("New TCP client connected", "addr", conn.RemoteAddr())
			if err := ServeConn(ctx, conn, s.Device, handler); err != nil {
				slog.Error("Connection closed", "addr", conn.RemoteAddr(), "err", err)
				return
			}
			slog.Info("TCP client disconnected", "addr", conn.RemoteAddr())
		}()
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// ServeSerial serves handler on a serial line until ctx is done.
func ServeSerial(ctx context.Context, cfg config.SerialConfig, dt modbus.DeviceType, handler transport.RequestHandler) error {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout, // Read timeout
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	defer port.Close()
	slog.Info("Modbus simulator listening", "device", cfg.Device, "framing", dt)

	go func() {
		<-ctx.Done()
		port.Close()
	}()
	return ServeConn(ctx, idleLine{port}, dt, handler)
}

// idleLine reports every failed read of a serial port as a timeout, the
// usual outcome of a read on a quiet line.
type idleLine struct {
	io.ReadWriter
}

func (l idleLine) Read(p []byte) (int, error) {
	n, err := l.ReadWriter.Read(p)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		err = fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return n, err
}

// ServeConn reads requests framed per dt from rw and writes the replies,
// one request at a time. It returns nil when the peer goes away or ctx is done.
func ServeConn(ctx context.Context, rw io.ReadWriter, dt modbus.DeviceType, handler transport.RequestHandler) error {
	f, err := framing.For(dt)
	if err != nil {
		return err
	}
	rf, err := framing.RequestFramerFor(dt)
	if err != nil {
		return err
	}

	rx := modbus.NewRawFrame(modbus.MaxADUSize)
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rx.Reset()
		if err := transport.ReadFull(rw, rx, rf.RequestHeaderSize()); err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrNotConnected) {
				return nil
			}
			if errors.Is(err, transport.ErrTimeout) {
				// Idle serial line.
				continue
			}
			return err
		}

		length, err := rf.RequestLength(rx.Bytes())
		if err != nil {
			slog.Debug("Invalid request header", "header", hex.EncodeToString(rx.Bytes()), "err", err)
			continue
		}
		if err := transport.ReadFull(rw, rx, length-rx.Len()); err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrNotConnected) {
				return nil
			}
			continue
		}

		h, req, err := f.Decode(rx.Bytes())
		if err != nil {
			slog.Debug("Failed to decode request", "request", hex.EncodeToString(rx.Bytes()), "err", err)
			continue
		}
		req.Data = append([]byte(nil), req.Data...)

		resp, err := handler(ctx, h.SlaveID, req)
		if errors.Is(err, ErrNotAddressed) {
			continue
		}
		if err != nil {
			slog.Error("Handler failed", "err", err)
			continue
		}

		if err := f.Encode(h, resp, tx); err != nil {
			slog.Error("Failed to encode response", "err", err)
			continue
		}
		if _, err := rw.Write(tx.Bytes()); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

// ServePacket answers datagrams received on pc until ctx is done. Each
// datagram carries one request.
func ServePacket(ctx context.Context, pc net.PacketConn, dt modbus.DeviceType, handler transport.RequestHandler) error {
	f, err := framing.For(dt)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, modbus.MaxADUSize)
	tx := modbus.NewRawFrame(modbus.MaxADUSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		h, req, err := f.Decode(buf[:n])
		if err != nil {
			slog.Debug("Failed to decode request", "request", hex.EncodeToString(buf[:n]), "err", err)
			continue
		}
		resp, err := handler(ctx, h.SlaveID, req)
		if err != nil {
			continue
		}
		if err := f.Encode(h, resp, tx); err != nil {
			continue
		}
		if _, err := pc.WriteTo(tx.Bytes(), addr); err != nil {
			slog.Error("Failed to write response", "addr", addr, "err", err)
		}
	}
}
