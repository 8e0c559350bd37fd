// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command mbsim runs a simulated Modbus slave.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/logging"
	"github.com/ffutop/modbus-master/internal/simulator"
	"github.com/ffutop/modbus-master/internal/simulator/persistence"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

func main() {
	fs := config.NewFlagSet("mbsim")
	anyID := fs.Bool("any-slave", false, "Answer requests for every slave address.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer logging.Setup(cfg.Log).Close()

	slog.Info("Starting Modbus simulator...")

	storage, m := persistence.Open(cfg.Simulator.Persistence)
	slave := simulator.NewSlave(m, storage)
	if !*anyID {
		slave.ID = byte(cfg.Master.SlaveID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, slave.Handler(), nil)

	slog.Info("Shutting down...")
	if err := storage.Save(slave.Model()); err != nil {
		slog.Error("Failed to save data model", "err", err)
	}
	if err := slave.Close(); err != nil {
		slog.Error("Failed to close storage", "err", err)
	}
	if err != nil {
		slog.Error("Simulator stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

// serve runs the simulator link of cfg until ctx is done. ready, when not
// nil, receives the bound address of network links.
func serve(ctx context.Context, cfg *config.Config, handler transport.RequestHandler, ready chan<- net.Addr) error {
	dt, err := modbus.ParseDeviceType(cfg.Simulator.Device)
	if err != nil {
		return err
	}

	switch cfg.Link.Type {
	case "tcp":
		srv := simulator.NewServer(cfg.Simulator.Address, dt)
		if err := srv.Listen(); err != nil {
			return err
		}
		notify(ready, srv.Addr())
		return srv.Start(ctx, handler)
	case "udp":
		pc, err := net.ListenPacket("udp", cfg.Simulator.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Simulator.Address, err)
		}
		slog.Info("Modbus simulator listening", "addr", pc.LocalAddr(), "device", dt)
		notify(ready, pc.LocalAddr())
		return simulator.ServePacket(ctx, pc, dt, handler)
	case "serial", "rtu":
		return simulator.ServeSerial(ctx, cfg.Link.Serial, dt, handler)
	default:
		return fmt.Errorf("unknown link type '%s'", cfg.Link.Type)
	}
}

func notify(ready chan<- net.Addr, addr net.Addr) {
	if ready != nil {
		ready <- addr
	}
}
